package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/config"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func TestSign(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	timestamp, sign := Sign("SECabc", ts)
	assert.Equal(t, "1700000000123", timestamp)

	mac := hmac.New(sha256.New, []byte("SECabc"))
	mac.Write([]byte("1700000000123\nSECabc"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sign)
}

type webhookCapture struct {
	mu    sync.Mutex
	query map[string]string
	body  map[string]any
}

func webhookServer(t *testing.T, capture *webhookCapture, reply string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.mu.Lock()
		defer capture.mu.Unlock()
		capture.query = map[string]string{}
		for k := range r.URL.Query() {
			capture.query[k] = r.URL.Query().Get(k)
		}
		capture.body = map[string]any{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&capture.body))
		_, _ = w.Write([]byte(reply))
	}))
}

func newWebhook(url, secret string) *WebhookSender {
	w := NewWebhookSender(&config.WebhookConfig{URL: url, Secret: secret}, zerolog.Nop())
	w.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return w
}

func TestWebhook_SignedText(t *testing.T) {
	capture := &webhookCapture{}
	srv := webhookServer(t, capture, `{"errcode":0,"errmsg":"ok"}`)
	defer srv.Close()

	w := newWebhook(srv.URL+"/robot/send?access_token=tok", "SECabc")
	ok, err := w.Send(context.Background(), Notification{Text: "generated 3 images"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, sign := Sign("SECabc", time.UnixMilli(1700000000123))
	assert.Equal(t, "tok", capture.query["access_token"])
	assert.Equal(t, "1700000000123", capture.query["timestamp"])
	assert.Equal(t, sign, capture.query["sign"])
	assert.Equal(t, "text", capture.body["msgtype"])
	assert.Equal(t, map[string]any{"content": "generated 3 images"}, capture.body["text"])
}

func TestWebhook_ImageURLBecomesMarkdown(t *testing.T) {
	capture := &webhookCapture{}
	srv := webhookServer(t, capture, `{"errcode":0}`)
	defer srv.Close()

	w := newWebhook(srv.URL, "")
	ok, err := w.Send(context.Background(), Notification{Kind: KindImage, Text: "a red circle", URL: "https://cdn.example.com/a.png"})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NotContains(t, capture.query, "sign")
	assert.Equal(t, "markdown", capture.body["msgtype"])
	md := capture.body["markdown"].(map[string]any)
	assert.Equal(t, "a red circle", md["title"])
	assert.Contains(t, md["text"], "![image](https://cdn.example.com/a.png)")
}

func TestWebhook_FileURLBecomesLink(t *testing.T) {
	capture := &webhookCapture{}
	srv := webhookServer(t, capture, `{"errcode":0}`)
	defer srv.Close()

	ok, err := newWebhook(srv.URL, "").Send(context.Background(),
		Notification{Kind: KindAudio, Path: "/out/hello.mp3", URL: "https://cdn.example.com/hello.mp3"})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "link", capture.body["msgtype"])
	link := capture.body["link"].(map[string]any)
	assert.Equal(t, "hello.mp3", link["title"])
	assert.Equal(t, "https://cdn.example.com/hello.mp3", link["messageUrl"])
}

func TestWebhook_LocalFileWithoutURLSendsNote(t *testing.T) {
	capture := &webhookCapture{}
	srv := webhookServer(t, capture, `{"errcode":0}`)
	defer srv.Close()

	_, err := newWebhook(srv.URL, "").Send(context.Background(),
		Notification{Kind: KindFile, Text: "done", Path: "/out/report.txt"})
	require.NoError(t, err)

	assert.Equal(t, "text", capture.body["msgtype"])
	assert.Contains(t, capture.body["text"].(map[string]any)["content"], "report.txt")
}

func TestWebhook_ErrcodeRejects(t *testing.T) {
	capture := &webhookCapture{}
	srv := webhookServer(t, capture, `{"errcode":310000,"errmsg":"sign not match"}`)
	defer srv.Close()

	ok, err := newWebhook(srv.URL, "wrong").Send(context.Background(), Notification{Text: "hi"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "310000")
	assert.Contains(t, err.Error(), "sign not match")
}

func TestWebhook_NotConfigured(t *testing.T) {
	ok, err := newWebhook("", "").Send(context.Background(), Notification{Text: "hi"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		want Command
	}{
		{"image", "/image a red circle", true, Command{Operation: "image", Input: "a red circle", Options: map[string]string{}}},
		{"alias with options", "/draw provider=tongyi size=1024*1024 a cat", true,
			Command{Operation: "image", Provider: "tongyi", Input: "a cat", Options: map[string]string{"size": "1024*1024"}}},
		{"tts", "/tts voice=nova hello world", true,
			Command{Operation: "tts", Input: "hello world", Options: map[string]string{"voice": "nova"}}},
		{"telegram bot suffix", "/image@mediagen_bot sunset", true, Command{Operation: "image", Input: "sunset", Options: map[string]string{}}},
		{"url input is not an option", "/stt https://x.test/a.mp3?x=1", true,
			Command{Operation: "stt", Input: "https://x.test/a.mp3?x=1", Options: map[string]string{}}},
		{"help", "/help", true, Command{Help: true}},
		{"no input", "/image size=512x512", false, Command{}},
		{"unknown", "/video a cat", false, Command{}},
		{"plain text", "draw me a cat", false, Command{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCommand(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotificationResolve(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(img, pngHeader, 0644))
	audio := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), 0644))
	txt := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello transcript"), 0644))

	assert.Equal(t, KindText, Notification{Text: "x"}.Resolve().Kind)
	assert.Equal(t, KindImage, Notification{Path: img}.Resolve().Kind)
	assert.Equal(t, KindAudio, Notification{Path: audio}.Resolve().Kind)
	assert.Equal(t, KindFile, Notification{Path: txt}.Resolve().Kind)
	assert.Equal(t, KindAudio, Notification{Kind: KindAudio, Path: img}.Resolve().Kind)
}

func TestIsAllowed(t *testing.T) {
	c := &BaseChannel{AllowFrom: []string{"alice", "42"}}
	assert.True(t, c.IsAllowed("alice"))
	assert.True(t, c.IsAllowed("42|bob"))
	assert.False(t, c.IsAllowed("mallory"))
	assert.True(t, (&BaseChannel{}).IsAllowed("anyone"))
}

func TestHandleMessage(t *testing.T) {
	b := bus.NewMessageBus(zerolog.Nop())
	c := &BaseChannel{Bus: b, AllowFrom: []string{"alice"}, Log: zerolog.Nop()}

	c.HandleMessage("dingtalk", "alice", "cid9", "/image provider=ernie a lighthouse", nil)
	msg := <-b.ConsumeInbound()
	assert.Equal(t, "image", msg.Operation)
	assert.Equal(t, "ernie", msg.Provider)
	assert.Equal(t, "a lighthouse", msg.Content)
	assert.Equal(t, "cid9", msg.ChatID)

	got := make(chan bus.OutboundMessage, 1)
	b.SubscribeOutbound("dingtalk", func(m bus.OutboundMessage) { got <- m })
	go b.DispatchOutbound()
	defer b.Stop()

	c.HandleMessage("dingtalk", "alice", "cid9", "/video a cat", nil)
	select {
	case m := <-got:
		assert.Equal(t, HelpText, m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no help reply")
	}

	c.HandleMessage("dingtalk", "mallory", "cid9", "/image a cat", nil)
	select {
	case m := <-b.ConsumeInbound():
		t.Fatalf("unauthorized message published: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingSender struct {
	name string
	mu   sync.Mutex
	got  []Notification
	done chan struct{}
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(_ context.Context, n Notification) (bool, error) {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	close(s.done)
	return true, nil
}

func TestManager_AttachDelivers(t *testing.T) {
	m := NewManager(&config.ChannelsConfig{}, nil, zerolog.Nop())
	assert.Empty(t, m.Names())

	rec := &recordingSender{name: "fake", done: make(chan struct{})}
	m.Register(rec)
	assert.Equal(t, []string{"fake"}, m.Names())

	_, err := m.Get("telegram")
	assert.Error(t, err)

	b := bus.NewMessageBus(zerolog.Nop())
	m.Attach(b)
	go b.DispatchOutbound()
	defer b.Stop()

	b.PublishOutbound(bus.OutboundMessage{Channel: "fake", ChatID: "u1", Content: "hi", Kind: "image", Media: []string{"/out/a.png"}})
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.got, 1)
	assert.Equal(t, Notification{Kind: KindImage, Text: "hi", Path: "/out/a.png", To: "u1"}, rec.got[0])
}

func TestManager_EnabledFromConfig(t *testing.T) {
	cfg := &config.ChannelsConfig{
		Webhook:  config.WebhookConfig{Enabled: true, URL: "https://oapi.dingtalk.com/robot/send?access_token=x"},
		DingTalk: config.DingTalkConfig{Enabled: true},
	}
	m := NewManager(cfg, nil, zerolog.Nop())
	assert.Equal(t, []string{"dingtalk", "webhook"}, m.Names())
}

func TestDingTalk_UploadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
		assert.Equal(t, "image", r.URL.Query().Get("type"))
		f, hdr, err := r.FormFile("media")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(f)
			assert.Equal(t, pngHeader, data)
			assert.Equal(t, "a.png", hdr.Filename)
		}
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok","media_id":"@lAz123","type":"image"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0644))

	c := NewDingTalkChannel(&config.DingTalkConfig{UploadURL: srv.URL}, nil, zerolog.Nop())
	id, err := c.uploadMedia(context.Background(), "tok-1", path, "image")
	require.NoError(t, err)
	assert.Equal(t, "@lAz123", id)
}

func TestDingTalk_UploadMediaRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":40014,"errmsg":"invalid access_token"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0644))

	c := NewDingTalkChannel(&config.DingTalkConfig{UploadURL: srv.URL}, nil, zerolog.Nop())
	_, err := c.uploadMedia(context.Background(), "bad", path, "image")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "40014")
}

func TestDingTalk_SendRequiresRobotCode(t *testing.T) {
	c := NewDingTalkChannel(&config.DingTalkConfig{}, nil, zerolog.Nop())
	ok, err := c.Send(context.Background(), Notification{Text: "hi", To: "user1"})
	assert.False(t, ok)
	assert.Error(t, err)
}
