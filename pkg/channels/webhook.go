package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/config"
)

// WebhookSender posts to a DingTalk custom-robot webhook. Webhooks cannot carry files, so media
// is sent as a markdown image or a link card when it has a public URL, and as a text note otherwise.
type WebhookSender struct {
	URL    string
	Secret string
	HTTP   *http.Client

	now func() time.Time
	log zerolog.Logger
}

// NewWebhookSender creates a sender from configuration.
func NewWebhookSender(cfg *config.WebhookConfig, logger zerolog.Logger) *WebhookSender {
	return &WebhookSender{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
		log:    logger.With().Str("component", "channels").Str("channel", "webhook").Logger(),
	}
}

func (w *WebhookSender) Name() string {
	return "webhook"
}

// Sign returns the timestamp and signature DingTalk expects for a signed webhook:
// base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func Sign(secret string, ts time.Time) (string, string) {
	timestamp := strconv.FormatInt(ts.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return timestamp, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSender) endpoint() (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	if w.Secret != "" {
		timestamp, sign := Sign(w.Secret, w.now())
		q := u.Query()
		q.Set("timestamp", timestamp)
		q.Set("sign", sign)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (w *WebhookSender) payload(n Notification) map[string]any {
	title := n.Text
	if title == "" && n.Path != "" {
		title = filepath.Base(n.Path)
	}

	switch {
	case n.Kind == KindImage && n.URL != "":
		return map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": truncate(title, 64),
				"text":  fmt.Sprintf("%s\n\n![image](%s)", n.Text, n.URL),
			},
		}
	case n.Kind != KindText && n.URL != "":
		return map[string]any{
			"msgtype": "link",
			"link": map[string]string{
				"title":      truncate(title, 64),
				"text":       firstNonEmpty(n.Text, filepath.Base(n.Path)),
				"messageUrl": n.URL,
			},
		}
	}

	text := n.Text
	if n.Kind != KindText && n.Path != "" {
		text = fmt.Sprintf("%s\n[%s saved as %s]", n.Text, n.Kind, filepath.Base(n.Path))
	}
	return map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
}

// Send posts the notification. An errcode other than 0 means the robot refused it.
func (w *WebhookSender) Send(ctx context.Context, n Notification) (bool, error) {
	if w.URL == "" {
		return false, fmt.Errorf("webhook url is not configured")
	}
	n = n.Resolve()

	endpoint, err := w.endpoint()
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(w.payload(n))
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return false, fmt.Errorf("decode webhook response: %w", err)
	}
	if result.ErrCode != 0 {
		return false, fmt.Errorf("webhook rejected message: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}

	w.log.Info().Str("kind", string(n.Kind)).Msg("Webhook message sent")
	return true, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
