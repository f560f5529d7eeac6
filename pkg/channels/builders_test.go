package channels

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/mediagen-go/pkg/config"
)

func TestTelegramMessage(t *testing.T) {
	tests := []struct {
		name  string
		n     Notification
		check func(t *testing.T, msg tgbotapi.Chattable)
		err   string
	}{
		{
			name: "text",
			n:    Notification{Kind: KindText, Text: "done"},
			check: func(t *testing.T, msg tgbotapi.Chattable) {
				m, ok := msg.(tgbotapi.MessageConfig)
				require.True(t, ok)
				assert.Equal(t, "done", m.Text)
				assert.Equal(t, int64(42), m.ChatID)
			},
		},
		{
			name: "empty text",
			n:    Notification{Kind: KindText},
			err:  "empty text notification",
		},
		{
			name: "local image",
			n:    Notification{Kind: KindImage, Path: "/out/a.png", Text: "Image from dall-e-3"},
			check: func(t *testing.T, msg tgbotapi.Chattable) {
				p, ok := msg.(tgbotapi.PhotoConfig)
				require.True(t, ok)
				assert.Equal(t, tgbotapi.FilePath("/out/a.png"), p.File)
				assert.Equal(t, "Image from dall-e-3", p.Caption)
			},
		},
		{
			name: "remote audio",
			n:    Notification{Kind: KindAudio, URL: "https://cdn.example/a.mp3"},
			check: func(t *testing.T, msg tgbotapi.Chattable) {
				a, ok := msg.(tgbotapi.AudioConfig)
				require.True(t, ok)
				assert.Equal(t, tgbotapi.FileURL("https://cdn.example/a.mp3"), a.File)
			},
		},
		{
			name: "path wins over url",
			n:    Notification{Kind: KindFile, Path: "/out/t.txt", URL: "https://cdn.example/t.txt"},
			check: func(t *testing.T, msg tgbotapi.Chattable) {
				d, ok := msg.(tgbotapi.DocumentConfig)
				require.True(t, ok)
				assert.Equal(t, tgbotapi.FilePath("/out/t.txt"), d.File)
			},
		},
		{
			name: "file without source",
			n:    Notification{Kind: KindFile},
			err:  "file notification needs a path or url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := telegramMessage(42, tt.n)
			if tt.err != "" {
				assert.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func cardText(t *testing.T, content string) string {
	t.Helper()
	var card struct {
		Elements []struct {
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
		} `json:"elements"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &card))
	require.Len(t, card.Elements, 1)
	return card.Elements[0].Text.Content
}

func TestFeishuMessage_Text(t *testing.T) {
	c := NewFeishuChannel(&config.FeishuConfig{}, zerolog.Nop())

	tests := []struct {
		name string
		n    Notification
		want string
	}{
		{"plain text", Notification{Kind: KindText, Text: "done"}, "done"},
		{"text with link", Notification{Kind: KindText, Text: "Image ready", URL: "https://cdn.example/a.png"}, "Image ready\nhttps://cdn.example/a.png"},
		{"remote media becomes a link", Notification{Kind: KindImage, URL: "https://cdn.example/a.png"}, "https://cdn.example/a.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, content, err := c.message(context.Background(), tt.n)
			require.NoError(t, err)
			assert.Equal(t, larkim.MsgTypeInteractive, msgType)
			assert.Equal(t, tt.want, cardText(t, content))
		})
	}

	_, _, err := c.message(context.Background(), Notification{Kind: KindText})
	assert.EqualError(t, err, "empty notification")
}

func TestFeishuReceiveIDType(t *testing.T) {
	assert.Equal(t, larkim.ReceiveIdTypeChatId, receiveIDType("oc_84983ff6516d731e5b5f68d4ea2e1da5"))
	assert.Equal(t, larkim.ReceiveIdTypeOpenId, receiveIDType("ou_7d8a6e6df7621556ce0d21922b676706"))
}

func TestFeishuConnect_Concurrent(t *testing.T) {
	c := NewFeishuChannel(&config.FeishuConfig{AppID: "cli_a", AppSecret: "s"}, zerolog.Nop())

	var wg sync.WaitGroup
	clients := make([]*lark.Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.connect())
			c.mu.Lock()
			clients[i] = c.client
			c.mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, cl := range clients {
		assert.Same(t, clients[0], cl)
	}
}

func TestTelegramConnect_RequiresToken(t *testing.T) {
	c := NewTelegramChannel(&config.TelegramConfig{}, nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.EqualError(t, c.connect(), "telegram token is required")
		}()
	}
	wg.Wait()
}
