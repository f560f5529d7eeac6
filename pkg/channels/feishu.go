package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/config"
)

// FeishuChannel delivers notifications through the Feishu IM API.
type FeishuChannel struct {
	Config *config.FeishuConfig
	log    zerolog.Logger

	mu     sync.Mutex
	client *lark.Client
}

// NewFeishuChannel creates a new FeishuChannel.
func NewFeishuChannel(cfg *config.FeishuConfig, logger zerolog.Logger) *FeishuChannel {
	return &FeishuChannel{
		Config: cfg,
		log:    logger.With().Str("component", "channels").Str("channel", "feishu").Logger(),
	}
}

func (c *FeishuChannel) Name() string {
	return "feishu"
}

func (c *FeishuChannel) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	if c.Config.AppID == "" || c.Config.AppSecret == "" {
		return fmt.Errorf("feishu appId and appSecret are required")
	}
	c.client = lark.NewClient(c.Config.AppID, c.Config.AppSecret)
	return nil
}

// receiveIDType tells chat IDs (oc_...) from user open IDs.
func receiveIDType(to string) string {
	if strings.HasPrefix(to, "oc_") {
		return larkim.ReceiveIdTypeChatId
	}
	return larkim.ReceiveIdTypeOpenId
}

// Send uploads media first when needed, then posts the message.
func (c *FeishuChannel) Send(ctx context.Context, n Notification) (bool, error) {
	if err := c.connect(); err != nil {
		return false, err
	}
	if n.To == "" {
		return false, fmt.Errorf("feishu target is required")
	}
	n = n.Resolve()

	msgType, content, err := c.message(ctx, n)
	if err != nil {
		return false, err
	}
	if err := c.create(ctx, n.To, msgType, content); err != nil {
		return false, err
	}
	if msgType != larkim.MsgTypeInteractive && n.Text != "" {
		caption, _ := c.textCard(n.Text)
		if err := c.create(ctx, n.To, larkim.MsgTypeInteractive, caption); err != nil {
			c.log.Warn().Err(err).Msg("Caption send failed")
		}
	}

	c.log.Info().Str("to", n.To).Str("kind", string(n.Kind)).Msg("Feishu message sent")
	return true, nil
}

func (c *FeishuChannel) message(ctx context.Context, n Notification) (string, string, error) {
	if n.Kind == KindText || n.Path == "" {
		text := n.Text
		if n.URL != "" {
			text = strings.TrimSpace(text + "\n" + n.URL)
		}
		if text == "" {
			return "", "", fmt.Errorf("empty notification")
		}
		content, err := c.textCard(text)
		return larkim.MsgTypeInteractive, content, err
	}

	if n.Kind == KindImage {
		key, err := c.uploadImage(ctx, n.Path)
		if err != nil {
			return "", "", err
		}
		content, err := json.Marshal(map[string]string{"image_key": key})
		return larkim.MsgTypeImage, string(content), err
	}

	key, err := c.uploadFile(ctx, n.Path)
	if err != nil {
		return "", "", err
	}
	content, err := json.Marshal(map[string]string{"file_key": key})
	return larkim.MsgTypeFile, string(content), err
}

func (c *FeishuChannel) textCard(text string) (string, error) {
	card := map[string]any{
		"config": map[string]any{
			"wide_screen_mode": true,
		},
		"header": map[string]any{
			"title": map[string]any{
				"tag":     "plain_text",
				"content": "mediagen",
			},
			"template": "blue",
		},
		"elements": []any{
			map[string]any{
				"tag": "div",
				"text": map[string]any{
					"tag":     "lark_md",
					"content": text,
				},
			},
		},
	}
	data, err := json.Marshal(card)
	return string(data), err
}

func (c *FeishuChannel) create(ctx context.Context, to, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(to)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(to).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu error: %d %s", resp.Code, resp.Msg)
	}
	return nil
}

func (c *FeishuChannel) uploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(f).
			Build()).
		Build()
	resp, err := c.client.Im.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if !resp.Success() || resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("upload image: %d %s", resp.Code, resp.Msg)
	}
	return *resp.Data.ImageKey, nil
}

func (c *FeishuChannel) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(larkim.FileTypeStream).
			FileName(filepath.Base(path)).
			File(f).
			Build()).
		Build()
	resp, err := c.client.Im.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if !resp.Success() || resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("upload file: %d %s", resp.Code, resp.Msg)
	}
	return *resp.Data.FileKey, nil
}
