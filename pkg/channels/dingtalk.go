package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dingtalkoauth2 "github.com/alibabacloud-go/dingtalk/oauth2_1_0"
	dingtalkrobot "github.com/alibabacloud-go/dingtalk/robot_1_0"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/config"
	"github.com/HKUDS/mediagen-go/pkg/mediaproviders"
)

// DefaultDingTalkUploadURL is the legacy media upload endpoint; robot messages reference the
// returned media_id.
const DefaultDingTalkUploadURL = "https://oapi.dingtalk.com/media/upload"

// maxDingTalkUpload is the platform's file size limit.
const maxDingTalkUpload = 20 << 20

// DingTalkChannel sends through an app robot and, when listening, receives commands over the stream API.
type DingTalkChannel struct {
	BaseChannel
	Config       *config.DingTalkConfig
	HTTP         *http.Client
	streamClient *client.StreamClient
	connMu       sync.Mutex
	robotClient  *dingtalkrobot.Client
	oauthClient  *dingtalkoauth2.Client
	tokens       *mediaproviders.TokenCache
}

func NewDingTalkChannel(cfg *config.DingTalkConfig, messageBus *bus.MessageBus, logger zerolog.Logger) *DingTalkChannel {
	c := &DingTalkChannel{
		BaseChannel: BaseChannel{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
			Log:       logger.With().Str("component", "channels").Str("channel", "dingtalk").Logger(),
		},
		Config: cfg,
		HTTP:   &http.Client{Timeout: 60 * time.Second},
	}
	c.tokens = mediaproviders.NewTokenCache(c.fetchAccessToken, mediaproviders.DefaultTokenMargin)
	return c
}

func (c *DingTalkChannel) Name() string {
	return "dingtalk"
}

func (c *DingTalkChannel) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.robotClient != nil {
		return nil
	}
	if c.Config.ClientID == "" || c.Config.AppSecret == "" {
		return fmt.Errorf("dingtalk clientId and appSecret are required")
	}

	apiConfig := &openapi.Config{
		Protocol: tea.String("https"),
		RegionId: tea.String("central"),
	}

	robotClient, err := dingtalkrobot.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to init dingtalk robot client: %w", err)
	}
	oauthClient, err := dingtalkoauth2.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to init dingtalk oauth client: %w", err)
	}
	c.robotClient = robotClient
	c.oauthClient = oauthClient
	return nil
}

// Start connects the API clients and, if configured, the stream listener.
func (c *DingTalkChannel) Start(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	if !c.Config.Listen {
		return nil
	}

	c.streamClient = client.NewStreamClient(client.WithAppCredential(client.NewAppCredentialConfig(c.Config.ClientID, c.Config.AppSecret)))
	c.streamClient.RegisterChatBotCallbackRouter(c.onChatReceive)

	go func() {
		c.Log.Info().Msg("Starting DingTalk stream client")
		if err := c.streamClient.Start(ctx); err != nil {
			c.Log.Error().Err(err).Msg("DingTalk stream client error")
		}
	}()
	return nil
}

func (c *DingTalkChannel) Stop() error {
	if c.streamClient != nil {
		c.streamClient.Close()
	}
	return nil
}

func (c *DingTalkChannel) fetchAccessToken(ctx context.Context) (string, time.Duration, error) {
	if err := c.connect(); err != nil {
		return "", 0, err
	}
	resp, err := c.oauthClient.GetAccessToken(&dingtalkoauth2.GetAccessTokenRequest{
		AppKey:    tea.String(c.Config.ClientID),
		AppSecret: tea.String(c.Config.AppSecret),
	})
	if err != nil {
		return "", 0, err
	}
	if resp.Body == nil || resp.Body.AccessToken == nil {
		return "", 0, fmt.Errorf("failed to get access token, response body is empty")
	}
	ttl := 2 * time.Hour
	if resp.Body.ExpireIn != nil {
		ttl = time.Duration(*resp.Body.ExpireIn) * time.Second
	}
	return *resp.Body.AccessToken, ttl, nil
}

func (c *DingTalkChannel) onChatReceive(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	content := strings.TrimSpace(data.Text.Content)
	if content == "" {
		return nil, nil
	}

	senderStaffID := data.SenderStaffId
	if senderStaffID == "" {
		senderStaffID = data.SenderId
	}
	if senderStaffID == "" {
		c.Log.Warn().Msg("Message missing senderStaffId/senderId")
		return nil, nil
	}

	// conversationType "2" is a group chat; replies go to the conversation there.
	targetID := senderStaffID
	if data.ConversationType == "2" && data.ConversationId != "" {
		targetID = data.ConversationId
	}

	c.HandleMessage(c.Name(), senderStaffID, targetID, content, map[string]any{
		"sender_name": data.SenderNick,
	})
	return nil, nil
}

// Send delivers a notification. Targets starting with "cid" are group conversations; anything else
// is treated as a staff ID.
func (c *DingTalkChannel) Send(ctx context.Context, n Notification) (bool, error) {
	if c.Config.RobotCode == "" {
		return false, fmt.Errorf("dingtalk robotCode is required")
	}
	if n.To == "" {
		return false, fmt.Errorf("dingtalk target is required")
	}
	n = n.Resolve()

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get access token: %w", err)
	}

	msgKey, param, err := c.message(ctx, token, n)
	if err != nil {
		return false, err
	}
	paramBytes, err := json.Marshal(param)
	if err != nil {
		return false, err
	}

	if strings.HasPrefix(n.To, "cid") {
		err = c.sendGroup(token, n.To, msgKey, string(paramBytes))
	} else {
		err = c.sendOTO(token, n.To, msgKey, string(paramBytes))
	}
	if err != nil {
		return false, fmt.Errorf("failed to send dingtalk %s: %w", msgKey, err)
	}

	// Media messages carry no caption, so the text follows separately.
	if msgKey != "sampleText" && n.Text != "" {
		text, _ := json.Marshal(map[string]string{"content": n.Text})
		if strings.HasPrefix(n.To, "cid") {
			err = c.sendGroup(token, n.To, "sampleText", string(text))
		} else {
			err = c.sendOTO(token, n.To, "sampleText", string(text))
		}
		if err != nil {
			c.Log.Warn().Err(err).Msg("Caption send failed")
		}
	}

	c.Log.Info().Str("to", n.To).Str("msgKey", msgKey).Msg("DingTalk message sent")
	return true, nil
}

// message picks the robot message template for a notification.
func (c *DingTalkChannel) message(ctx context.Context, token string, n Notification) (string, map[string]string, error) {
	switch n.Kind {
	case KindText:
		return "sampleText", map[string]string{"content": n.Text}, nil
	case KindImage:
		if n.URL != "" {
			return "sampleImageMsg", map[string]string{"photoURL": n.URL}, nil
		}
		mediaID, err := c.uploadMedia(ctx, token, n.Path, "image")
		if err != nil {
			return "", nil, err
		}
		return "sampleImageMsg", map[string]string{"photoURL": mediaID}, nil
	}

	if n.Path == "" {
		if n.URL == "" {
			return "", nil, fmt.Errorf("%s notification needs a path or url", n.Kind)
		}
		return "sampleLink", map[string]string{
			"title":      firstNonEmpty(n.Text, string(n.Kind)),
			"text":       n.URL,
			"messageUrl": n.URL,
		}, nil
	}
	mediaID, err := c.uploadMedia(ctx, token, n.Path, "file")
	if err != nil {
		return "", nil, err
	}
	name := filepath.Base(n.Path)
	return "sampleFile", map[string]string{
		"mediaId":  mediaID,
		"fileName": name,
		"fileType": strings.TrimPrefix(filepath.Ext(name), "."),
	}, nil
}

// uploadMedia sends a local file to the media endpoint and returns its media_id.
func (c *DingTalkChannel) uploadMedia(ctx context.Context, token, path, mediaType string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no local file to upload")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxDingTalkUpload {
		return "", fmt.Errorf("file %s is %d bytes, over the 20MB limit", filepath.Base(path), info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	endpoint := c.Config.UploadURL
	if endpoint == "" {
		endpoint = DefaultDingTalkUploadURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", token)
	q.Set("type", mediaType)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("upload media: status %d: %s", resp.StatusCode, string(body))
	}
	if result.ErrCode != 0 || result.MediaID == "" {
		return "", fmt.Errorf("upload media: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return result.MediaID, nil
}

func (c *DingTalkChannel) sendOTO(token, userID, msgKey, msgParam string) error {
	headers := &dingtalkrobot.BatchSendOTOHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}
	req := &dingtalkrobot.BatchSendOTORequest{
		RobotCode: tea.String(c.Config.RobotCode),
		UserIds:   []*string{tea.String(userID)},
		MsgKey:    tea.String(msgKey),
		MsgParam:  tea.String(msgParam),
	}
	_, err := c.robotClient.BatchSendOTOWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}

func (c *DingTalkChannel) sendGroup(token, conversationID, msgKey, msgParam string) error {
	headers := &dingtalkrobot.OrgGroupSendHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}
	req := &dingtalkrobot.OrgGroupSendRequest{
		RobotCode:          tea.String(c.Config.RobotCode),
		OpenConversationId: tea.String(conversationID),
		MsgKey:             tea.String(msgKey),
		MsgParam:           tea.String(msgParam),
	}
	_, err := c.robotClient.OrgGroupSendWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}
