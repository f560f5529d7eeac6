package channels

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/config"
)

// TelegramChannel implements the Telegram channel.
type TelegramChannel struct {
	BaseChannel
	Config *config.TelegramConfig

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new TelegramChannel.
func NewTelegramChannel(cfg *config.TelegramConfig, messageBus *bus.MessageBus, logger zerolog.Logger) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: BaseChannel{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
			Log:       logger.With().Str("component", "channels").Str("channel", "telegram").Logger(),
		},
		Config: cfg,
	}
}

func (c *TelegramChannel) Name() string {
	return "telegram"
}

func (c *TelegramChannel) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return nil
	}
	if c.Config.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(c.Config.Token)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	c.bot = bot
	c.Log.Info().Str("account", bot.Self.UserName).Msg("Telegram bot authorized")
	return nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	if !c.Config.Listen {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleUpdate(update)
			}
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

// Send delivers text, or a local or remote file as a photo, audio, or document.
func (c *TelegramChannel) Send(ctx context.Context, n Notification) (bool, error) {
	if err := c.connect(); err != nil {
		return false, err
	}
	chatID, err := strconv.ParseInt(n.To, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid chat ID: %s", n.To)
	}
	n = n.Resolve()

	msg, err := telegramMessage(chatID, n)
	if err != nil {
		return false, err
	}
	if _, err := c.bot.Send(msg); err != nil {
		return false, err
	}
	c.Log.Info().Str("to", n.To).Str("kind", string(n.Kind)).Msg("Telegram message sent")
	return true, nil
}

func telegramMessage(chatID int64, n Notification) (tgbotapi.Chattable, error) {
	if n.Kind == KindText {
		if n.Text == "" {
			return nil, fmt.Errorf("empty text notification")
		}
		return tgbotapi.NewMessage(chatID, n.Text), nil
	}

	var file tgbotapi.RequestFileData
	switch {
	case n.Path != "":
		file = tgbotapi.FilePath(n.Path)
	case n.URL != "":
		file = tgbotapi.FileURL(n.URL)
	default:
		return nil, fmt.Errorf("%s notification needs a path or url", n.Kind)
	}

	switch n.Kind {
	case KindImage:
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = n.Text
		return photo, nil
	case KindAudio:
		audio := tgbotapi.NewAudio(chatID, file)
		audio.Caption = n.Text
		return audio, nil
	default:
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = n.Text
		return doc, nil
	}
}

func (c *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, msg.From.UserName)
	}

	content := msg.Text
	if msg.Caption != "" {
		content = msg.Caption
	}

	metadata := map[string]any{
		"message_id": msg.MessageID,
		"username":   msg.From.UserName,
		"first_name": msg.From.FirstName,
	}
	c.HandleMessage(c.Name(), senderID, strconv.FormatInt(msg.Chat.ID, 10), content, metadata)
}
