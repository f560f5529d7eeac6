package channels

import (
	"context"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/bus"
)

// Kind is the shape of a notification.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Notification is one message for a chat target. Path is a local artifact; URL a public link to it.
type Notification struct {
	Kind Kind
	Text string
	Path string
	URL  string
	To   string
}

// Resolve fills in Kind from the artifact when the caller left it empty.
func (n Notification) Resolve() Notification {
	if n.Kind != "" {
		return n
	}
	n.Kind = KindText
	if n.Path == "" {
		return n
	}
	n.Kind = KindFile
	mt, err := mimetype.DetectFile(n.Path)
	if err != nil {
		return n
	}
	switch {
	case strings.HasPrefix(mt.String(), "image/"):
		n.Kind = KindImage
	case strings.HasPrefix(mt.String(), "audio/"):
		n.Kind = KindAudio
	}
	return n
}

// FromOutbound converts a bus message into a notification.
func FromOutbound(msg bus.OutboundMessage) Notification {
	n := Notification{Kind: Kind(msg.Kind), Text: msg.Content, URL: msg.URL, To: msg.ChatID}
	if len(msg.Media) > 0 {
		n.Path = msg.Media[0]
	}
	return n.Resolve()
}

// Sender delivers notifications. The bool reports whether the platform accepted the message.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) (bool, error)
}

// Channel is a sender that can also listen for inbound commands.
type Channel interface {
	Sender
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel provides common functionality for listening channels.
type BaseChannel struct {
	Bus       *bus.MessageBus
	AllowFrom []string
	Log       zerolog.Logger
}

// IsAllowed checks if a sender is allowed to use this bot.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.AllowFrom) == 0 {
		return true
	}

	for _, allowed := range c.AllowFrom {
		if allowed == senderID {
			return true
		}
		// Composite IDs like "id|username".
		if strings.Contains(senderID, "|") {
			for _, part := range strings.Split(senderID, "|") {
				if part == allowed {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage parses a chat message and publishes the resulting command. Help requests and
// unrecognized commands are answered directly with the usage text.
func (c *BaseChannel) HandleMessage(channelName, senderID, chatID, content string, metadata map[string]any) {
	if !c.IsAllowed(senderID) {
		c.Log.Warn().Str("sender", senderID).Msg("Message from unauthorized user")
		return
	}

	cmd, ok := ParseCommand(content)
	if !ok || cmd.Help {
		c.Bus.PublishOutbound(bus.OutboundMessage{
			Channel: channelName,
			ChatID:  chatID,
			Content: HelpText,
			Kind:    string(KindText),
		})
		return
	}

	c.Log.Info().Str("sender", senderID).Str("chat", chatID).Str("operation", cmd.Operation).Msg("Command received")
	c.Bus.PublishInbound(bus.InboundMessage{
		Channel:   channelName,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   cmd.Input,
		Timestamp: time.Now(),
		Operation: cmd.Operation,
		Provider:  cmd.Provider,
		Options:   cmd.Options,
		Metadata:  metadata,
	})
}
