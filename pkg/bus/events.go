package bus

import (
	"time"
)

// InboundMessage is a generation command received from a chat channel or the scheduler.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	Provider  string            `json:"provider,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// OutboundMessage is a notification for a chat channel. Media holds local artifact paths; URL is
// a public link to the same artifact when one exists.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Kind     string         `json:"kind,omitempty"`
	Media    []string       `json:"media,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
