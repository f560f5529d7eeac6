package channels

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/config"
)

// sendTimeout bounds one outbound delivery from the bus.
const sendTimeout = 2 * time.Minute

// Manager holds the configured senders by name.
type Manager struct {
	senders map[string]Sender
	log     zerolog.Logger
}

// NewManager builds the senders enabled in the configuration. messageBus may be nil when no
// channel will listen.
func NewManager(cfg *config.ChannelsConfig, messageBus *bus.MessageBus, logger zerolog.Logger) *Manager {
	m := &Manager{
		senders: make(map[string]Sender),
		log:     logger.With().Str("component", "channels").Logger(),
	}
	if cfg.DingTalk.Enabled {
		m.Register(NewDingTalkChannel(&cfg.DingTalk, messageBus, logger))
	}
	if cfg.Webhook.Enabled {
		m.Register(NewWebhookSender(&cfg.Webhook, logger))
	}
	if cfg.Telegram.Enabled {
		m.Register(NewTelegramChannel(&cfg.Telegram, messageBus, logger))
	}
	if cfg.Feishu.Enabled {
		m.Register(NewFeishuChannel(&cfg.Feishu, logger))
	}
	return m
}

// Register adds or replaces a sender.
func (m *Manager) Register(s Sender) {
	m.senders[s.Name()] = s
}

// Get returns the named sender.
func (m *Manager) Get(name string) (Sender, error) {
	s, ok := m.senders[name]
	if !ok {
		return nil, fmt.Errorf("channel %q is not enabled (enabled: %v)", name, m.Names())
	}
	return s, nil
}

// Names lists the enabled senders, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.senders))
	for name := range m.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers through the named sender.
func (m *Manager) Send(ctx context.Context, channel string, n Notification) (bool, error) {
	s, err := m.Get(channel)
	if err != nil {
		return false, err
	}
	return s.Send(ctx, n)
}

// Start starts every listening channel. A channel that fails to start is logged and skipped.
func (m *Manager) Start(ctx context.Context) {
	for _, name := range m.Names() {
		ch, ok := m.senders[name].(Channel)
		if !ok {
			continue
		}
		if err := ch.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("Channel failed to start")
		}
	}
}

// Stop stops every listening channel.
func (m *Manager) Stop() {
	for _, s := range m.senders {
		if ch, ok := s.(Channel); ok {
			_ = ch.Stop()
		}
	}
}

// Attach subscribes every sender to its outbound messages on the bus.
func (m *Manager) Attach(b *bus.MessageBus) {
	for name, s := range m.senders {
		sender := s
		channel := name
		b.SubscribeOutbound(channel, func(msg bus.OutboundMessage) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if ok, err := sender.Send(ctx, FromOutbound(msg)); err != nil || !ok {
				m.log.Error().Err(err).Str("channel", channel).Str("to", msg.ChatID).Msg("Delivery failed")
			}
		})
	}
}
