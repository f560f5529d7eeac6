package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// MessageBus decouples chat channels and the scheduler from the generation runner.
type MessageBus struct {
	inbound             chan InboundMessage
	outbound            chan OutboundMessage
	outboundSubscribers map[string][]func(OutboundMessage)
	subscribersMu       sync.RWMutex
	stopChan            chan struct{}
	stopOnce            sync.Once
	log                 zerolog.Logger
}

// NewMessageBus creates a new MessageBus.
func NewMessageBus(logger zerolog.Logger) *MessageBus {
	return &MessageBus{
		inbound:             make(chan InboundMessage, 100),
		outbound:            make(chan OutboundMessage, 100),
		outboundSubscribers: make(map[string][]func(OutboundMessage)),
		stopChan:            make(chan struct{}),
		log:                 logger.With().Str("component", "bus").Logger(),
	}
}

// PublishInbound publishes a command to the runner.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.stopChan:
	}
}

// ConsumeInbound returns a channel to consume inbound messages.
func (b *MessageBus) ConsumeInbound() <-chan InboundMessage {
	return b.inbound
}

// PublishOutbound publishes a notification for a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-b.stopChan:
	}
}

// SubscribeOutbound subscribes to outbound messages for a specific channel.
func (b *MessageBus) SubscribeOutbound(channel string, callback func(OutboundMessage)) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	b.outboundSubscribers[channel] = append(b.outboundSubscribers[channel], callback)
}

// DispatchOutbound delivers outbound messages to subscribers until Stop is called.
// This should be run in a goroutine.
func (b *MessageBus) DispatchOutbound() {
	for {
		select {
		case msg := <-b.outbound:
			b.subscribersMu.RLock()
			subscribers, ok := b.outboundSubscribers[msg.Channel]
			b.subscribersMu.RUnlock()

			if !ok {
				b.log.Warn().Str("channel", msg.Channel).Msg("No subscriber for outbound message")
				continue
			}
			for _, cb := range subscribers {
				go func(callback func(OutboundMessage), message OutboundMessage) {
					defer func() {
						if r := recover(); r != nil {
							b.log.Error().Interface("panic", r).Str("channel", message.Channel).Msg("Outbound subscriber panicked")
						}
					}()
					callback(message)
				}(cb, msg)
			}
		case <-b.stopChan:
			return
		}
	}
}

// Stop stops the dispatcher loop. It is safe to call more than once.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
}
