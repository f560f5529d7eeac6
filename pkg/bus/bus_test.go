package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(zerolog.Nop())
	go b.DispatchOutbound()
	defer b.Stop()

	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("webhook", func(m OutboundMessage) { got <- m })
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { t.Errorf("unexpected delivery: %+v", m) })

	b.PublishOutbound(OutboundMessage{Channel: "webhook", ChatID: "ops", Content: "done", Media: []string{"/tmp/a.png"}})

	select {
	case m := <-got:
		assert.Equal(t, "ops", m.ChatID)
		assert.Equal(t, []string{"/tmp/a.png"}, m.Media)
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message not delivered")
	}
}

func TestDispatchOutbound_SurvivesPanickingSubscriber(t *testing.T) {
	b := NewMessageBus(zerolog.Nop())
	go b.DispatchOutbound()
	defer b.Stop()

	got := make(chan string, 2)
	b.SubscribeOutbound("x", func(m OutboundMessage) {
		if m.Content == "boom" {
			panic("subscriber failure")
		}
		got <- m.Content
	})

	b.PublishOutbound(OutboundMessage{Channel: "x", Content: "boom"})
	b.PublishOutbound(OutboundMessage{Channel: "x", Content: "ok"})

	select {
	case c := <-got:
		assert.Equal(t, "ok", c)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after a panic")
	}
}

func TestInbound_RoundTrip(t *testing.T) {
	b := NewMessageBus(zerolog.Nop())
	b.PublishInbound(InboundMessage{Channel: "dingtalk", ChatID: "cid1", Content: "a cat", Operation: "image"})

	msg := <-b.ConsumeInbound()
	assert.Equal(t, "dingtalk", msg.Channel)
	assert.Equal(t, "cid1", msg.ChatID)
	assert.Equal(t, "image", msg.Operation)
}

func TestStop_Idempotent(t *testing.T) {
	b := NewMessageBus(zerolog.Nop())
	b.Stop()
	require.NotPanics(t, b.Stop)

	// Publishing after stop must not block once the buffer is full.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.PublishOutbound(OutboundMessage{Channel: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after stop")
	}
}
