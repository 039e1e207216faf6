package relay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PageTopic is the topic page messages are posted on.
const PageTopic = "gpt-tap.page"

const (
	metaTab    = "tab"
	metaOrigin = "origin"
)

// DefaultOrigins are the page origins whose messages are accepted.
var DefaultOrigins = []string{"https://chatgpt.com", "https://chat.openai.com"}

// Bridge posts and receives page messages.
type Bridge struct {
	pub     message.Publisher
	sub     message.Subscriber
	topic   string
	origins []string
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTopic overrides the page topic.
func WithTopic(topic string) BridgeOption {
	return func(b *Bridge) { b.topic = topic }
}

// WithOrigins sets the page origins accepted by Listen.
func WithOrigins(origins ...string) BridgeOption {
	return func(b *Bridge) { b.origins = origins }
}

// NewBridge creates a Bridge on the given pub/sub pair.
func NewBridge(pub message.Publisher, sub message.Subscriber, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		pub:     pub,
		sub:     sub,
		topic:   PageTopic,
		origins: DefaultOrigins,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Post publishes msg as if posted by the page in w.
func (b *Bridge) Post(ctx context.Context, w Window, msg PageMessage) error {
	if msg.Type == "" {
		msg.Type = MessageType
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode page message")
	}
	m := message.NewMessage(uuid.NewString(), payload)
	m.Metadata.Set(metaTab, w.TabID)
	m.Metadata.Set(metaOrigin, w.Origin)
	m.SetContext(ctx)
	if err := b.pub.Publish(b.topic, m); err != nil {
		return errors.Wrap(err, "publish page message")
	}
	return nil
}

// Accept reports whether a message from w is one of ours: the type tag
// matches and the sender is a page of an allowed origin.
func (b *Bridge) Accept(w Window, msg PageMessage) bool {
	if msg.Type != MessageType || w.TabID == "" {
		return false
	}
	for _, o := range b.origins {
		if strings.EqualFold(o, w.Origin) {
			return true
		}
	}
	return false
}

// Listen delivers accepted page messages to fn until ctx is done.
func (b *Bridge) Listen(ctx context.Context, fn func(Window, PageMessage)) error {
	ch, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return errors.Wrap(err, "subscribe page topic")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(m, fn)
			m.Ack()
		}
	}
}

func (b *Bridge) deliver(m *message.Message, fn func(Window, PageMessage)) {
	w := Window{TabID: m.Metadata.Get(metaTab), Origin: m.Metadata.Get(metaOrigin)}
	var msg PageMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		log.Debug().Str("component", "relay").Err(err).Msg("dropping undecodable page message")
		return
	}
	if !b.Accept(w, msg) {
		log.Debug().Str("component", "relay").Str("tab", w.TabID).Str("origin", w.Origin).
			Str("type", msg.Type).Msg("dropping foreign page message")
		return
	}
	fn(w, msg)
}
