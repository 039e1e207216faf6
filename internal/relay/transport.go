package relay

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings selects the Redis Streams transport.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	Topic    string `yaml:"topic"`
}

// Default Redis consumer identity and stream.
const (
	DefaultGroup    = "gpt-tap"
	DefaultConsumer = "content"
)

func (s RedisSettings) withDefaults() RedisSettings {
	if s.Group == "" {
		s.Group = DefaultGroup
	}
	if s.Consumer == "" {
		s.Consumer = DefaultConsumer
	}
	if s.Topic == "" {
		s.Topic = PageTopic
	}
	return s
}

// Transport is the pub/sub pair the page channel runs on.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Kind       string
	// Topic is the stream the Bridge must use.
	Topic string

	closers []func() error
}

// NewTransport builds a Redis Streams transport when enabled and an
// in-process channel otherwise.
func NewTransport(ctx context.Context, s RedisSettings, logger watermill.LoggerAdapter) (*Transport, error) {
	s = s.withDefaults()
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Transport{
			Publisher:  ch,
			Subscriber: ch,
			Kind:       "memory",
			Topic:      s.Topic,
			closers:    []func() error{ch.Close},
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", s.Addr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	if err := ensureGroupAtTail(ctx, client, s.Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	log.Info().Str("component", "relay").Str("addr", s.Addr).Str("group", s.Group).Str("topic", s.Topic).Msg("page channel on redis streams")
	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		Kind:       "redis",
		Topic:      s.Topic,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Close releases the transport.
func (t *Transport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

// ensureGroupAtTail creates the consumer group at $ so a fresh daemon does
// not replay old captures.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s", group)
	}
	return nil
}
