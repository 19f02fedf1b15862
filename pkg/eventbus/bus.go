// Package eventbus mirrors coordinator state changes onto a watermill
// publisher so other processes (dashboards, audit consumers) can follow a
// conversation. Redis Streams is used when enabled, an in-process channel
// otherwise.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{Addr: "localhost:6379", Group: "marketchat", Consumer: "client-1"}
}

// Bus bundles the publisher and subscriber of one backend.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client  redis.UniversalClient
	closers []func() error
}

// Open builds a Redis Streams bus when s.Enabled, an in-memory one otherwise.
func Open(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.With().Str("component", "eventbus").Logger())
	if !s.Enabled {
		return NewMemoryBus(logger), nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	return NewRedisBus(client, s.Group, s.Consumer, logger)
}

func NewMemoryBus(logger watermill.LoggerAdapter) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Bus{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}
}

func NewRedisBus(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (*Bus, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		client:     client,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// EnsureGroupAtTail creates the consumer group of stream at "$" so a new
// consumer does not replay the stream's history. It is a no-op on the
// in-memory bus.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if b.client == nil {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	return nil
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
