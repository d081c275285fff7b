package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/entsync/internal/mutate"
)

// DefaultTopic is the topic changes are published on.
const DefaultTopic = "entsync.changes"

// originKey is the message metadata key naming the publishing peer.
const originKey = "origin"

type transportConfig struct {
	origin string
	logger *slog.Logger
}

// TransportOption configures a transport.
type TransportOption func(*transportConfig)

// WithOrigin names this peer. Sources skip messages carrying their own
// origin so a peer does not re-apply its own commits.
func WithOrigin(origin string) TransportOption {
	return func(c *transportConfig) {
		c.origin = origin
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func newTransportConfig(opts []TransportOption) transportConfig {
	c := transportConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WatermillSource feeds changes from a watermill subscriber into a merger.
type WatermillSource struct {
	sub   message.Subscriber
	topic string
	transportConfig
}

// NewWatermillSource subscribes to topic on sub.
func NewWatermillSource(sub message.Subscriber, topic string, opts ...TransportOption) *WatermillSource {
	return &WatermillSource{sub: sub, topic: topic, transportConfig: newTransportConfig(opts)}
}

// Run pushes every received change into m until ctx ends, the subscription
// closes, or m stops. Malformed payloads are acked and dropped so they are
// not redelivered forever.
func (s *WatermillSource) Run(ctx context.Context, m *Merger) error {
	msgs, err := s.sub.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.logger.Info("realtime source subscribed", "event", "source_subscribed", "topic", s.topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if !s.handle(msg, m) {
				return nil
			}
		}
	}
}

func (s *WatermillSource) handle(msg *message.Message, m *Merger) bool {
	if s.origin != "" && msg.Metadata.Get(originKey) == s.origin {
		msg.Ack()
		return true
	}
	c, err := UnmarshalChange(msg.Payload)
	if err != nil {
		s.logger.Warn("dropping malformed change",
			"event", "change_malformed",
			"topic", s.topic,
			"message_uuid", msg.UUID,
			"error", err,
		)
		msg.Ack()
		return true
	}
	if !m.Push(c) {
		msg.Nack()
		return false
	}
	msg.Ack()
	return true
}

// Publisher broadcasts committed local mutations to peers.
type Publisher struct {
	pub   message.Publisher
	topic string
	transportConfig
}

// NewPublisher publishes on topic through pub.
func NewPublisher(pub message.Publisher, topic string, opts ...TransportOption) *Publisher {
	return &Publisher{pub: pub, topic: topic, transportConfig: newTransportConfig(opts)}
}

// Publish sends one change.
func (p *Publisher) Publish(c Change) error {
	payload, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if p.origin != "" {
		msg.Metadata.Set(originKey, p.origin)
	}
	msg.Metadata.Set("resource", c.Resource)
	msg.Metadata.Set("kind", string(c.Kind))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

// OnCommit is a mutate commit hook. Publish failures are logged; the local
// commit has already happened.
func (p *Publisher) OnCommit(c mutate.Commit) {
	change := FromCommit(c)
	if err := p.Publish(change); err != nil {
		p.logger.Warn("broadcast failed",
			"event", "broadcast_failed",
			"resource", change.Resource,
			"id", change.ID,
			"error", err,
		)
	}
}

// NewRedisStream builds a Redis Streams publisher and a subscriber in
// consumer group group. Every peer should use its own group so that each
// receives every change.
func NewRedisStream(client redis.UniversalClient, group, consumer string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wlog := watermill.NewSlogLogger(logger)
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, wlog)
	if err != nil {
		return nil, nil, fmt.Errorf("redis publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, wlog)
	if err != nil {
		pub.Close()
		return nil, nil, fmt.Errorf("redis subscriber: %w", err)
	}
	return pub, sub, nil
}

// EnsureGroupAtTail creates group on stream at the tail so a new peer does
// not replay history. An existing group is left alone.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}
