// Package kafka publishes subscription change events to Kafka.
//
// Wire it into a manager through subsync.Config.OnChange:
//
//	pub, _ := kafka.NewPublisher(kafka.Config{Brokers: brokers})
//	manager, _ := subsync.NewManager(subsync.Config{..., OnChange: pub.OnChange})
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultTopic receives every change event unless Config.Topic is set.
const DefaultTopic = "subscription_changes"

// Event kinds carried in the "event" message header.
const (
	KindCreated  = "subscription.created"
	KindUpdated  = "subscription.updated"
	KindCanceled = "subscription.canceled"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Publisher.
type Config struct {
	// Brokers is required unless Writer is set.
	Brokers []string
	// Topic defaults to DefaultTopic.
	Topic string
	// WriteTimeout bounds a single publish (default: 10s).
	WriteTimeout time.Duration
	// Writer replaces the kafka-go writer, e.g. in tests.
	Writer Writer
	Logger subsync.Logger
}

// Publisher writes one message per change event, keyed by external
// subscription id so events of one subscription stay on one partition.
type Publisher struct {
	writer  Writer
	topic   string
	timeout time.Duration
	logger  subsync.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &subsync.NoopLogger{}
	}
	w := cfg.Writer
	if w == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("kafka brokers are not configured")
		}
		w = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
		}
	}
	return &Publisher{writer: w, topic: cfg.Topic, timeout: cfg.WriteTimeout, logger: cfg.Logger}, nil
}

// Kind classifies a change event.
func Kind(ev subsync.ChangeEvent) string {
	switch {
	case ev.Subscription != nil && ev.Subscription.Status == subsync.StatusCanceled && ev.PreviousStatus != subsync.StatusCanceled:
		return KindCanceled
	case ev.PreviousStatus == "":
		return KindCreated
	default:
		return KindUpdated
	}
}

// Publish writes ev. It is a subsync.ChangeCallback; errors are logged by
// the manager and never fail the state change.
func (p *Publisher) Publish(ctx context.Context, ev subsync.ChangeEvent) error {
	if ev.Subscription == nil {
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal change event: %w", err)
	}
	kind := Kind(ev)
	msg := kafka.Message{
		Key:   []byte(ev.Subscription.ExternalSubscriptionID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(kind)},
			{Key: "trigger", Value: []byte(ev.Trigger)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}
	p.logger.Debug("published subscription change",
		subsync.F("topic", p.topic),
		subsync.F("event", kind),
		subsync.F("subscription_id", ev.Subscription.ExternalSubscriptionID),
	)
	return nil
}

// OnChange adapts Publish to subsync.ChangeCallback.
func (p *Publisher) OnChange(ctx context.Context, ev subsync.ChangeEvent) error {
	return p.Publish(ctx, ev)
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
