package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the durable, routing-key-based publish capability shared by
// all listener modules. Publish is synchronous per item: it returns only once
// the broker has accepted the message, so broker backpressure throttles the
// caller instead of surfacing as an error. Transient broker unavailability is
// retried with backoff until the context is cancelled; non-transient
// rejections return an error wrapping ErrBrokerRejected.
type Publisher interface {
	Publish(ctx context.Context, kind Kind, key string, payload any) error
	Close() error
}

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string

	// Exchange is the topic prefix; each kind publishes to "<exchange>.<kind>"
	Exchange string

	// BatchTimeout is how long the writer waits to fill a batch
	BatchTimeout time.Duration

	// RetryBackoff is the initial wait between publish retries
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential retry wait
	MaxRetryBackoff time.Duration
}

// Validate checks the configuration for required fields.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: no brokers configured", ErrInvalidConfiguration)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: no exchange configured", ErrInvalidConfiguration)
	}
	return nil
}

func (c *KafkaConfig) setDefaults() {
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 5 * time.Millisecond
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 30 * time.Second
	}
}

// messageWriter is the surface of kafka.Writer the publisher needs. Tests
// substitute a failing writer to drive the retry and rejection paths.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes enveloped records to Kafka topics derived from the
// exchange name and message kind.
type KafkaPublisher struct {
	writer   messageWriter
	config   KafkaConfig
	logger   *zap.Logger
	closed   atomic.Bool
	sequence map[Kind]*atomic.Uint64

	stats struct {
		messagesWritten atomic.Uint64
		bytesWritten    atomic.Uint64
		errors          atomic.Uint64
	}
}

// Ensure KafkaPublisher implements Publisher
var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka publisher. The writer is synchronous and
// requires acknowledgment from all in-sync replicas before Publish returns.
func NewKafkaPublisher(cfg KafkaConfig, log *zap.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if log == nil {
		log = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		Async:        false,
	}

	p := &KafkaPublisher{
		writer:   writer,
		config:   cfg,
		logger:   logger.WithComponent(log, "kafka-publisher"),
		sequence: newSequences(),
	}

	p.logger.Info("kafka publisher ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("exchange", cfg.Exchange),
	)

	return p, nil
}

func newSequences() map[Kind]*atomic.Uint64 {
	return map[Kind]*atomic.Uint64{
		KindBlock:       {},
		KindTransaction: {},
		KindMempool:     {},
		KindEvent:       {},
	}
}

// Publish serializes payload into an envelope and writes it to the kind's
// topic. It blocks through transient broker outages, retrying with bounded
// exponential backoff, and returns early only on context cancellation or a
// broker rejection.
func (p *KafkaPublisher) Publish(ctx context.Context, kind Kind, key string, payload any) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConfiguration, kind)
	}

	env, err := p.seal(kind, payload)
	if err != nil {
		p.stats.errors.Add(1)
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		p.stats.errors.Add(1)
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	msg := kafka.Message{
		Topic: env.RoutingKey,
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: "published_at", Value: []byte(env.PublishedAt.Format(time.RFC3339Nano))},
		},
	}

	backoff := p.config.RetryBackoff
	for {
		err = p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.stats.messagesWritten.Add(1)
			p.stats.bytesWritten.Add(uint64(len(data)))
			metrics.MessagePublished(string(kind))
			return nil
		}

		p.stats.errors.Add(1)
		metrics.PublishError(string(kind))

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if rejected(err) {
			return fmt.Errorf("%w: topic %s: %v", ErrBrokerRejected, env.RoutingKey, err)
		}

		p.logger.Warn("broker unavailable, retrying publish",
			zap.String("topic", env.RoutingKey),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > p.config.MaxRetryBackoff {
			backoff = p.config.MaxRetryBackoff
		}
	}
}

// seal stamps the envelope with the next sequence number for the kind.
func (p *KafkaPublisher) seal(kind Kind, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	return &Envelope{
		RoutingKey:  RoutingKey(p.config.Exchange, kind),
		Kind:        kind,
		Sequence:    p.sequence[kind].Add(1),
		PublishedAt: time.Now().UTC(),
		Payload:     data,
	}, nil
}

// rejected reports whether the broker error signals misconfiguration rather
// than transient unavailability.
func rejected(err error) bool {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafka.UnknownTopicOrPartition,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("error closing kafka writer", zap.Error(err))
		return err
	}
	p.logger.Info("kafka publisher closed",
		zap.Uint64("messages_written", p.stats.messagesWritten.Load()),
		zap.Uint64("bytes_written", p.stats.bytesWritten.Load()),
		zap.Uint64("errors", p.stats.errors.Load()),
	)
	return nil
}

// Stats returns cumulative publisher statistics.
func (p *KafkaPublisher) Stats() (written, bytes, errs uint64) {
	return p.stats.messagesWritten.Load(), p.stats.bytesWritten.Load(), p.stats.errors.Load()
}
