package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryPublisher is an in-process Publisher used in tests and for running
// the pipeline without a broker. It records every envelope in order.
type MemoryPublisher struct {
	mu       sync.Mutex
	exchange string
	messages []Envelope
	sequence map[Kind]*atomic.Uint64
	closed   bool

	// FailNext makes the next n Publish calls return a transient-looking
	// error, for exercising caller retry paths.
	FailNext int
}

// Ensure MemoryPublisher implements Publisher
var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(exchange string) *MemoryPublisher {
	return &MemoryPublisher{
		exchange: exchange,
		sequence: newSequences(),
	}
}

// Publish records the envelope.
func (m *MemoryPublisher) Publish(ctx context.Context, kind Kind, key string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConfiguration, kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("simulated broker unavailability")
	}

	m.messages = append(m.messages, Envelope{
		RoutingKey:  RoutingKey(m.exchange, kind),
		Kind:        kind,
		Sequence:    m.sequence[kind].Add(1),
		PublishedAt: time.Now().UTC(),
		Payload:     data,
	})
	return nil
}

// Close marks the publisher closed.
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all recorded envelopes.
func (m *MemoryPublisher) Messages() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesOfKind returns recorded envelopes for one kind, in publish order.
func (m *MemoryPublisher) MessagesOfKind(kind Kind) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, env := range m.messages {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Decode unmarshals the payload of env into v.
func Decode(env Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
