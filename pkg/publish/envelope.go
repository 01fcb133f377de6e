package publish

import (
	"encoding/json"
	"time"
)

// Kind identifies the message stream a payload belongs to. Each listener
// module owns exactly one kind, so sequence numbers per kind are sequence
// numbers per module.
type Kind string

const (
	// KindBlock carries BlockRecord payloads
	KindBlock Kind = "block"

	// KindTransaction carries confirmed TransactionRecord payloads
	KindTransaction Kind = "transaction"

	// KindMempool carries MempoolEntry payloads and dropped-transaction records
	KindMempool Kind = "mempool"

	// KindEvent carries ContractEvent payloads
	KindEvent Kind = "event"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBlock, KindTransaction, KindMempool, KindEvent:
		return true
	}
	return false
}

// Envelope wraps every published payload. The schema is additive-only:
// consumers must tolerate unknown fields.
type Envelope struct {
	// RoutingKey directs the message to the right queue: "<exchange>.<kind>".
	RoutingKey string `json:"routing_key"`

	// Kind is the payload discriminator.
	Kind Kind `json:"kind"`

	// Sequence increases monotonically per kind for one publisher instance.
	Sequence uint64 `json:"sequence"`

	// PublishedAt is when the envelope was handed to the broker client.
	PublishedAt time.Time `json:"published_at"`

	// Payload is one of the pkg/types record shapes, JSON-encoded.
	Payload json.RawMessage `json:"payload"`
}

// RoutingKey builds the routing key for a kind under the given exchange.
func RoutingKey(exchange string, kind Kind) string {
	return exchange + "." + string(kind)
}
