package publish

import "errors"

// Common errors for publisher operations
var (
	// ErrInvalidConfiguration indicates invalid publisher configuration
	ErrInvalidConfiguration = errors.New("invalid publisher configuration")

	// ErrClosed indicates the publisher has been closed
	ErrClosed = errors.New("publisher is closed")

	// ErrSerializationFailed indicates payload serialization failure
	ErrSerializationFailed = errors.New("failed to serialize payload")

	// ErrBrokerRejected indicates the broker rejected the message for a
	// non-transient reason (missing topic, authorization failure). This
	// signals misconfiguration rather than load and is never retried.
	ErrBrokerRejected = errors.New("broker rejected message")
)
