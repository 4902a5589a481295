package ports

import "context"

// BusTransport delivers one serialized document to the message bus.
// Implementations handle framing, authentication, and per-attempt timeouts;
// retries belong to the caller's delivery policy, not the transport.
type BusTransport interface {
	// Publish sends payload to topic, keyed by key for partition affinity.
	// A nil return means the bus accepted the message. Transport failures
	// should be returned as (or wrapped in) *domain.TransportError so the
	// delivery loop can classify them as retryable.
	Publish(ctx context.Context, topic, key string, payload []byte) error
}
