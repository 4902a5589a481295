package ports

import "context"

// StoreClient round-trips to the remote key-value service. It is a
// stateless transport: it owns no cached state, and every call is one
// network exchange with a bounded timeout.
//
// Keys are fully qualified as "<beamline-namespace>:<field>" by the caller.
type StoreClient interface {
	// Get fetches the value for key. The second return is false when the
	// key is absent remotely; an error is returned only for transport or
	// server failures.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key to value and returns nil only once the store has
	// acknowledged the write.
	Set(ctx context.Context, key, value string) error

	// Delete removes key from the store. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// UpdateNotifier publishes metadata update notifications so other
// processes sharing the namespace can invalidate their caches. The message
// is "<field>:<writer-uuid>"; subscribers use the uuid to ignore their own
// updates.
type UpdateNotifier interface {
	// NotifyUpdate announces a metadata change on the namespace's update
	// channel.
	NotifyUpdate(ctx context.Context, channel, message string) error
}

// UpdateListener is the receive side of the update channel: it delivers
// messages published by other processes on the namespace so this process
// can invalidate its cache.
type UpdateListener interface {
	// Listen blocks until ctx is canceled, invoking handler once per
	// channel message in arrival order.
	Listen(ctx context.Context, channel string, handler func(message string)) error
}
