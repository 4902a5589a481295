// Package cache provides the write-through metadata cache for one beamline
// namespace.
//
// The cache mirrors committed remote state: a key is present locally only
// if it was read from the remote store since the last invalidation, or
// written locally and acknowledged by the store. A remote write that fails
// leaves the local view untouched, so metadata never looks "set" when the
// remote update silently failed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
)

// DefaultCallTimeout bounds each remote store round-trip.
const DefaultCallTimeout = 10 * time.Second

// Cache is a write-through in-memory mirror of one beamline namespace in
// the remote store. It is safe for concurrent use.
type Cache struct {
	namespace   string
	channel     string
	schema      *domain.Schema
	store       ports.StoreClient
	notifier    ports.UpdateNotifier
	logger      ports.Logger
	writerID    string
	callTimeout time.Duration

	mu    sync.Mutex
	local map[string]string
}

// Option configures a Cache.
type Option func(*Cache)

// WithNotifier enables update notifications on the namespace channel after
// each acknowledged write.
func WithNotifier(n ports.UpdateNotifier) Option {
	return func(c *Cache) { c.notifier = n }
}

// WithCallTimeout overrides the per-call remote timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Cache) { c.callTimeout = d }
}

// New creates a cache for namespace backed by store. The namespace is the
// key prefix partitioning this beamline's metadata from others sharing the
// store.
func New(namespace string, schema *domain.Schema, store ports.StoreClient, logger ports.Logger, opts ...Option) *Cache {
	c := &Cache{
		namespace:   namespace,
		channel:     namespace + ":metadata-updates",
		schema:      schema,
		store:       store,
		logger:      logger,
		writerID:    uuid.NewString(),
		callTimeout: DefaultCallTimeout,
		local:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the beamline namespace this cache serves.
func (c *Cache) Namespace() string { return c.namespace }

// WriterID returns the uuid identifying this cache in update notifications.
func (c *Cache) WriterID() string { return c.writerID }

// Channel returns the update notification channel for this namespace.
func (c *Cache) Channel() string { return c.channel }

func (c *Cache) key(field string) string {
	return c.namespace + ":" + field
}

// Get returns the cached value for field, fetching from the remote store on
// a local miss. It fails with domain.ErrNotFound when the field is absent
// both locally and remotely.
func (c *Cache) Get(ctx context.Context, field string) (string, error) {
	if !c.schema.Knows(field) {
		return "", &domain.ValidationError{Field: field, Reason: "field is not in the namespace schema"}
	}

	c.mu.Lock()
	if v, ok := c.local[field]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// Remote fetch happens outside the lock; only the committed result is
	// installed under it.
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	v, ok, err := c.store.Get(cctx, c.key(field))
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", field, err)
	}
	if !ok {
		return "", fmt.Errorf("%q: %w", field, domain.ErrNotFound)
	}

	c.mu.Lock()
	c.local[field] = v
	c.mu.Unlock()
	return v, nil
}

// Set writes field through to the remote store and updates the local view
// only on acknowledged success. On remote failure the local cache is left
// untouched and a *domain.RemoteWriteError is returned.
func (c *Cache) Set(ctx context.Context, field, value string) error {
	if err := c.schema.CheckValue(field, value); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.Set(cctx, c.key(field), value); err != nil {
		return &domain.RemoteWriteError{Key: c.key(field), Err: err}
	}

	c.mu.Lock()
	c.local[field] = value
	c.mu.Unlock()

	c.notify(ctx, field)
	return nil
}

// Delete removes a beamline-specific field. Facility-wide fields are
// protected and cannot be deleted.
func (c *Cache) Delete(ctx context.Context, field string) error {
	if !c.schema.Knows(field) {
		return &domain.ValidationError{Field: field, Reason: "field is not in the namespace schema"}
	}
	if c.schema.Protected(field) {
		return fmt.Errorf("%q: %w", field, domain.ErrProtectedField)
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.Delete(cctx, c.key(field)); err != nil {
		return &domain.RemoteWriteError{Key: c.key(field), Err: err}
	}

	c.mu.Lock()
	delete(c.local, field)
	c.mu.Unlock()

	c.notify(ctx, field)
	return nil
}

// Restore is the compensating-write path used when a multi-field update
// must be unwound. It writes the prior value back, or removes the field if
// it did not exist before, bypassing the protection that normally prevents
// facility-wide field deletion.
func (c *Cache) Restore(ctx context.Context, field, value string, existed bool) error {
	if !c.schema.Knows(field) {
		return &domain.ValidationError{Field: field, Reason: "field is not in the namespace schema"}
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if existed {
		if err := c.store.Set(cctx, c.key(field), value); err != nil {
			return &domain.RemoteWriteError{Key: c.key(field), Err: err}
		}
	} else {
		if err := c.store.Delete(cctx, c.key(field)); err != nil {
			return &domain.RemoteWriteError{Key: c.key(field), Err: err}
		}
	}

	c.mu.Lock()
	if existed {
		c.local[field] = value
	} else {
		delete(c.local, field)
	}
	c.mu.Unlock()

	c.notify(ctx, field)
	return nil
}

// Invalidate drops the local entry for field, forcing the next Get to
// re-fetch from the remote store.
func (c *Cache) Invalidate(field string) {
	c.mu.Lock()
	delete(c.local, field)
	c.mu.Unlock()
}

// InvalidateAll drops every local entry. Use after another process may
// have mutated shared remote state.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.local = make(map[string]string)
	c.mu.Unlock()
}

// Snapshot returns an immutable copy of the full local view, taken under a
// single critical section so no partial update is visible.
func (c *Cache) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]string, len(c.local))
	for k, v := range c.local {
		snap[k] = v
	}
	return snap
}

// HandleUpdate processes one update notification from the namespace
// channel. Messages published by this cache are ignored; anything else
// invalidates the named field so the next Get re-fetches it.
func (c *Cache) HandleUpdate(message string) error {
	field, writer, err := parseUpdateMessage(message)
	if err != nil {
		return err
	}
	if writer == c.writerID {
		return nil
	}
	if !c.schema.Knows(field) {
		// A field outside our schema belongs to another endstation
		// sharing the channel.
		return nil
	}
	c.logger.Debug("invalidating field updated by another writer",
		ports.String("field", field),
		ports.String("writer", writer),
	)
	c.Invalidate(field)
	return nil
}

// parseUpdateMessage splits "<field>:<writer-uuid>" on the last colon, so
// field names containing colons survive.
func parseUpdateMessage(message string) (field, writer string, err error) {
	i := strings.LastIndex(message, ":")
	if i <= 0 || i == len(message)-1 {
		return "", "", fmt.Errorf("malformed update message %q", message)
	}
	return message[:i], message[i+1:], nil
}

// notify publishes an update notification for field. Notification failures
// do not fail the write: the remote store already holds the new value, so
// the worst case is a peer serving one stale read until it invalidates.
func (c *Cache) notify(ctx context.Context, field string) {
	if c.notifier == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	msg := field + ":" + c.writerID
	if err := c.notifier.NotifyUpdate(cctx, c.channel, msg); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("update notification failed",
			ports.String("field", field),
			ports.Err(err),
		)
	}
}
