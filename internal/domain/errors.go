package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key is absent both locally and remotely.
	ErrNotFound = errors.New("beamsync: key not found")

	// ErrInconsistent is returned while a namespace is in the terminal
	// Inconsistent state and must be externally repaired before another
	// switch can succeed.
	ErrInconsistent = errors.New("beamsync: namespace inconsistent, manual repair required")

	// ErrProtectedField is returned when deleting a facility-wide field.
	ErrProtectedField = errors.New("beamsync: facility-wide field cannot be deleted")

	// ErrQueueFull is returned by Publish when the pending-delivery buffer
	// is at capacity.
	ErrQueueFull = errors.New("beamsync: publish queue full")

	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("beamsync: publisher closed")
)

// ValidationError reports malformed input rejected at a boundary before any
// remote side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("beamsync: invalid %s: %s", e.Field, e.Reason)
}

// RemoteWriteError reports a remote store write that was not acknowledged.
// The local cache is untouched when this is returned; the caller may retry.
type RemoteWriteError struct {
	Key string
	Err error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("beamsync: remote write of %q failed: %v", e.Key, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// TransportError reports an unreachable or failing bus. It is retryable and
// handled internally by the delivery loop's backoff policy.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("beamsync: bus transport to %q failed: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError is fatal for a single document: the document is
// dead-lettered and delivery of subsequent documents continues.
type SerializationError struct {
	RunUID string
	Kind   DocumentKind
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("beamsync: cannot serialize %s document for run %s: %v", e.Kind, e.RunUID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// AuthorizationError reports a denied switch attempt. Denials are terminal
// for the attempt and never retried.
type AuthorizationError struct {
	Actor       string
	DataSession string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("beamsync: user %q is not allowed to take data on proposal %s", e.Actor, e.DataSession)
}

// PartialUpdateError reports a switch whose rollback failed, leaving the
// namespace half-updated. It requires operator intervention and must never
// be silently discarded.
type PartialUpdateError struct {
	Namespace string
	Written   []string
	Unwound   []string
	Cause     error
}

func (e *PartialUpdateError) Error() string {
	return fmt.Sprintf("beamsync: namespace %s left inconsistent: wrote %v, unwound only %v: %v",
		e.Namespace, e.Written, e.Unwound, e.Cause)
}

func (e *PartialUpdateError) Unwrap() error { return e.Cause }
