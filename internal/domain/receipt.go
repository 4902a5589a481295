package domain

import "time"

// Outcome classifies one publish attempt.
type Outcome int

const (
	// OutcomeDelivered means the bus acknowledged the document.
	OutcomeDelivered Outcome = iota

	// OutcomeRetryable means the attempt failed with a transport error
	// and the retry policy should try again.
	OutcomeRetryable

	// OutcomeFatal means the document can never be delivered (exhausted
	// retries or a non-retryable error) and must be dead-lettered.
	OutcomeFatal
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DeliveryReceipt records the outcome of one publish attempt for one
// document. Receipts are consumed by the retry policy and discarded after a
// terminal outcome; fatal receipts are surfaced on the error channel.
type DeliveryReceipt struct {
	Document *Document
	Outcome  Outcome
	Attempt  int
	At       time.Time
	Err      error
}

// Terminal reports whether the retry policy is done with this document.
func (r DeliveryReceipt) Terminal() bool {
	return r.Outcome != OutcomeRetryable
}

// DeadLetter is a permanently failed document retained for inspection
// rather than silently discarded.
type DeadLetter struct {
	Document *Document
	Attempts int
	LastErr  error
	At       time.Time
}
