// Package publish forwards acquisition documents to the message bus with
// at-least-once delivery intent.
//
// Publish is non-blocking so the acquisition pipeline never stalls on a
// slow broker. A single delivery goroutine drains the queue in FIFO order,
// which preserves submission order for every run. Transport failures are
// retried with exponential backoff up to a bounded attempt count; permanent
// failures are moved to a dead-letter record and reported on the receipt
// channel rather than silently dropped.
package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
)

// DefaultQueueCapacity is the pending-delivery buffer size.
const DefaultQueueCapacity = 1024

// TopicFor derives the bus topic for a beamline. The derivation is a pure
// function of the beamline name so it is stable across process restarts
// and consumers can resume.
func TopicFor(beamline string) string {
	return strings.ToLower(beamline) + ".daq.documents"
}

// Config contains configuration for the publisher.
type Config struct {
	// Topic is the bus topic documents are published to.
	Topic string

	// QueueCapacity bounds the pending-delivery buffer.
	QueueCapacity int

	// MaxAttempts bounds delivery attempts per document.
	MaxAttempts int

	// BaseDelay and MaxDelay parameterize the retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// AttemptTimeout bounds each publish attempt on the wire.
	AttemptTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:          topic,
		QueueCapacity:  DefaultQueueCapacity,
		MaxAttempts:    5,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: 30 * time.Second,
	}
}

// Publisher owns the pending-delivery queue and the delivery loop.
type Publisher struct {
	config    Config
	transport ports.BusTransport
	logger    ports.Logger

	queue    chan *domain.Document
	receipts chan domain.DeliveryReceipt

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	dead    []domain.DeadLetter
	closed  bool
	retry   retryPolicy
}

// retryPolicy is the runtime-tunable part of the publisher configuration.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New creates a publisher delivering to transport.
func New(config Config, transport ports.BusTransport, logger ports.Logger) *Publisher {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = DefaultMaxDelay
	}
	p := &Publisher{
		config:    config,
		transport: transport,
		logger:    logger,
		queue:     make(chan *domain.Document, config.QueueCapacity),
		receipts:  make(chan domain.DeliveryReceipt, config.QueueCapacity),
		retry: retryPolicy{
			maxAttempts: config.MaxAttempts,
			baseDelay:   config.BaseDelay,
			maxDelay:    config.MaxDelay,
		},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// UpdateRetryPolicy swaps the retry parameters at runtime. Documents
// already mid-retry finish under the policy they started with.
func (p *Publisher) UpdateRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) {
	if maxAttempts <= 0 || baseDelay <= 0 || maxDelay < baseDelay {
		return
	}
	p.mu.Lock()
	p.retry = retryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
	p.mu.Unlock()
}

func (p *Publisher) currentRetry() retryPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retry
}

// Publish enqueues document for delivery and returns immediately. The
// document is read-only from this point on. Submission order within a run
// is preserved through delivery.
func (p *Publisher) Publish(document *domain.Document) error {
	if err := document.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPublisherClosed
	}
	select {
	case p.queue <- document:
		p.pending++
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return domain.ErrQueueFull
	}
}

// Receipts returns the channel carrying terminal failure receipts. Fatal
// outcomes are always recorded in the dead-letter list even if nobody
// drains this channel.
func (p *Publisher) Receipts() <-chan domain.DeliveryReceipt {
	return p.receipts
}

// DeadLetters returns a copy of the permanently failed documents.
func (p *Publisher) DeadLetters() []domain.DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeadLetter{}, p.dead...)
}

// Pending returns the number of documents not yet at a terminal outcome.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Run executes the delivery loop until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case doc := <-p.queue:
			p.deliver(ctx, doc)
		}
	}
}

// Drain delivers documents already queued until the queue is empty or ctx
// expires, returning the count still pending. Used at shutdown after Run
// has returned.
func (p *Publisher) Drain(ctx context.Context) int {
	for {
		select {
		case <-ctx.Done():
			return p.Pending()
		case doc := <-p.queue:
			p.deliver(ctx, doc)
		default:
			return p.Pending()
		}
	}
}

// Close stops accepting new documents. Documents already queued are still
// delivered by Run.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Flush blocks until the queue drains or timeout elapses and returns the
// count of undelivered documents remaining. Flush(0) reports the current
// count without blocking.
func (p *Publisher) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 && timeout > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wake := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		wake.Stop()
	}
	return p.pending
}

// deliver drives one document to a terminal outcome.
func (p *Publisher) deliver(ctx context.Context, doc *domain.Document) {
	retry := p.currentRetry()
	back := newBackoff(retry.baseDelay, retry.maxDelay)

	payload, err := doc.Encode()
	if err != nil {
		// Fatal for this document only; the queue keeps moving.
		p.terminal(domain.DeliveryReceipt{
			Document: doc,
			Outcome:  domain.OutcomeFatal,
			Attempt:  0,
			At:       time.Now(),
			Err:      err,
		})
		return
	}

	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, doc, payload)
		receipt := classifyAttempt(doc, attempt, retry.maxAttempts, ctx.Err() != nil, err)

		switch receipt.Outcome {
		case domain.OutcomeDelivered:
			p.logger.Debug("delivered document",
				ports.String("run", doc.RunUID),
				ports.String("kind", string(doc.Kind)),
				ports.Int("attempt", attempt),
			)
		case domain.OutcomeFatal:
			p.logger.Error("document permanently failed",
				ports.String("run", doc.RunUID),
				ports.String("kind", string(doc.Kind)),
				ports.Int("attempts", attempt),
				ports.Err(receipt.Err),
			)
		}
		if receipt.Terminal() {
			p.terminal(receipt)
			return
		}

		p.logger.Warn("publish attempt failed, backing off",
			ports.String("run", doc.RunUID),
			ports.String("kind", string(doc.Kind)),
			ports.Int("attempt", attempt),
			ports.Duration("backoff", back.Current()),
			ports.Err(receipt.Err),
		)
		if err := back.Sleep(ctx); err != nil {
			// Context canceled mid-retry: the document has not reached the
			// bus, record that rather than dropping it.
			receipt.Outcome = domain.OutcomeFatal
			receipt.Err = err
			p.terminal(receipt)
			return
		}
	}
}

// classifyAttempt maps one attempt's result onto the receipt taxonomy.
// Transport errors stay retryable while attempts remain and the context is
// live; everything else is terminal.
func classifyAttempt(doc *domain.Document, attempt, maxAttempts int, canceled bool, err error) domain.DeliveryReceipt {
	receipt := domain.DeliveryReceipt{
		Document: doc,
		Attempt:  attempt,
		At:       time.Now(),
		Err:      err,
	}
	if err == nil {
		receipt.Outcome = domain.OutcomeDelivered
		return receipt
	}
	var transportErr *domain.TransportError
	if errors.As(err, &transportErr) && attempt < maxAttempts && !canceled {
		receipt.Outcome = domain.OutcomeRetryable
		return receipt
	}
	receipt.Outcome = domain.OutcomeFatal
	return receipt
}

func (p *Publisher) attempt(ctx context.Context, doc *domain.Document, payload []byte) error {
	actx := ctx
	if p.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.config.AttemptTimeout)
		defer cancel()
	}
	return p.transport.Publish(actx, p.config.Topic, doc.RunUID, payload)
}

// terminal records a terminal outcome, updates the pending count, and
// wakes flushers.
func (p *Publisher) terminal(receipt domain.DeliveryReceipt) {
	p.mu.Lock()
	p.pending--
	if receipt.Outcome == domain.OutcomeFatal {
		p.dead = append(p.dead, domain.DeadLetter{
			Document: receipt.Document,
			Attempts: receipt.Attempt,
			LastErr:  receipt.Err,
			At:       receipt.At,
		})
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if receipt.Outcome == domain.OutcomeFatal {
		select {
		case p.receipts <- receipt:
		default:
			// Receipt channel full; the dead-letter list above still has
			// the document so nothing vanishes unreported.
			p.logger.Warn("receipt channel full, dropping receipt notification",
				ports.String("run", receipt.Document.RunUID),
			)
		}
	}
}
