// Package subscribe connects the acquisition engine's document stream to
// the event publisher.
//
// The engine invokes a callback once per document with the document kind
// and body. The subscriber stamps run identity and sequence, hands the
// document to the publisher, and returns; it never blocks the engine
// callback beyond enqueueing.
package subscribe

import (
	"sync"
	"time"

	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
	"github.com/nsls2-tools/beamsync/internal/publish"
)

// DefaultStopFlushTimeout bounds the background flush kicked off by a stop
// document.
const DefaultStopFlushTimeout = 30 * time.Second

// Subscriber adapts the engine's document callback to the publisher.
type Subscriber struct {
	publisher        *publish.Publisher
	logger           ports.Logger
	stopFlushTimeout time.Duration

	mu     sync.Mutex
	runUID string
	seq    uint64
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithStopFlushTimeout overrides the flush timeout applied on stop documents.
func WithStopFlushTimeout(d time.Duration) Option {
	return func(s *Subscriber) { s.stopFlushTimeout = d }
}

// New creates a subscriber forwarding documents to publisher.
func New(publisher *publish.Publisher, logger ports.Logger, opts ...Option) *Subscriber {
	s := &Subscriber{
		publisher:        publisher,
		logger:           logger,
		stopFlushTimeout: DefaultStopFlushTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Callback returns the function to register with the acquisition engine.
func (s *Subscriber) Callback() func(kind string, body map[string]any) error {
	return func(kind string, body map[string]any) error {
		return s.Consume(domain.DocumentKind(kind), body)
	}
}

// Consume handles one document from the engine.
func (s *Subscriber) Consume(kind domain.DocumentKind, body map[string]any) error {
	doc := &domain.Document{
		Kind: kind,
		Time: time.Now(),
		Body: body,
	}

	s.mu.Lock()
	if kind == domain.KindStart {
		s.runUID = runUIDFrom(body)
		s.seq = 0
	}
	doc.RunUID = s.runUID
	if doc.RunUID == "" {
		doc.RunUID = runUIDFrom(body)
	}
	doc.Seq = s.seq
	s.seq++
	s.mu.Unlock()

	if err := s.publisher.Publish(doc); err != nil {
		s.logger.Error("failed to enqueue document",
			ports.String("kind", string(kind)),
			ports.String("run", doc.RunUID),
			ports.Err(err),
		)
		return err
	}

	if kind == domain.KindStop {
		// Drain the run's documents to the bus before the run is
		// considered closed, without stalling the engine callback.
		go func(run string) {
			if remaining := s.publisher.Flush(s.stopFlushTimeout); remaining > 0 {
				s.logger.Warn("documents still undelivered after run stop",
					ports.String("run", run),
					ports.Int("undelivered", remaining),
				)
			}
		}(doc.RunUID)
	}
	return nil
}

// runUIDFrom extracts the run identity from a document body. Start
// documents carry their own uid; descriptors and events reference the
// start document via run_start.
func runUIDFrom(body map[string]any) string {
	if uid, ok := body["run_start"].(string); ok {
		return uid
	}
	if uid, ok := body["uid"].(string); ok {
		return uid
	}
	return ""
}
