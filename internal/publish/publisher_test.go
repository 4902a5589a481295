package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	adapterlog "github.com/nsls2-tools/beamsync/internal/adapters/log"
	"github.com/nsls2-tools/beamsync/internal/domain"
)

// delivery is one decoded bus message as the transport saw it.
type delivery struct {
	Kind   string `json:"kind"`
	RunUID string `json:"run_uid"`
	Seq    uint64 `json:"seq"`
}

// fakeTransport records deliveries and injects failures per document.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []delivery
	// failLeft maps "<kind>/<seq>" to a count of retryable failures to
	// return before that document succeeds.
	failLeft map[string]int
	// permanentErr, when set, is returned for every publish.
	permanentErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failLeft: make(map[string]int)}
}

func (f *fakeTransport) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var d delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanentErr != nil {
		return f.permanentErr
	}
	id := fmt.Sprintf("%s/%d", d.Kind, d.Seq)
	if f.failLeft[id] > 0 {
		f.failLeft[id]--
		return &domain.TransportError{Topic: topic, Err: errors.New("broker unavailable")}
	}
	f.delivered = append(f.delivered, d)
	return nil
}

func (f *fakeTransport) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery{}, f.delivered...)
}

func testConfig() Config {
	return Config{
		Topic:          "tst.daq.documents",
		QueueCapacity:  64,
		MaxAttempts:    5,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func doc(kind domain.DocumentKind, run string, seq uint64) *domain.Document {
	return &domain.Document{
		Kind:   kind,
		RunUID: run,
		Seq:    seq,
		Time:   time.Now(),
		Body:   map[string]any{"uid": fmt.Sprintf("%s-%d", kind, seq)},
	}
}

func TestTopicFor(t *testing.T) {
	if got := TopicFor("CSX"); got != "csx.daq.documents" {
		t.Fatalf("TopicFor(CSX) = %q", got)
	}
}

func TestOrderPreservedAcrossRetries(t *testing.T) {
	transport := newFakeTransport()
	// The second event fails twice before delivery succeeds.
	transport.failLeft["event/3"] = 2

	p := New(testConfig(), transport, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	run := "run-a"
	docs := []*domain.Document{
		doc(domain.KindStart, run, 1),
		doc(domain.KindDescriptor, run, 2),
		doc(domain.KindEvent, run, 3),
		doc(domain.KindEvent, run, 4),
		doc(domain.KindStop, run, 5),
	}
	for _, d := range docs {
		if err := p.Publish(d); err != nil {
			t.Fatalf("Publish(%s): %v", d.Kind, err)
		}
	}

	if left := p.Flush(5 * time.Second); left != 0 {
		t.Fatalf("Flush left %d undelivered", left)
	}

	got := transport.deliveries()
	if len(got) != len(docs) {
		t.Fatalf("delivered %d documents, want %d", len(got), len(docs))
	}
	for i, d := range docs {
		if got[i].Kind != string(d.Kind) || got[i].Seq != d.Seq {
			t.Fatalf("position %d: delivered %s/%d, want %s/%d",
				i, got[i].Kind, got[i].Seq, d.Kind, d.Seq)
		}
	}
	if len(p.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters: %v", p.DeadLetters())
	}
}

func TestSerializationFailureIsFatalForThatDocumentOnly(t *testing.T) {
	transport := newFakeTransport()
	p := New(testConfig(), transport, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	bad := doc(domain.KindEvent, "run-b", 1)
	bad.Body = map[string]any{"ch": make(chan int)}
	good := doc(domain.KindStop, "run-b", 2)

	if err := p.Publish(bad); err != nil {
		t.Fatalf("Publish(bad): %v", err)
	}
	if err := p.Publish(good); err != nil {
		t.Fatalf("Publish(good): %v", err)
	}
	if left := p.Flush(5 * time.Second); left != 0 {
		t.Fatalf("Flush left %d undelivered", left)
	}

	got := transport.deliveries()
	if len(got) != 1 || got[0].Kind != "stop" {
		t.Fatalf("deliveries = %v, want only the stop document", got)
	}

	dead := p.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	var serr *domain.SerializationError
	if !errors.As(dead[0].LastErr, &serr) {
		t.Fatalf("dead letter error = %v, want *SerializationError", dead[0].LastErr)
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	transport := newFakeTransport()
	transport.permanentErr = &domain.TransportError{Topic: "tst.daq.documents", Err: errors.New("broker down")}

	cfg := testConfig()
	cfg.MaxAttempts = 3
	p := New(cfg, transport, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Publish(doc(domain.KindEvent, "run-c", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case r := <-p.Receipts():
		if r.Outcome != domain.OutcomeFatal {
			t.Fatalf("receipt outcome = %v, want fatal", r.Outcome)
		}
		if r.Attempt != 3 {
			t.Fatalf("receipt attempts = %d, want 3", r.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no receipt within deadline")
	}

	dead := p.DeadLetters()
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("dead letters = %+v, want one with 3 attempts", dead)
	}
	if p.Pending() != 0 {
		t.Fatalf("pending = %d after terminal outcome", p.Pending())
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	transport := newFakeTransport()
	transport.permanentErr = errors.New("payload rejected")

	p := New(testConfig(), transport, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Publish(doc(domain.KindEvent, "run-d", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case r := <-p.Receipts():
		if r.Attempt != 1 {
			t.Fatalf("attempts = %d, want 1 for a non-retryable error", r.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no receipt within deadline")
	}
}

func TestPublishRejectsInvalidDocument(t *testing.T) {
	p := New(testConfig(), newFakeTransport(), adapterlog.NewNoopLogger())

	err := p.Publish(&domain.Document{Kind: domain.KindStart})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for missing run uid, got %v", err)
	}

	err = p.Publish(&domain.Document{Kind: "bogus", RunUID: "run-e"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for bad kind, got %v", err)
	}
}

func TestPublishQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	p := New(cfg, newFakeTransport(), adapterlog.NewNoopLogger())
	// No Run loop, so the first document stays queued.

	if err := p.Publish(doc(domain.KindEvent, "run-f", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(doc(domain.KindEvent, "run-f", 2)); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	p := New(testConfig(), newFakeTransport(), adapterlog.NewNoopLogger())
	p.Close()

	err := p.Publish(doc(domain.KindEvent, "run-g", 1))
	if !errors.Is(err, domain.ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
}

// stallTransport blocks every publish until the context expires.
type stallTransport struct{}

func (stallTransport) Publish(ctx context.Context, topic, key string, payload []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFlushZeroDoesNotBlock(t *testing.T) {
	p := New(testConfig(), stallTransport{}, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := uint64(1); i <= 3; i++ {
		if err := p.Publish(doc(domain.KindEvent, "run-h", i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	done := make(chan int, 1)
	go func() { done <- p.Flush(0) }()
	select {
	case left := <-done:
		if left == 0 {
			t.Fatal("Flush(0) = 0 with documents stalled in flight")
		}
	case <-time.After(time.Second):
		t.Fatal("Flush(0) blocked")
	}
}

func TestFlushTimesOut(t *testing.T) {
	p := New(testConfig(), stallTransport{}, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Publish(doc(domain.KindEvent, "run-i", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	start := time.Now()
	left := p.Flush(50 * time.Millisecond)
	if left == 0 {
		t.Fatal("Flush reported empty queue while delivery was stalled")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Flush did not respect its timeout, took %v", elapsed)
	}
}

func TestDrainDeliversQueuedDocuments(t *testing.T) {
	transport := newFakeTransport()
	p := New(testConfig(), transport, adapterlog.NewNoopLogger())

	for i := uint64(1); i <= 3; i++ {
		if err := p.Publish(doc(domain.KindEvent, "run-j", i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if left := p.Drain(ctx); left != 0 {
		t.Fatalf("Drain left %d undelivered", left)
	}
	if got := transport.deliveries(); len(got) != 3 {
		t.Fatalf("delivered %d documents, want 3", len(got))
	}
}

func TestConcurrentRunsKeepPerRunOrder(t *testing.T) {
	transport := newFakeTransport()
	p := New(testConfig(), transport, adapterlog.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	const perRun = 20
	var wg sync.WaitGroup
	for _, run := range []string{"run-x", "run-y", "run-z"} {
		wg.Add(1)
		go func(run string) {
			defer wg.Done()
			for i := uint64(1); i <= perRun; i++ {
				if err := p.Publish(doc(domain.KindEvent, run, i)); err != nil {
					t.Errorf("Publish(%s/%d): %v", run, i, err)
					return
				}
			}
		}(run)
	}
	wg.Wait()

	if left := p.Flush(5 * time.Second); left != 0 {
		t.Fatalf("Flush left %d undelivered", left)
	}

	// Cross-run interleaving is fine; within one run delivery must follow
	// submission order.
	last := map[string]uint64{}
	for _, d := range transport.deliveries() {
		if d.Seq <= last[d.RunUID] {
			t.Fatalf("run %s: seq %d delivered after %d", d.RunUID, d.Seq, last[d.RunUID])
		}
		last[d.RunUID] = d.Seq
	}
	for run, seq := range last {
		if seq != perRun {
			t.Fatalf("run %s: last seq %d, want %d", run, seq, perRun)
		}
	}
}

func TestUpdateRetryPolicy(t *testing.T) {
	transport := newFakeTransport()
	transport.permanentErr = &domain.TransportError{Topic: "tst.daq.documents", Err: errors.New("broker down")}

	cfg := testConfig()
	cfg.MaxAttempts = 5
	p := New(cfg, transport, adapterlog.NewNoopLogger())
	p.UpdateRetryPolicy(2, time.Millisecond, 2*time.Millisecond)

	// Invalid parameters are ignored, the last good policy stays in force.
	p.UpdateRetryPolicy(0, time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Publish(doc(domain.KindEvent, "run-k", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case r := <-p.Receipts():
		if r.Attempt != 2 {
			t.Fatalf("attempts = %d, want 2 under the updated policy", r.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no receipt within deadline")
	}
}

func TestAttemptClassification(t *testing.T) {
	transportErr := &domain.TransportError{Topic: "tst.daq.documents", Err: errors.New("broker down")}

	tests := []struct {
		name     string
		attempt  int
		canceled bool
		err      error
		want     domain.Outcome
		terminal bool
	}{
		{name: "success", attempt: 1, want: domain.OutcomeDelivered, terminal: true},
		{name: "transport error with attempts left", attempt: 1, err: transportErr, want: domain.OutcomeRetryable},
		{name: "transport error on last attempt", attempt: 3, err: transportErr, want: domain.OutcomeFatal, terminal: true},
		{name: "transport error after cancel", attempt: 1, canceled: true, err: transportErr, want: domain.OutcomeFatal, terminal: true},
		{name: "non-transport error", attempt: 1, err: errors.New("schema rejected"), want: domain.OutcomeFatal, terminal: true},
	}

	d := doc(domain.KindEvent, "run-c", 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := classifyAttempt(d, tt.attempt, 3, tt.canceled, tt.err)
			if r.Outcome != tt.want {
				t.Fatalf("outcome = %v, want %v", r.Outcome, tt.want)
			}
			if r.Terminal() != tt.terminal {
				t.Fatalf("Terminal() = %v, want %v", r.Terminal(), tt.terminal)
			}
			if r.Attempt != tt.attempt {
				t.Fatalf("attempt = %d, want %d", r.Attempt, tt.attempt)
			}
		})
	}
}
