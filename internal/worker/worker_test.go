package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
)

// funcWorker adapts a closure to the Worker interface.
type funcWorker struct {
	name string
	fn   func(ctx context.Context) error
}

func (w funcWorker) Name() string                  { return w.name }
func (w funcWorker) Run(ctx context.Context) error { return w.fn(ctx) }

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	blocked := make(chan struct{})

	r := NewRunner(
		funcWorker{name: "failing", fn: func(ctx context.Context) error { return boom }},
		funcWorker{name: "blocking", fn: func(ctx context.Context) error {
			<-ctx.Done()
			close(blocked)
			return nil
		}},
	)

	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want boom", err)
	}
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("blocking worker was not cancelled")
	}
}

// captureStore records every flushed metric batch.
type captureStore struct {
	mu      sync.Mutex
	batches [][]gateway.MetricEvent
	err     error
}

func (s *captureStore) RecordMetrics(_ context.Context, events []gateway.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	batch := make([]gateway.MetricEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureStore) all() []gateway.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.MetricEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestMetricRecorderDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	rec := NewMetricRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for range 7 {
		rec.Record(gateway.MetricEvent{Provider: "alpha", EventType: "completed", Success: true})
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}

	events := store.all()
	if len(events) != 7 {
		t.Fatalf("flushed %d events, want 7", len(events))
	}
	for _, e := range events {
		if e.ID == "" {
			t.Error("flushed event missing assigned ID")
		}
		if e.Timestamp.IsZero() {
			t.Error("flushed event missing timestamp")
		}
	}
}

func TestMetricRecorderBatchBoundary(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	rec := NewMetricRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for range metricBatchSize + 10 {
		rec.Record(gateway.MetricEvent{Provider: "alpha", EventType: "completed"})
	}
	cancel()
	<-done

	if got := len(store.all()); got != metricBatchSize+10 {
		t.Fatalf("flushed %d events, want %d", got, metricBatchSize+10)
	}
}

// fakeCleanupStore counts cleanup invocations.
type fakeCleanupStore struct {
	requests, metrics int
	requestAge        time.Duration
}

func (s *fakeCleanupStore) CleanupOldRequests(_ context.Context, age time.Duration) (int64, error) {
	s.requests++
	s.requestAge = age
	return 3, nil
}

func (s *fakeCleanupStore) CleanupOldMetrics(_ context.Context, _ time.Duration) (int64, error) {
	s.metrics++
	return 5, nil
}

type fakeJanitor struct{ expired, enforced int }

func (j *fakeJanitor) CleanupExpired(context.Context) (int64, error) {
	j.expired++
	return 1, nil
}

func (j *fakeJanitor) EnforceMaxEntries(context.Context) (int64, error) {
	j.enforced++
	return 2, nil
}

type fakeSweeper struct{ maxIdle time.Duration }

func (s *fakeSweeper) Sweep(maxIdle time.Duration) int {
	s.maxIdle = maxIdle
	return 4
}

func TestCleanupRunOnce(t *testing.T) {
	t.Parallel()
	store := &fakeCleanupStore{}
	janitor := &fakeJanitor{}
	cfg := config.CleanupConfig{
		Schedule:         "@hourly",
		RequestRetention: 48 * time.Hour,
		MetricRetention:  24 * time.Hour,
		BucketMaxIdle:    time.Hour,
	}
	w := NewCleanupWorker(cfg, store, janitor, &fakeSweeper{})

	w.RunOnce(context.Background())

	if store.requests != 1 || store.metrics != 1 {
		t.Errorf("store calls = %d/%d, want 1/1", store.requests, store.metrics)
	}
	if store.requestAge != 48*time.Hour {
		t.Errorf("request retention = %v", store.requestAge)
	}
	if janitor.expired != 1 || janitor.enforced != 1 {
		t.Errorf("janitor calls = %d/%d, want 1/1", janitor.expired, janitor.enforced)
	}
}

func TestCleanupNilCollaborators(t *testing.T) {
	t.Parallel()
	w := NewCleanupWorker(config.CleanupConfig{Schedule: "@hourly"}, &fakeCleanupStore{}, nil, nil)
	w.RunOnce(context.Background()) // must not panic
}

func TestCleanupRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	w := NewCleanupWorker(config.CleanupConfig{Schedule: "not a cron"}, &fakeCleanupStore{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Run(ctx); err == nil {
		t.Fatal("invalid schedule should error")
	}
}
