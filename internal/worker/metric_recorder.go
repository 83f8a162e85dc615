package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
)

const (
	metricChanSize   = 1000
	metricBatchSize  = 100
	metricFlushEvery = 5 * time.Second
	metricDrainTime  = 30 * time.Second
)

// MetricStore is the persistence interface consumed by MetricRecorder.
type MetricStore interface {
	RecordMetrics(ctx context.Context, events []gateway.MetricEvent) error
}

// MetricRecorder buffers metric events and batch-flushes them to the store.
// Events are dropped if the channel is full (back-pressure on slow DB).
type MetricRecorder struct {
	ch    chan gateway.MetricEvent
	store MetricStore
}

// NewMetricRecorder creates a MetricRecorder backed by store.
func NewMetricRecorder(store MetricStore) *MetricRecorder {
	return &MetricRecorder{
		ch:    make(chan gateway.MetricEvent, metricChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (m *MetricRecorder) Name() string { return "metric_recorder" }

// Record enqueues a metric event. It never blocks; drops on full channel.
func (m *MetricRecorder) Record(e gateway.MetricEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case m.ch <- e:
	default:
		slog.Warn("metric event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains remaining events.
func (m *MetricRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(metricFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.MetricEvent, 0, metricBatchSize)

	for {
		select {
		case e := <-m.ch:
			buf = append(buf, e)
			if len(buf) >= metricBatchSize {
				m.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				m.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining events with a timeout.
			m.drain(buf)
			return nil
		}
	}
}

func (m *MetricRecorder) drain(buf []gateway.MetricEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), metricDrainTime)
	defer cancel()

	for {
		select {
		case e := <-m.ch:
			buf = append(buf, e)
			if len(buf) >= metricBatchSize {
				m.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				m.flush(ctx, buf)
			}
			return
		}
	}
}

func (m *MetricRecorder) flush(ctx context.Context, buf []gateway.MetricEvent) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.MetricEvent, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := m.store.RecordMetrics(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metric flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
