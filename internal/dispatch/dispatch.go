// Package dispatch implements the gateway orchestrator: it drains the
// request queue into backend executions, runs the health, timeout, and
// backpressure loops, and finalises every request with a persisted
// response.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/backpressure"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/parallel"
	"github.com/eugener/mithril/internal/queue"
	"github.com/eugener/mithril/internal/retry"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/stream"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/worker"
)

const (
	// drainPoll bounds the wait between drain wakeups when no enqueue
	// signal arrives.
	drainPoll = 100 * time.Millisecond
	// timeoutPoll is how often per-request timeouts are enforced.
	timeoutPoll = time.Second
	// replayBatch caps startup queue recovery.
	replayBatch = 10_000
	// latencyWindow is the metric lookback used for the provider view's
	// average latency.
	latencyWindow = 10 * time.Minute
)

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Queue    *queue.Queue
	Registry *backend.Registry
	Retrier  *retry.Executor
	Tracker  *retry.Tracker
	Fanout   *parallel.Executor
	Cache    *cache.Manager
	Streams  *stream.Manager
	Pressure *backpressure.Controller
	Metrics  *telemetry.Metrics
	Recorder *worker.MetricRecorder
}

// Dispatcher owns the request lifecycle from admission to terminal state.
type Dispatcher struct {
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Queue
	registry *backend.Registry
	retrier  *retry.Executor
	tracker  *retry.Tracker
	fanout   *parallel.Executor
	cache    *cache.Manager
	streams  *stream.Manager
	pressure *backpressure.Controller
	metrics  *telemetry.Metrics
	recorder *worker.MetricRecorder

	// models maps provider name to its configured model, for cache keys
	// and cost lookups. entries keeps the full configured view for the
	// provider status report.
	models  map[string]string
	entries map[string]config.ProviderEntry

	mu      sync.Mutex
	active  map[string]context.CancelFunc   // in-flight upstream cancellation
	waiters map[string]chan *gateway.Response

	kick   chan struct{} // nudges the drain loop after an enqueue
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Dispatcher.
func New(d Deps) *Dispatcher {
	models := make(map[string]string, len(d.Config.Providers))
	entries := make(map[string]config.ProviderEntry, len(d.Config.Providers))
	for _, p := range d.Config.Providers {
		models[p.Name] = p.Model
		entries[p.Name] = p
	}
	return &Dispatcher{
		cfg:      d.Config,
		store:    d.Store,
		queue:    d.Queue,
		registry: d.Registry,
		retrier:  d.Retrier,
		tracker:  d.Tracker,
		fanout:   d.Fanout,
		cache:    d.Cache,
		streams:  d.Streams,
		pressure: d.Pressure,
		metrics:  d.Metrics,
		recorder: d.Recorder,
		models:   models,
		entries:  entries,
		active:   make(map[string]context.CancelFunc),
		waiters:  make(map[string]chan *gateway.Response),
		kick:     make(chan struct{}, 1),
	}
}

// Start replays persisted queued requests and launches the drain, health,
// timeout, and backpressure loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	pending, err := d.store.GetPending(ctx, replayBatch)
	if err != nil {
		return err
	}
	if n := d.queue.Replay(pending); n > 0 {
		slog.Info("queued requests replayed", "count", n)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drainLoop(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.timeoutLoop(ctx)
	}()

	if d.cfg.HealthCheck.Enabled {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.healthLoop(ctx)
		}()
	}

	if d.pressure != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pressure.Run(ctx)
		}()
	}
	return nil
}

// Shutdown stops all loops, cancels active streams and upstream calls, and
// shuts down the backends. The store is closed by the caller.
func (d *Dispatcher) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.streams.CancelAll()

	d.mu.Lock()
	for _, cancel := range d.active {
		cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.registry.ShutdownAll()
	slog.Info("dispatcher stopped")
}

// drainLoop moves queued requests into handler tasks whenever slots free up.
func (d *Dispatcher) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		case <-ticker.C:
		}
		d.drainOnce(ctx)
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	batch, err := d.queue.BatchDequeue(ctx, d.queue.MaxConcurrent())
	if err != nil {
		slog.Error("dequeue failed", "error", err)
		return
	}
	for _, r := range batch {
		kind := d.backendKind(r.Provider)
		if err := d.queue.MarkProcessing(ctx, r, kind); err != nil {
			slog.Error("mark processing failed", "id", r.ID, "error", err)
			continue
		}
		d.wg.Add(1)
		go func(r *gateway.Request) {
			defer d.wg.Done()
			d.handleOne(ctx, r)
		}(r)
	}
}

// timeoutLoop enforces per-request timeouts independently of transport
// deadlines, so a hanging subprocess still terminates its request.
func (d *Dispatcher) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(timeoutPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range d.queue.CheckTimeouts(ctx) {
			d.finalizeTimeout(ctx, id)
		}
	}
}

// finalizeTimeout aborts the upstream task and persists the timeout
// response for a request the timeout loop expired.
func (d *Dispatcher) finalizeTimeout(ctx context.Context, id string) {
	d.mu.Lock()
	cancel, ok := d.active[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}

	resp := &gateway.Response{
		RequestID: id,
		Status:    gateway.StateTimeout,
		Error:     "request timed out",
		CreatedAt: time.Now(),
	}
	if err := d.store.SaveResponse(ctx, resp); err != nil {
		slog.Error("timeout response save failed", "id", id, "error", err)
	}
	d.notify(id, resp)
	slog.LogAttrs(ctx, slog.LevelWarn, "request timed out", slog.String("id", id))
}

// healthLoop pings each backend and refreshes the persisted provider view.
func (d *Dispatcher) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HealthCheck.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.checkHealth(ctx)
	}
}

func (d *Dispatcher) checkHealth(ctx context.Context) {
	stats := d.queue.Stats()
	for _, name := range d.registry.List() {
		b, err := d.registry.Get(name)
		if err != nil {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, d.cfg.HealthCheck.Timeout)
		checkErr := b.HealthCheck(checkCtx)
		cancel()

		status := gateway.ProviderHealthy
		lastError := ""
		switch {
		case checkErr != nil:
			status = gateway.ProviderUnavailable
			lastError = checkErr.Error()
		case !d.tracker.IsHealthy(name):
			status = gateway.ProviderDegraded
		}

		entry := d.entries[name]
		info := &gateway.ProviderInfo{
			Name:         name,
			Transport:    b.Kind(),
			Status:       status,
			QueueDepth:   stats.ByProvider[name],
			AvgLatencyMs: d.avgLatency(ctx, name),
			SuccessRate:  d.tracker.Reliability(name),
			LastCheck:    time.Now(),
			LastError:    lastError,
			Enabled:      true,
			Priority:     entry.Priority,
			RPMCap:       entry.RateLimit,
			Timeout:      entry.Timeout,
		}
		if err := d.store.UpdateProviderStatus(ctx, info); err != nil {
			slog.Warn("provider status update failed", "provider", name, "error", err)
		}
		d.metrics.QueueDepth.WithLabelValues(name).Set(float64(stats.ByProvider[name]))
	}
}

// avgLatency averages the provider's persisted request latencies over the
// recent metric window. Zero when no samples exist.
func (d *Dispatcher) avgLatency(ctx context.Context, provider string) float64 {
	events, err := d.store.GetProviderMetrics(ctx, provider, latencyWindow)
	if err != nil {
		return 0
	}
	var sum float64
	n := 0
	for _, e := range events {
		if e.LatencyMs > 0 {
			sum += float64(e.LatencyMs)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// backendKind resolves the transport kind for response metadata; group
// aliases report as HTTP fan-out.
func (d *Dispatcher) backendKind(provider string) string {
	if strings.HasPrefix(provider, "@") {
		return string(gateway.TransportHTTP)
	}
	if b, err := d.registry.Get(provider); err == nil {
		return string(b.Kind())
	}
	return ""
}

// notify delivers the terminal response to a waiting submitter, if any.
func (d *Dispatcher) notify(id string, resp *gateway.Response) {
	d.mu.Lock()
	ch, ok := d.waiters[id]
	if ok {
		delete(d.waiters, id)
	}
	d.mu.Unlock()
	if ok {
		ch <- resp // buffered, never blocks
	}
}

// registerWaiter creates the completion channel for a submitted request.
func (d *Dispatcher) registerWaiter(id string) chan *gateway.Response {
	ch := make(chan *gateway.Response, 1)
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) dropWaiter(id string) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}
