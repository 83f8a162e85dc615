package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/stream"
	"github.com/eugener/mithril/internal/tokencount"
)

// Submit admits a request and blocks until its terminal response, a cache
// hit, or ctx expiry. The request is mutated in place with defaults and its
// assigned ID.
func (d *Dispatcher) Submit(ctx context.Context, r *gateway.Request) (*gateway.Response, error) {
	if err := d.admit(r); err != nil {
		return nil, err
	}

	if resp := d.tryCache(ctx, r); resp != nil {
		return resp, nil
	}
	d.metrics.CacheMisses.Inc()

	ch := d.registerWaiter(r.ID)
	ok, err := d.queue.Enqueue(ctx, r)
	if err != nil {
		d.dropWaiter(r.ID)
		return nil, err
	}
	if !ok {
		d.dropWaiter(r.ID)
		return nil, fmt.Errorf("queue at capacity: %w", gateway.ErrQueueFull)
	}
	d.nudge()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		d.dropWaiter(r.ID)
		// The request keeps running server-side; the caller can poll it.
		return nil, ctx.Err()
	}
}

// Enqueue admits a request without waiting for completion. The caller polls
// the request by ID.
func (d *Dispatcher) Enqueue(ctx context.Context, r *gateway.Request) error {
	if err := d.admit(r); err != nil {
		return err
	}
	if resp := d.tryCache(ctx, r); resp != nil {
		return nil
	}
	d.metrics.CacheMisses.Inc()

	ok, err := d.queue.Enqueue(ctx, r)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue at capacity: %w", gateway.ErrQueueFull)
	}
	d.nudge()
	return nil
}

// Stream admits a request and returns its live chunk channel. Provider
// groups cannot stream; cache hits are replayed as a single final chunk.
func (d *Dispatcher) Stream(ctx context.Context, r *gateway.Request) (<-chan gateway.Chunk, error) {
	if err := d.admit(r); err != nil {
		return nil, err
	}
	if strings.HasPrefix(r.Provider, "@") {
		return nil, fmt.Errorf("provider groups cannot stream: %w", gateway.ErrBadRequest)
	}
	b, err := d.registry.Get(r.Provider)
	if err != nil {
		return nil, err
	}

	if ce, ok := d.cache.Get(ctx, r.Provider, d.models[r.Provider], r.Message); ok {
		d.metrics.CacheHits.Inc()
		d.persistCached(ctx, r, ce)
		ch := make(chan gateway.Chunk, 1)
		ch <- gateway.Chunk{
			Content: ce.Text, Index: 0, Final: true, Tokens: ce.Tokens,
			Provider: r.Provider, Metadata: map[string]any{"cache_hit": true},
		}
		close(ch)
		return ch, nil
	}
	d.metrics.CacheMisses.Inc()

	if err := d.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	// Streams execute immediately but still occupy an in-flight slot, so a
	// burst of stream opens cannot push concurrency past the bound the
	// queued path honours.
	ok, err := d.queue.TryMarkProcessing(ctx, r, string(b.Kind()))
	if err != nil {
		return nil, err
	}
	if !ok {
		if cerr := d.store.CancelRequest(ctx, r.ID); cerr != nil {
			slog.Warn("stream admission rollback failed", "id", r.ID, "error", cerr)
		}
		return nil, fmt.Errorf("no free execution slot: %w", gateway.ErrOverloaded)
	}

	src, err := d.streams.Open(ctx, r, b)
	if err != nil {
		_ = d.queue.MarkCompleted(ctx, r.ID, gateway.StateFailed)
		return nil, err
	}
	d.metrics.StreamsActive.Inc()

	out := make(chan gateway.Chunk, cap(src))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.relayStream(ctx, r, src, out)
	}()
	return out, nil
}

// relayStream forwards chunks to the consumer while accumulating the full
// text, then finalizes the request when the stream ends.
func (d *Dispatcher) relayStream(ctx context.Context, r *gateway.Request, src <-chan gateway.Chunk, out chan<- gateway.Chunk) {
	defer close(out)
	defer d.metrics.StreamsActive.Dec()

	start := time.Now()
	var sb strings.Builder
	var streamErr error
	for c := range src {
		if !stream.IsHeartbeat(c) {
			sb.WriteString(c.Content)
			if c.Err != nil {
				streamErr = c.Err
			}
		}
		select {
		case out <- c:
		case <-ctx.Done():
			// Consumer gone; keep draining so the pump can finish.
		}
	}

	state := gateway.StateCompleted
	if streamErr != nil {
		state = gateway.StateFailed
	}
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.queue.MarkCompleted(finCtx, r.ID, state); err != nil {
		slog.Error("stream terminal transition failed", "id", r.ID, "error", err)
	}
	if cur, err := d.store.GetRequest(finCtx, r.ID); err == nil {
		state = cur.State
	}

	text := sb.String()
	resp := &gateway.Response{
		RequestID: r.ID,
		Status:    state,
		Provider:  r.Provider,
		LatencyMs: time.Since(start).Milliseconds(),
		Metadata:  map[string]any{"streamed": true},
		CreatedAt: time.Now(),
	}
	if state == gateway.StateCompleted {
		resp.Text = text
		resp.Tokens = tokencount.Estimate(text)
	} else if streamErr != nil {
		resp.Error = streamErr.Error()
	}
	if err := d.store.SaveResponse(finCtx, resp); err != nil {
		slog.Error("stream response save failed", "id", r.ID, "error", err)
	}
	if state == gateway.StateCompleted {
		d.cache.Put(finCtx, r.Provider, d.models[r.Provider], r.Message, text, resp.Tokens, 0)
	}
	d.observe(finCtx, r, resp, &gateway.Result{Success: state == gateway.StateCompleted, Err: streamErr}, r.Provider, time.Since(start))
}

// Cancel aborts a queued or processing request. Terminal requests return
// gateway.ErrNotCancellable.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	if err := d.queue.Cancel(ctx, id); err != nil {
		return err
	}

	d.mu.Lock()
	cancel, active := d.active[id]
	d.mu.Unlock()
	if active {
		cancel()
	}
	d.streams.Cancel(id)

	slog.Info("request cancelled", "id", id, "was_active", active)
	return nil
}

// GetResult returns a request and, once terminal, its response.
func (d *Dispatcher) GetResult(ctx context.Context, id string) (*gateway.Request, *gateway.Response, error) {
	r, err := d.store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !r.State.Terminal() {
		return r, nil, nil
	}
	resp, err := d.store.GetResponse(ctx, id)
	if err != nil {
		// A terminal request without a response row is possible if the save
		// failed; surface the request anyway.
		return r, nil, nil
	}
	return r, resp, nil
}

// admit validates the request, applies defaults, and checks backpressure.
func (d *Dispatcher) admit(r *gateway.Request) error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("empty message: %w", gateway.ErrBadRequest)
	}
	if d.pressure != nil && !d.pressure.ShouldAccept() {
		return fmt.Errorf("system overloaded: %w", gateway.ErrOverloaded)
	}

	if r.Provider == "" {
		r.Provider = d.cfg.DefaultProvider
	}
	if r.Provider == "" {
		return fmt.Errorf("no provider given and no default configured: %w", gateway.ErrBadRequest)
	}
	if strings.HasPrefix(r.Provider, "@") {
		if _, err := d.fanout.ResolveGroup(r.Provider); err != nil {
			return err
		}
	} else if _, err := d.registry.Get(r.Provider); err != nil {
		return err
	}

	if r.Timeout <= 0 {
		r.Timeout = d.cfg.DefaultTimeout
	}
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}

// tryCache serves the request from the response cache, persisting the
// synthetic request/response pair so the caller can re-fetch it by ID.
// Group requests never hit the cache: member selection is not deterministic.
func (d *Dispatcher) tryCache(ctx context.Context, r *gateway.Request) *gateway.Response {
	if strings.HasPrefix(r.Provider, "@") {
		return nil
	}
	ce, ok := d.cache.Get(ctx, r.Provider, d.models[r.Provider], r.Message)
	if !ok {
		return nil
	}
	d.metrics.CacheHits.Inc()
	return d.persistCached(ctx, r, ce)
}

// persistCached records a cache-served request as completed with its
// synthesized response.
func (d *Dispatcher) persistCached(ctx context.Context, r *gateway.Request, ce *gateway.CacheEntry) *gateway.Response {
	if err := d.store.CreateRequest(ctx, r); err != nil {
		slog.Warn("cached request persist failed", "id", r.ID, "error", err)
	} else if err := d.store.UpdateStatus(ctx, r.ID, gateway.StateCompleted, ""); err != nil {
		slog.Warn("cached request transition failed", "id", r.ID, "error", err)
	}

	resp := &gateway.Response{
		RequestID: r.ID,
		Status:    gateway.StateCompleted,
		Text:      ce.Text,
		Provider:  r.Provider,
		LatencyMs: 0,
		Tokens:    ce.Tokens,
		Metadata:  map[string]any{"cache_hit": true, "cache_key": ce.Key},
		CreatedAt: time.Now(),
	}
	if err := d.store.SaveResponse(ctx, resp); err != nil {
		slog.Warn("cached response persist failed", "id", r.ID, "error", err)
	}

	d.recorder.Record(gateway.MetricEvent{
		Provider:  r.Provider,
		EventType: "cache_hit",
		Success:   true,
	})
	return resp
}

// nudge wakes the drain loop without blocking.
func (d *Dispatcher) nudge() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}
