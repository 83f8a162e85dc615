package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/parallel"
	"github.com/eugener/mithril/internal/retry"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/tokencount"
)

// handleOne executes a processing request to its terminal state. It owns the
// request from MarkProcessing until the waiter is notified.
func (d *Dispatcher) handleOne(ctx context.Context, r *gateway.Request) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	d.mu.Lock()
	d.active[r.ID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.active, r.ID)
		d.mu.Unlock()
	}()

	runCtx, span := telemetry.Tracer("dispatch").Start(runCtx, "gateway.handle",
		trace.WithAttributes(
			attribute.String("request.id", r.ID),
			attribute.String("request.provider", r.Provider),
			attribute.Int("request.priority", r.Priority)))

	start := time.Now()
	var (
		res  *gateway.Result
		meta map[string]any
	)
	if strings.HasPrefix(r.Provider, "@") {
		res, meta = d.runGroup(runCtx, r)
	} else {
		res, meta = d.runSingle(runCtx, r)
	}
	span.SetAttributes(attribute.Bool("request.success", res.Success))
	span.End()

	d.finalize(ctx, r, res, meta, context.Cause(runCtx), time.Since(start))
}

// runSingle executes through the retry + fallback chain.
func (d *Dispatcher) runSingle(ctx context.Context, r *gateway.Request) (*gateway.Result, map[string]any) {
	res, state := d.retrier.Execute(ctx, r)

	meta := map[string]any{
		"retry_count":       state.Retries(),
		"fallback_used":     state.FallbackUsed,
		"original_provider": state.OriginalProvider,
	}
	if state.FallbackUsed {
		meta["fallback_index"] = state.FallbackIndex
	}
	if len(state.AttemptLog) > 0 {
		meta["attempt_errors"] = state.AttemptLog
	}

	if state.Retries() > 0 {
		d.metrics.RetriesTotal.WithLabelValues(state.OriginalProvider).Add(float64(state.Retries()))
	}
	if state.FallbackUsed {
		d.metrics.FallbacksTotal.WithLabelValues(state.FinalProvider).Inc()
	}

	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["provider"] = state.FinalProvider
	return res, meta
}

// runGroup fans the request out to a provider group.
func (d *Dispatcher) runGroup(ctx context.Context, r *gateway.Request) (*gateway.Result, map[string]any) {
	strategyName := ""
	if v, ok := r.Metadata["strategy"].(string); ok {
		strategyName = v
	}
	strategy, err := parallel.ParseStrategy(strategyName, parallel.Strategy(d.cfg.Parallel.DefaultStrategy))
	if err != nil {
		return &gateway.Result{Err: err}, nil
	}

	out, err := d.fanout.ExecuteGroup(ctx, r, r.Provider, strategy)
	if err != nil {
		return &gateway.Result{Err: err}, nil
	}

	meta := map[string]any{
		"strategy":          string(out.Strategy),
		"selected_provider": out.Selected,
		"branches":          out.Branches,
	}
	if out.Result.Metadata == nil {
		out.Result.Metadata = map[string]any{}
	}
	out.Result.Metadata["provider"] = out.Selected
	return out.Result, meta
}

// finalize persists the terminal response, feeds the caches and metrics, and
// notifies the waiting submitter. cause is the run context's termination
// cause, which distinguishes a deadline expiry from an explicit cancel. The
// timeout loop may have beaten us to the terminal transition; UpdateStatus
// conflicts are then expected and the authoritative state is re-read from
// the store.
func (d *Dispatcher) finalize(ctx context.Context, r *gateway.Request, res *gateway.Result, meta map[string]any, cause error, elapsed time.Duration) {
	state := gateway.StateCompleted
	if !res.Success {
		switch {
		case errors.Is(cause, context.DeadlineExceeded):
			state = gateway.StateTimeout
		case cause != nil:
			state = gateway.StateCancelled
		default:
			state = gateway.StateFailed
		}
	}

	// Persistence must not depend on the loop context, which is already
	// cancelled during shutdown.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.queue.MarkCompleted(saveCtx, r.ID, state); err != nil {
		slog.Error("terminal transition failed", "id", r.ID, "error", err)
	}
	if cur, err := d.store.GetRequest(saveCtx, r.ID); err == nil {
		state = cur.State
	}

	provider := r.Provider
	if res.Metadata != nil {
		if p, ok := res.Metadata["provider"].(string); ok && p != "" {
			provider = p
		}
	}

	resp := &gateway.Response{
		RequestID: r.ID,
		Status:    state,
		Provider:  provider,
		LatencyMs: elapsed.Milliseconds(),
		Tokens:    res.Tokens,
		Thinking:  res.Thinking,
		RawOutput: res.RawOutput,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if state == gateway.StateCompleted {
		resp.Text = res.Text
		if resp.Tokens == 0 {
			resp.Tokens = tokencount.Estimate(res.Text)
		}
		d.annotateCost(saveCtx, r, resp, provider)
	} else if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	if err := d.store.SaveResponse(saveCtx, resp); err != nil {
		slog.Error("response save failed", "id", r.ID, "error", err)
	}

	if state == gateway.StateCompleted {
		d.cache.Put(saveCtx, provider, d.models[provider], r.Message, resp.Text, resp.Tokens, 0)
	}

	d.observe(ctx, r, resp, res, provider, elapsed)
	d.notify(r.ID, resp)

	slog.LogAttrs(ctx, slog.LevelInfo, "request finished",
		slog.String("id", r.ID),
		slog.String("provider", provider),
		slog.String("state", string(state)),
		slog.Int64("latency_ms", resp.LatencyMs),
		slog.Int("tokens", resp.Tokens))
}

// observe feeds the completion into the backpressure window, Prometheus, and
// the persisted metric stream.
func (d *Dispatcher) observe(ctx context.Context, r *gateway.Request, resp *gateway.Response, res *gateway.Result, provider string, elapsed time.Duration) {
	success := resp.Status == gateway.StateCompleted

	if d.pressure != nil {
		d.pressure.Record(elapsed, success)
	}

	d.metrics.RequestsTotal.WithLabelValues(provider, string(resp.Status)).Inc()
	d.metrics.RequestLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if success && resp.Tokens > 0 {
		d.metrics.TokensUsed.WithLabelValues(provider).Add(float64(resp.Tokens))
	}
	if !success && res.Err != nil {
		d.metrics.ErrorsTotal.WithLabelValues(provider, string(retry.Classify(res.Err))).Inc()
	}

	d.recorder.Record(gateway.MetricEvent{
		Provider:  provider,
		EventType: "request_" + string(resp.Status),
		LatencyMs: resp.LatencyMs,
		Success:   success,
		Error:     resp.Error,
	})
}

// annotateCost attaches an estimated dollar cost when pricing is configured
// for the serving provider/model pair.
func (d *Dispatcher) annotateCost(ctx context.Context, r *gateway.Request, resp *gateway.Response, provider string) {
	model := d.models[provider]
	tc, err := d.store.GetTokenCost(ctx, provider, model)
	if err != nil {
		return // no pricing configured
	}
	in, out := tokencount.EstimateExchange(r.Message, resp.Text)
	cost := float64(in)/1000*tc.InputPer1K + float64(out)/1000*tc.OutputPer1K
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["estimated_cost_usd"] = cost
	resp.Metadata["cost_model"] = model
}
