// Package retry implements the retry + fallback-chain executor: failures
// are classified, retried with exponential backoff on the same provider,
// then walked down the configured fallback chain.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/config"
)

// rateLimitFloor is the minimum sleep before retrying a rate-limited call.
const rateLimitFloor = 5 * time.Second

// AttemptError is one entry of the per-attempt error log.
type AttemptError struct {
	Provider string    `json:"provider"`
	Attempt  int       `json:"attempt"`
	Kind     ErrorKind `json:"kind"`
	Error    string    `json:"error"`
}

// State summarises one executor run for response metadata and metrics.
type State struct {
	OriginalProvider string
	FinalProvider    string
	Attempts         int
	FallbackIndex    int
	FallbackUsed     bool
	AttemptLog       []AttemptError
	Elapsed          time.Duration
}

// Retries returns the number of failed attempts.
func (s *State) Retries() int { return len(s.AttemptLog) }

// timeoutRaiser is implemented by backends whose per-call timeout can be
// extended at runtime.
type timeoutRaiser interface {
	RaiseTimeout(time.Duration)
}

// Executor runs requests with retries and provider fallback.
type Executor struct {
	registry *backend.Registry
	tracker  *Tracker
	cfg      config.RetryConfig
}

// New creates an Executor.
func New(registry *backend.Registry, tracker *Tracker, cfg config.RetryConfig) *Executor {
	return &Executor{registry: registry, tracker: tracker, cfg: cfg}
}

// Execute runs req on its provider, retrying and falling back per policy.
// The returned State always has FinalProvider set to the provider of the
// returned result.
func (e *Executor) Execute(ctx context.Context, req *gateway.Request) (*gateway.Result, *State) {
	start := time.Now()
	state := &State{OriginalProvider: req.Provider, FinalProvider: req.Provider}
	defer func() { state.Elapsed = time.Since(start) }()

	var last *gateway.Result
	for idx, name := range e.chain(req.Provider) {
		// The primary always gets its shot; fallbacks are filtered by the
		// reliability tracker.
		if idx > 0 && !e.tracker.IsHealthy(name) {
			slog.LogAttrs(ctx, slog.LevelDebug, "skipping unhealthy fallback",
				slog.String("provider", name),
				slog.Float64("reliability", e.tracker.Reliability(name)))
			continue
		}

		b, err := e.registry.Get(name)
		if err != nil {
			state.AttemptLog = append(state.AttemptLog, AttemptError{
				Provider: name, Kind: KindPermanent, Error: err.Error(),
			})
			continue
		}

		res, kind := e.runProvider(ctx, b, req, state, idx)
		if res == nil { // context cancelled mid-backoff
			break
		}
		last = res
		state.FinalProvider = name
		state.FallbackIndex = idx
		state.FallbackUsed = idx > 0

		if res.Success {
			e.tracker.RecordSuccess(name)
			return res, state
		}
		if !kind.FallbackEligible() || !e.cfg.FallbackEnabled {
			return res, state
		}
	}

	if last == nil {
		last = &gateway.Result{
			Err:     fmt.Errorf("no provider available for %q: %w", req.Provider, gateway.ErrProviderError),
			Latency: time.Since(start),
		}
	}
	return last, state
}

// runProvider retries req on one backend until success, a non-retryable
// failure, or exhaustion. Returns the last result and its classification;
// a nil result means the context expired while backing off.
func (e *Executor) runProvider(ctx context.Context, b backend.Backend, req *gateway.Request, state *State, chainIdx int) (*gateway.Result, ErrorKind) {
	bo := e.newBackOff()
	rateLimited := false

	var res *gateway.Result
	var kind ErrorKind
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		res = b.Execute(ctx, req)
		state.Attempts++
		if res.Success {
			return res, ""
		}

		kind = Classify(res.Err)
		e.tracker.RecordFailure(b.Name(), kind)
		state.AttemptLog = append(state.AttemptLog, AttemptError{
			Provider: b.Name(), Attempt: attempt, Kind: kind, Error: res.Err.Error(),
		})
		slog.LogAttrs(ctx, slog.LevelWarn, "attempt failed",
			slog.String("request_id", req.ID),
			slog.String("provider", b.Name()),
			slog.Int("attempt", attempt),
			slog.Int("chain_index", chainIdx),
			slog.String("kind", string(kind)),
			slog.String("error", res.Err.Error()))

		if !kind.Retryable() || attempt == e.cfg.MaxRetries {
			return res, kind
		}

		delay := bo.NextBackOff()
		if kind == KindRateLimit {
			if delay < rateLimitFloor {
				delay = rateLimitFloor
			}
			// Gemini's free-tier rate limits clear on minute boundaries;
			// give its calls a longer window once we have seen one.
			if !rateLimited && strings.Contains(strings.ToLower(b.Name()), "gemini") {
				if tr, ok := b.(timeoutRaiser); ok {
					tr.RaiseTimeout(10 * time.Minute)
				}
			}
			rateLimited = true
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, kind
		}
	}
	return res, kind
}

// chain returns the providers to try, primary first.
func (e *Executor) chain(primary string) []string {
	out := []string{primary}
	if !e.cfg.FallbackEnabled {
		return out
	}
	for _, name := range e.cfg.FallbackChains[primary] {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.Multiplier = e.cfg.ExponentialBase
	bo.MaxInterval = e.cfg.MaxDelay
	if e.cfg.Jitter {
		bo.RandomizationFactor = 0.5 // jitter factor in [0.5, 1.5)
	} else {
		bo.RandomizationFactor = 0
	}
	return bo
}
