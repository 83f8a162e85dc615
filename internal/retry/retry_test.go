package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/testutil"
)

func fastRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:      2,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
		FallbackEnabled: true,
		FallbackChains:  map[string][]string{"alpha": {"beta", "gamma"}},
	}
}

func failure(err error) *gateway.Result { return &gateway.Result{Err: err} }

func success(text string) *gateway.Result {
	return &gateway.Result{Success: true, Text: text}
}

func newExecutor(cfg config.RetryConfig, backends ...*testutil.FakeBackend) (*Executor, *Tracker) {
	reg := backend.NewRegistry()
	for _, b := range backends {
		reg.Register(b.BackendName, b)
	}
	tracker := NewTracker(TrackerConfig{})
	return New(reg, tracker, cfg), tracker
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient},
		{"429 status", &backend.APIError{StatusCode: 429}, KindRateLimit},
		{"401 status", &backend.APIError{StatusCode: 401}, KindAuth},
		{"403 status", &backend.APIError{StatusCode: 403}, KindAuth},
		{"404 status", &backend.APIError{StatusCode: 404}, KindClient},
		{"503 status", &backend.APIError{StatusCode: 503}, KindTransient},
		{"rate limit keyword", errors.New("upstream: Rate Limit hit"), KindRateLimit},
		{"quota keyword", errors.New("quota exceeded for project"), KindRateLimit},
		{"throttle keyword", errors.New("request throttled"), KindRateLimit},
		{"auth keyword", errors.New("invalid API key provided"), KindAuth},
		{"client keyword", errors.New("malformed payload"), KindClient},
		{"unknown", errors.New("mystery"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecuteFirstTrySuccess(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha"}
	e, _ := newExecutor(fastRetryConfig(), alpha)

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	if state.Attempts != 1 || state.Retries() != 0 || state.FallbackUsed {
		t.Errorf("state = %+v", state)
	}
	if state.FinalProvider != "alpha" {
		t.Errorf("FinalProvider = %q", state.FinalProvider)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(context.DeadlineExceeded),
		failure(context.DeadlineExceeded),
		success("third time lucky"),
	}}
	e, _ := newExecutor(fastRetryConfig(), alpha)

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if !res.Success || res.Text != "third time lucky" {
		t.Fatalf("res = %+v", res)
	}
	if state.Attempts != 3 || state.Retries() != 2 {
		t.Errorf("Attempts = %d, Retries = %d", state.Attempts, state.Retries())
	}
	if state.FallbackUsed {
		t.Error("fallback should not be used")
	}
}

func TestExecuteFallbackAfterExhaustion(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{Provider: "alpha", StatusCode: 503}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta", Script: []*gateway.Result{
		success("from beta"),
	}}
	e, _ := newExecutor(fastRetryConfig(), alpha, beta)

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if !res.Success || res.Text != "from beta" {
		t.Fatalf("res = %+v", res)
	}
	if got := alpha.Calls.Load(); got != 3 { // max_retries+1
		t.Errorf("alpha calls = %d, want 3", got)
	}
	if !state.FallbackUsed || state.FallbackIndex != 1 || state.FinalProvider != "beta" {
		t.Errorf("state = %+v", state)
	}
	if state.Retries() != 3 {
		t.Errorf("Retries = %d, want 3", state.Retries())
	}
}

func TestExecuteAuthNoFallback(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{Provider: "alpha", StatusCode: 401}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta"}
	e, tracker := newExecutor(fastRetryConfig(), alpha, beta)

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if got := alpha.Calls.Load(); got != 1 {
		t.Errorf("alpha calls = %d, want 1 (auth is not retried)", got)
	}
	if got := beta.Calls.Load(); got != 0 {
		t.Errorf("beta calls = %d, want 0 (auth never falls back)", got)
	}
	if state.FallbackUsed {
		t.Error("FallbackUsed should be false")
	}
	if tracker.Reliability("alpha") >= 1.0 {
		t.Error("auth failure should dent reliability")
	}
}

func TestExecuteClientErrorFallsBackWithoutRetry(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{Provider: "alpha", StatusCode: 404}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta"}
	e, _ := newExecutor(fastRetryConfig(), alpha, beta)

	res, _ := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if got := alpha.Calls.Load(); got != 1 {
		t.Errorf("alpha calls = %d, want 1 (client errors are not retried)", got)
	}
	if got := beta.Calls.Load(); got != 1 {
		t.Errorf("beta calls = %d, want 1", got)
	}
}

func TestExecuteSkipsUnhealthyFallback(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{StatusCode: 404}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta"}
	gamma := &testutil.FakeBackend{BackendName: "gamma"}
	e, tracker := newExecutor(fastRetryConfig(), alpha, beta, gamma)

	// Push beta over the reauth threshold so the fallback filter skips it.
	for range 3 {
		tracker.RecordFailure("beta", KindAuth)
	}

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if got := beta.Calls.Load(); got != 0 {
		t.Errorf("beta calls = %d, want 0 (unhealthy)", got)
	}
	if state.FinalProvider != "gamma" || state.FallbackIndex != 2 {
		t.Errorf("state = %+v", state)
	}
}

func TestExecuteAllExhaustedReturnsLastFailure(t *testing.T) {
	t.Parallel()

	boom := &backend.APIError{Provider: "beta", StatusCode: 500, Body: "boom"}
	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{Provider: "alpha", StatusCode: 500}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta", Script: []*gateway.Result{failure(boom)}}

	cfg := fastRetryConfig()
	cfg.FallbackChains = map[string][]string{"alpha": {"beta"}}
	e, _ := newExecutor(cfg, alpha, beta)

	res, state := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want last failure from beta", res.Err)
	}
	if state.Retries() != 6 { // 3 attempts on each of two providers
		t.Errorf("Retries = %d, want 6", state.Retries())
	}
}

func TestExecuteFallbackDisabled(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeBackend{BackendName: "alpha", Script: []*gateway.Result{
		failure(&backend.APIError{StatusCode: 500}),
	}}
	beta := &testutil.FakeBackend{BackendName: "beta"}

	cfg := fastRetryConfig()
	cfg.FallbackEnabled = false
	e, _ := newExecutor(cfg, alpha, beta)

	res, _ := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if got := beta.Calls.Load(); got != 0 {
		t.Errorf("beta calls = %d, want 0", got)
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := fastRetryConfig()
	cfg.FallbackEnabled = false
	e, _ := newExecutor(cfg)

	res, _ := e.Execute(context.Background(), &gateway.Request{ID: "r1", Provider: "ghost"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, gateway.ErrProviderError) {
		t.Errorf("Err = %v, want ErrProviderError", res.Err)
	}
}

func TestReliabilityScore(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(TrackerConfig{MinReliability: 0.3, ReauthFailures: 3})

	// No history: fully reliable.
	if got := tracker.Reliability("alpha"); got != 1.0 {
		t.Errorf("Reliability = %v, want 1.0", got)
	}

	// 1 success, 1 failure: 0.7*0.5 + 0.3*1 = 0.65.
	tracker.RecordSuccess("alpha")
	tracker.RecordFailure("alpha", KindTransient)
	if got := tracker.Reliability("alpha"); got < 0.64 || got > 0.66 {
		t.Errorf("Reliability = %v, want 0.65", got)
	}

	// Auth failures accumulate a capped penalty and flip needs-reauth at 3.
	tracker.RecordFailure("alpha", KindAuth)
	tracker.RecordFailure("alpha", KindAuth)
	if tracker.NeedsReauth("alpha") {
		t.Error("NeedsReauth should be false at 2 auth failures")
	}
	tracker.RecordFailure("alpha", KindAuth)
	if !tracker.NeedsReauth("alpha") {
		t.Error("NeedsReauth should be true at 3 auth failures")
	}
	if tracker.IsHealthy("alpha") {
		t.Error("needs-reauth provider should be unhealthy")
	}

	// A success clears the auth counter.
	tracker.RecordSuccess("alpha")
	if tracker.NeedsReauth("alpha") {
		t.Error("success should reset auth failures")
	}
}

func TestTrackerSnapshots(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(TrackerConfig{})
	tracker.RecordSuccess("alpha")
	tracker.RecordFailure("beta", KindTransient)

	snaps := tracker.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	for _, s := range snaps {
		switch s.Provider {
		case "alpha":
			if s.Successes != 1 || !s.Healthy {
				t.Errorf("alpha snapshot = %+v", s)
			}
		case "beta":
			if s.Failures != 1 || s.Timeouts != 1 {
				t.Errorf("beta snapshot = %+v", s)
			}
		}
	}
}
