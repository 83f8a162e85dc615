package backpressure

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eugener/mithril/internal/config"
)

// fakeQueue is a controllable Queue for the controller tests.
type fakeQueue struct {
	depth    atomic.Int64
	inflight atomic.Int64
	bound    atomic.Int64
}

func (q *fakeQueue) Depth() int            { return int(q.depth.Load()) }
func (q *fakeQueue) InFlightCount() int    { return int(q.inflight.Load()) }
func (q *fakeQueue) MaxConcurrent() int    { return int(q.bound.Load()) }
func (q *fakeQueue) SetMaxConcurrent(n int) { q.bound.Store(int64(n)) }

func testConfig() config.BackpressureConfig {
	return config.BackpressureConfig{
		Enabled:            true,
		EvaluationInterval: 5 * time.Second,
		Cooldown:           0, // tests drive Evaluate directly
		MinConcurrent:      1,
		MaxConcurrent:      20,
		ScaleUpStep:        2,
		ScaleDownStep:      2,
		LowQueueDepth:      5,
		HighQueueDepth:     50,
		CriticalQueueDepth: 100,
		HighSuccessRate:    0.8,
		CriticalSuccess:    0.5,
		TargetLatency:      time.Second,
		HighLatency:        5 * time.Second,
		CriticalLatency:    15 * time.Second,
	}
}

func newController(bound int) (*Controller, *fakeQueue) {
	q := &fakeQueue{}
	q.bound.Store(int64(bound))
	return New(testConfig(), q), q
}

// fill seeds the rolling window with completions of one latency/outcome.
func fill(c *Controller, n int, latency time.Duration, success bool) {
	for range n {
		c.Record(latency, success)
	}
}

func TestIdleClassifiesLowAndScalesUp(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	fill(c, 50, 100*time.Millisecond, true)

	s := c.Evaluate(context.Background())
	if s.Level != LevelLow {
		t.Fatalf("level = %s, want low", s.Level)
	}
	if q.MaxConcurrent() != 12 {
		t.Errorf("bound = %d, want 12", q.MaxConcurrent())
	}
}

func TestScaleUpCapped(t *testing.T) {
	t.Parallel()
	c, q := newController(20)
	fill(c, 10, 10*time.Millisecond, true)

	c.Evaluate(context.Background())
	if q.MaxConcurrent() != 20 {
		t.Errorf("bound = %d, want capped at 20", q.MaxConcurrent())
	}
}

func TestHighQueueDepthScalesDown(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(60)
	fill(c, 50, 100*time.Millisecond, true)

	s := c.Evaluate(context.Background())
	if s.Level != LevelHigh {
		t.Fatalf("level = %s, want high", s.Level)
	}
	if q.MaxConcurrent() != 8 {
		t.Errorf("bound = %d, want 8", q.MaxConcurrent())
	}
}

func TestCriticalDoubleStepAndFloor(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(150)

	s := c.Evaluate(context.Background())
	if s.Level != LevelCritical {
		t.Fatalf("level = %s, want critical", s.Level)
	}
	if q.MaxConcurrent() != 6 { // 10 - 2*2
		t.Errorf("bound = %d, want 6", q.MaxConcurrent())
	}

	// Repeated critical evaluations bottom out at the floor.
	for range 10 {
		c.Evaluate(context.Background())
	}
	if q.MaxConcurrent() != 1 {
		t.Errorf("bound = %d, want floor 1", q.MaxConcurrent())
	}
}

func TestLowSuccessRateIsCritical(t *testing.T) {
	t.Parallel()
	c, _ := newController(10)
	fill(c, 60, 100*time.Millisecond, false)
	fill(c, 40, 100*time.Millisecond, true)

	if s := c.Evaluate(context.Background()); s.Level != LevelCritical {
		t.Errorf("level = %s, want critical at 40%% success", s.Level)
	}
}

func TestSlowP95IsHigh(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(10) // above low threshold, below high
	fill(c, 94, 100*time.Millisecond, true)
	fill(c, 6, 8*time.Second, true) // p95 lands in the slow tail

	if s := c.Evaluate(context.Background()); s.Level != LevelHigh {
		t.Errorf("level = %s, want high", s.Level)
	}
}

func TestHighUtilisationIsHigh(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(10)
	q.inflight.Store(10)
	fill(c, 50, 100*time.Millisecond, true)

	if s := c.Evaluate(context.Background()); s.Level != LevelHigh {
		t.Errorf("level = %s, want high at full utilisation", s.Level)
	}
}

func TestCooldownBlocksBackToBackAdjustments(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cooldown = time.Hour
	q := &fakeQueue{}
	q.bound.Store(10)
	q.depth.Store(150)
	c := New(cfg, q)

	c.Evaluate(context.Background())
	if q.MaxConcurrent() != 6 {
		t.Fatalf("bound = %d, want first adjustment", q.MaxConcurrent())
	}
	c.Evaluate(context.Background())
	if q.MaxConcurrent() != 6 {
		t.Errorf("bound = %d, cooldown should block the second adjustment", q.MaxConcurrent())
	}
}

func TestShouldAcceptUnderCritical(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(150)
	c.Evaluate(context.Background())

	if c.ShouldAccept() {
		t.Error("critical load above threshold should reject")
	}
	q.depth.Store(50) // depth dropped but level not yet re-evaluated
	if !c.ShouldAccept() {
		t.Error("below critical depth submissions pass even at critical level")
	}
}

func TestCallbacksFire(t *testing.T) {
	t.Parallel()
	c, q := newController(10)
	q.depth.Store(150)

	var loads, limits int
	c.OnLoadChange = func(old, new Level) {
		loads++
		if old != LevelNormal || new != LevelCritical {
			t.Errorf("load change %s -> %s", old, new)
		}
	}
	c.OnLimitChange = func(old, new int) {
		limits++
		if old != 10 || new != 6 {
			t.Errorf("limit change %d -> %d", old, new)
		}
	}
	c.Evaluate(context.Background())
	if loads != 1 || limits != 1 {
		t.Errorf("loads = %d, limits = %d", loads, limits)
	}
}

func TestDisabledControllerAcceptsEverything(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	q.depth.Store(10000)
	c := New(config.BackpressureConfig{Enabled: false}, q)

	if !c.ShouldAccept() {
		t.Error("disabled controller must accept")
	}
}
