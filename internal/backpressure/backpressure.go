// Package backpressure implements the dynamic concurrency controller: an
// evaluation loop that derives a load level from live queue, latency and
// success signals and resizes the queue's in-flight bound.
package backpressure

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eugener/mithril/internal/config"
)

// Level is the coarse load classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// windowSize is the number of recent completions the rolling window holds.
const windowSize = 100

// Queue is the concurrency-bound surface the controller drives.
type Queue interface {
	Depth() int
	InFlightCount() int
	MaxConcurrent() int
	SetMaxConcurrent(n int)
}

// Signals is one evaluation's view of the live load.
type Signals struct {
	QueueDepth        int           `json:"queue_depth"`
	InFlight          int           `json:"in_flight"`
	MaxConcurrent     int           `json:"max_concurrent"`
	Utilisation       float64       `json:"utilisation"`
	AvgLatency        time.Duration `json:"avg_latency"`
	P95Latency        time.Duration `json:"p95_latency"`
	SuccessRate       float64       `json:"success_rate"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Level             Level         `json:"level"`
}

// completion is one finished request in the rolling window.
type completion struct {
	latency time.Duration
	success bool
	at      time.Time
}

// Controller evaluates load and reshapes the queue's concurrency bound.
type Controller struct {
	cfg   config.BackpressureConfig
	queue Queue

	// Callbacks are invoked from the evaluation loop, never concurrently.
	OnLimitChange func(old, new int)
	OnLoadChange  func(old, new Level)

	mu         sync.Mutex
	window     [windowSize]completion
	next       int
	filled     int
	level      Level
	lastAdjust time.Time
}

// New creates a Controller. The queue's bound is only touched by Evaluate.
func New(cfg config.BackpressureConfig, queue Queue) *Controller {
	return &Controller{cfg: cfg, queue: queue, level: LevelNormal}
}

// Record adds one completed request to the rolling window.
func (c *Controller) Record(latency time.Duration, success bool) {
	c.mu.Lock()
	c.window[c.next] = completion{latency: latency, success: success, at: time.Now()}
	c.next = (c.next + 1) % windowSize
	if c.filled < windowSize {
		c.filled++
	}
	c.mu.Unlock()
}

// Level returns the current load classification.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// ShouldAccept reports whether a new submission may be admitted. Under
// critical load only requests that still fit below the critical depth get
// through.
func (c *Controller) ShouldAccept() bool {
	if !c.cfg.Enabled {
		return true
	}
	if c.Level() != LevelCritical {
		return true
	}
	return c.queue.Depth() < c.cfg.CriticalQueueDepth
}

// Run evaluates periodically until the context ends.
func (c *Controller) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(c.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Evaluate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate samples the signals, derives a load level, and adjusts the
// queue's bound subject to the cooldown. Returns the sampled signals.
func (c *Controller) Evaluate(ctx context.Context) Signals {
	s := c.sample()
	s.Level = c.classify(s)

	c.mu.Lock()
	prevLevel := c.level
	c.level = s.Level
	cooled := time.Since(c.lastAdjust) >= c.cfg.Cooldown
	c.mu.Unlock()

	if prevLevel != s.Level {
		slog.LogAttrs(ctx, slog.LevelInfo, "load level changed",
			slog.String("from", string(prevLevel)),
			slog.String("to", string(s.Level)),
			slog.Int("queue_depth", s.QueueDepth),
			slog.Duration("p95_latency", s.P95Latency),
			slog.Float64("success_rate", s.SuccessRate))
		if c.OnLoadChange != nil {
			c.OnLoadChange(prevLevel, s.Level)
		}
	}

	if !cooled {
		return s
	}
	cur := c.queue.MaxConcurrent()
	target := cur
	switch s.Level {
	case LevelCritical:
		target = cur - 2*c.cfg.ScaleDownStep
	case LevelHigh:
		target = cur - c.cfg.ScaleDownStep
	case LevelLow:
		target = cur + c.cfg.ScaleUpStep
	}
	target = max(c.cfg.MinConcurrent, min(c.cfg.MaxConcurrent, target))
	if target == cur {
		return s
	}

	c.queue.SetMaxConcurrent(target)
	c.mu.Lock()
	c.lastAdjust = time.Now()
	c.mu.Unlock()
	slog.LogAttrs(ctx, slog.LevelInfo, "concurrency bound adjusted",
		slog.Int("from", cur),
		slog.Int("to", target),
		slog.String("level", string(s.Level)))
	if c.OnLimitChange != nil {
		c.OnLimitChange(cur, target)
	}
	return s
}

// sample reads the live signals without classifying them.
func (c *Controller) sample() Signals {
	s := Signals{
		QueueDepth:    c.queue.Depth(),
		InFlight:      c.queue.InFlightCount(),
		MaxConcurrent: c.queue.MaxConcurrent(),
	}
	if s.MaxConcurrent > 0 {
		s.Utilisation = float64(s.InFlight) / float64(s.MaxConcurrent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled == 0 {
		s.SuccessRate = 1
		return s
	}

	latencies := make([]time.Duration, 0, c.filled)
	var sum time.Duration
	successes := 0
	rpsWindow := time.Now().Add(-time.Minute)
	recent := 0
	for i := range c.filled {
		w := c.window[i]
		latencies = append(latencies, w.latency)
		sum += w.latency
		if w.success {
			successes++
		}
		if w.at.After(rpsWindow) {
			recent++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	s.AvgLatency = sum / time.Duration(c.filled)
	s.P95Latency = latencies[c.filled*95/100]
	s.SuccessRate = float64(successes) / float64(c.filled)
	s.RequestsPerSecond = float64(recent) / 60
	return s
}

// classify maps signals onto a load level.
func (c *Controller) classify(s Signals) Level {
	switch {
	case s.QueueDepth >= c.cfg.CriticalQueueDepth,
		s.SuccessRate < c.cfg.CriticalSuccess,
		c.cfg.CriticalLatency > 0 && s.P95Latency >= c.cfg.CriticalLatency:
		return LevelCritical
	case s.QueueDepth >= c.cfg.HighQueueDepth,
		s.SuccessRate < c.cfg.HighSuccessRate,
		c.cfg.HighLatency > 0 && s.P95Latency >= c.cfg.HighLatency,
		s.Utilisation > 0.9:
		return LevelHigh
	case s.QueueDepth <= c.cfg.LowQueueDepth &&
		s.Utilisation < 0.5 &&
		s.P95Latency < c.cfg.TargetLatency:
		return LevelLow
	default:
		return LevelNormal
	}
}
