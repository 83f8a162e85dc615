// Package parallel implements the fan-out executor: one request raced
// across a provider group, aggregated by a configurable strategy.
package parallel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/config"
)

// Strategy selects how fan-out responses are aggregated.
type Strategy string

const (
	// FirstSuccess races the group and returns the first success,
	// cancelling the rest. If every branch fails, the first failure wins.
	FirstSuccess Strategy = "first_success"
	// Fastest returns whichever response arrives first, success or not.
	Fastest Strategy = "fastest"
	// All waits for every branch and returns the first success.
	All Strategy = "all"
	// Consensus waits for every branch and picks the median-length success.
	Consensus Strategy = "consensus"
	// BestQuality waits for every branch and picks the highest-scoring
	// success by a length/structure/latency heuristic.
	BestQuality Strategy = "best_quality"
)

// ParseStrategy validates a strategy name, falling back to def when empty.
func ParseStrategy(s string, def Strategy) (Strategy, error) {
	if s == "" {
		return def, nil
	}
	switch st := Strategy(strings.ToLower(s)); st {
	case FirstSuccess, Fastest, All, Consensus, BestQuality:
		return st, nil
	default:
		return "", fmt.Errorf("unknown aggregation strategy %q: %w", s, gateway.ErrBadRequest)
	}
}

// Branch is the per-provider slice of a fan-out outcome.
type Branch struct {
	Provider  string        `json:"provider"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Tokens    int           `json:"tokens,omitempty"`
	Error     string        `json:"error,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Outcome is the aggregated result of one fan-out run.
type Outcome struct {
	Selected string
	Strategy Strategy
	Result   *gateway.Result
	Branches []Branch
	Elapsed  time.Duration
}

// Executor fans a request out to a provider group.
type Executor struct {
	registry *backend.Registry
	cfg      config.ParallelConfig
}

// New creates an Executor.
func New(registry *backend.Registry, cfg config.ParallelConfig) *Executor {
	return &Executor{registry: registry, cfg: cfg}
}

// ResolveGroup maps a group alias (with or without the leading "@") to its
// configured provider list.
func (e *Executor) ResolveGroup(alias string) ([]string, error) {
	name := strings.TrimPrefix(alias, "@")
	providers, ok := e.cfg.ProviderGroups[name]
	if !ok || len(providers) == 0 {
		return nil, fmt.Errorf("provider group %q: %w", name, gateway.ErrNotFound)
	}
	return providers, nil
}

// ExecuteGroup resolves a group alias and runs Execute on its members.
func (e *Executor) ExecuteGroup(ctx context.Context, req *gateway.Request, alias string, strategy Strategy) (*Outcome, error) {
	providers, err := e.ResolveGroup(alias)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, req, providers, strategy)
}

// arrival carries one completed branch off its goroutine.
type arrival struct {
	idx int
	res *gateway.Result
}

// Execute fans req out to the named providers and aggregates per strategy.
// The group-wide timeout bounds the whole run; branches still unresolved
// when a winner is selected are cancelled.
func (e *Executor) Execute(ctx context.Context, req *gateway.Request, providers []string, strategy Strategy) (*Outcome, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("empty provider group: %w", gateway.ErrBadRequest)
	}

	backends := make([]backend.Backend, len(providers))
	for i, name := range providers {
		b, err := e.registry.Get(name)
		if err != nil {
			return nil, err
		}
		backends[i] = b
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	limit := int64(e.cfg.MaxConcurrent)
	if limit <= 0 {
		limit = int64(len(providers))
	}
	sem := semaphore.NewWeighted(limit)

	start := time.Now()
	results := make(chan arrival, len(providers))
	var wg sync.WaitGroup
	for i := range providers {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				results <- arrival{idx: idx, res: nil}
				return
			}
			defer sem.Release(1)

			branchReq := *req
			branchReq.Provider = providers[idx]
			results <- arrival{idx: idx, res: backends[idx].Execute(runCtx, &branchReq)}
		}(i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := &Outcome{Strategy: strategy, Branches: make([]Branch, len(providers))}
	for i, name := range providers {
		out.Branches[i] = Branch{Provider: name, Cancelled: true}
	}

	// completed holds arrival-ordered branch indexes with a real result.
	var completed []int
	branchResults := make([]*gateway.Result, len(providers))
	stopEarly := strategy == FirstSuccess || strategy == Fastest

gather:
	for a := range results {
		if a.res == nil {
			continue // cancelled before acquiring a slot
		}
		branchResults[a.idx] = a.res
		completed = append(completed, a.idx)
		b := &out.Branches[a.idx]
		b.Cancelled = false
		b.Success = a.res.Success
		b.Latency = a.res.Latency
		b.LatencyMs = a.res.Latency.Milliseconds()
		b.Tokens = a.res.Tokens
		if a.res.Err != nil {
			b.Error = a.res.Err.Error()
		}

		if stopEarly && (a.res.Success || strategy == Fastest) {
			cancel()
			break gather
		}
	}

	winner := e.selectWinner(strategy, providers, branchResults, completed)
	out.Elapsed = time.Since(start)
	if winner < 0 {
		// Nothing resolved inside the group timeout.
		out.Result = &gateway.Result{
			Err:     fmt.Errorf("provider group unresolved: %w", context.Cause(runCtx)),
			Latency: out.Elapsed,
		}
		return out, nil
	}

	out.Selected = providers[winner]
	out.Result = branchResults[winner]
	slog.LogAttrs(ctx, slog.LevelDebug, "fan-out resolved",
		slog.String("request_id", req.ID),
		slog.String("strategy", string(strategy)),
		slog.String("selected", out.Selected),
		slog.Bool("success", out.Result.Success),
		slog.Duration("elapsed", out.Elapsed))
	return out, nil
}

// selectWinner picks the branch index per strategy, or -1 when no branch
// produced a result. completed lists branch indexes in arrival order.
func (e *Executor) selectWinner(strategy Strategy, providers []string, results []*gateway.Result, completed []int) int {
	if len(completed) == 0 {
		return -1
	}

	successes := make([]int, 0, len(completed))
	for _, idx := range completed {
		if results[idx].Success {
			successes = append(successes, idx)
		}
	}
	if len(successes) == 0 {
		return completed[0] // first failure
	}

	switch strategy {
	case Fastest:
		return completed[0]
	case Consensus:
		byLen := make([]int, len(successes))
		copy(byLen, successes)
		sort.Slice(byLen, func(i, j int) bool {
			return len(results[byLen[i]].Text) < len(results[byLen[j]].Text)
		})
		return byLen[len(byLen)/2]
	case BestQuality:
		best, bestScore := successes[0], qualityScore(results[successes[0]])
		for _, idx := range successes[1:] {
			if s := qualityScore(results[idx]); s > bestScore {
				best, bestScore = idx, s
			}
		}
		return best
	default: // FirstSuccess, All
		return successes[0]
	}
}

// qualityScore ranks a successful response: longer and better-structured
// answers score higher, slow ones are penalised.
func qualityScore(res *gateway.Result) float64 {
	score := min(float64(len(res.Text))/1000, 5)

	if paragraphs := strings.Count(res.Text, "\n\n"); paragraphs > 0 {
		score += min(float64(paragraphs)*0.5, 2)
	}
	if strings.Contains(res.Text, "```") ||
		strings.Contains(res.Text, "\n- ") ||
		strings.Contains(res.Text, "\n1. ") ||
		strings.Contains(res.Text, "\n# ") {
		score += 1
	}

	return score - float64(res.Latency.Milliseconds())/10000
}
