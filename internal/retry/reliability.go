package retry

import (
	"math"
	"sync"
	"time"
)

// TrackerConfig tunes the health thresholds.
type TrackerConfig struct {
	// MinReliability is the score below which a provider is skipped during
	// fallback selection.
	MinReliability float64
	// ReauthFailures is the auth-failure count at which the provider is
	// flagged as needing re-authentication.
	ReauthFailures int
}

// Tracker keeps rolling per-provider reliability counters. A single lock
// guards the counter map; all operations are short.
type Tracker struct {
	cfg TrackerConfig

	mu     sync.Mutex
	scores map[string]*score
}

type score struct {
	successes    int
	failures     int
	timeouts     int
	authFailures int
	lastSuccess  time.Time
	lastFailure  time.Time
}

// Snapshot is a read-only view of one provider's counters.
type Snapshot struct {
	Provider     string    `json:"provider"`
	Successes    int       `json:"successes"`
	Failures     int       `json:"failures"`
	Timeouts     int       `json:"timeouts"`
	AuthFailures int       `json:"auth_failures"`
	Reliability  float64   `json:"reliability"`
	NeedsReauth  bool      `json:"needs_reauth"`
	Healthy      bool      `json:"healthy"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
}

// NewTracker creates a Tracker with the given thresholds.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MinReliability <= 0 {
		cfg.MinReliability = 0.3
	}
	if cfg.ReauthFailures <= 0 {
		cfg.ReauthFailures = 3
	}
	return &Tracker{cfg: cfg, scores: make(map[string]*score)}
}

// RecordSuccess notes a successful execution. Auth-failure counters reset:
// a success proves the credentials work.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	s := t.score(provider)
	s.successes++
	s.authFailures = 0
	s.lastSuccess = time.Now()
	t.mu.Unlock()
}

// RecordFailure notes a failed execution of the given kind.
func (t *Tracker) RecordFailure(provider string, kind ErrorKind) {
	t.mu.Lock()
	s := t.score(provider)
	s.failures++
	s.lastFailure = time.Now()
	switch kind {
	case KindAuth:
		s.authFailures++
	case KindTransient:
		// Deadline failures are the common transient case worth counting
		// separately for diagnostics.
		s.timeouts++
	}
	t.mu.Unlock()
}

// Reliability returns the provider's rolling score in [0, 1]:
// 0.7·success-rate + 0.3·(1 − min(auth-failures·0.1, 0.3)).
// A provider with no history scores as fully reliable.
func (t *Tracker) Reliability(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score(provider).reliability()
}

// IsHealthy reports whether the provider passes the fallback filter.
func (t *Tracker) IsHealthy(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.score(provider)
	return s.reliability() >= t.cfg.MinReliability && s.authFailures < t.cfg.ReauthFailures
}

// NeedsReauth reports whether the provider has hit the auth-failure
// threshold.
func (t *Tracker) NeedsReauth(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score(provider).authFailures >= t.cfg.ReauthFailures
}

// Snapshots returns a view of every tracked provider.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.scores))
	for name, s := range t.scores {
		out = append(out, Snapshot{
			Provider:     name,
			Successes:    s.successes,
			Failures:     s.failures,
			Timeouts:     s.timeouts,
			AuthFailures: s.authFailures,
			Reliability:  s.reliability(),
			NeedsReauth:  s.authFailures >= t.cfg.ReauthFailures,
			Healthy:      s.reliability() >= t.cfg.MinReliability && s.authFailures < t.cfg.ReauthFailures,
			LastSuccess:  s.lastSuccess,
			LastFailure:  s.lastFailure,
		})
	}
	return out
}

// score returns the entry for provider, creating it on first use.
// Caller holds t.mu.
func (t *Tracker) score(provider string) *score {
	s, ok := t.scores[provider]
	if !ok {
		s = &score{}
		t.scores[provider] = s
	}
	return s
}

func (s *score) reliability() float64 {
	rate := 1.0
	if total := s.successes + s.failures; total > 0 {
		rate = float64(s.successes) / float64(total)
	}
	penalty := math.Min(float64(s.authFailures)*0.1, 0.3)
	return 0.7*rate + 0.3*(1-penalty)
}
