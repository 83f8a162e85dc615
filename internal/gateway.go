// Package gateway defines domain types and interfaces for the Mithril AI
// provider gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Request lifecycle ---

// RequestState is the lifecycle state of a gateway request.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateProcessing RequestState = "processing"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateTimeout    RequestState = "timeout"
	StateCancelled  RequestState = "cancelled"
)

// Terminal reports whether the state is final. A request never leaves a
// terminal state.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a caller may cancel a request in this state.
func (s RequestState) Cancellable() bool {
	return s == StateQueued || s == StateProcessing
}

// Request is a single unit of work submitted to the gateway.
type Request struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	Message     string         `json:"message"`
	Priority    int            `json:"priority"`
	Timeout     time.Duration  `json:"timeout"`
	State       RequestState   `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Backend     string         `json:"backend,omitempty"` // transport kind that served it
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is the terminal outcome of a request. Exactly one Response row
// exists per terminal request; it is cascade-deleted with the request.
type Response struct {
	RequestID string         `json:"request_id"`
	Status    RequestState   `json:"status"`
	Text      string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Provider  string         `json:"provider"` // provider that actually served it
	LatencyMs int64          `json:"latency_ms"`
	Tokens    int            `json:"tokens,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	RawOutput string         `json:"raw_output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// --- Backend contract ---

// Result is the uniform outcome of a single backend execution.
type Result struct {
	Success   bool
	Text      string
	Err       error
	Latency   time.Duration
	Tokens    int
	Thinking  string
	RawOutput string
	Metadata  map[string]any
}

// Chunk is one element of a streamed response.
type Chunk struct {
	Content  string         `json:"content"`
	Index    int            `json:"chunk_index"`
	Final    bool           `json:"is_final"`
	Tokens   int            `json:"tokens,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Err      error          `json:"-"`
}

// --- Provider health ---

// TransportKind selects the backend implementation for a provider.
type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportCLI  TransportKind = "cli"
)

// ProviderStatus is the coarse health classification of a provider.
type ProviderStatus string

const (
	ProviderHealthy     ProviderStatus = "healthy"
	ProviderDegraded    ProviderStatus = "degraded"
	ProviderUnavailable ProviderStatus = "unavailable"
	ProviderUnknown     ProviderStatus = "unknown"
)

// ProviderInfo is the live health view of a configured provider. It is
// written by the dispatcher's health-check loop; request flow only feeds
// the rolling latency and success metrics.
type ProviderInfo struct {
	Name         string         `json:"name"`
	Transport    TransportKind  `json:"transport"`
	Status       ProviderStatus `json:"status"`
	QueueDepth   int            `json:"queue_depth"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	SuccessRate  float64        `json:"success_rate"`
	LastCheck    time.Time      `json:"last_check"`
	LastError    string         `json:"last_error,omitempty"`
	Enabled      bool           `json:"enabled"`
	Priority     int            `json:"priority"`
	RPMCap       int            `json:"rpm_cap,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
}

// --- Metrics and cache rows ---

// MetricEvent is one row of the append-only metrics table.
type MetricEvent struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	EventType string    `json:"event_type"`
	LatencyMs int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheEntry is a persisted fingerprint -> response mapping.
type CacheEntry struct {
	Key       string    `json:"key"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int64     `json:"hit_count"`
	LastHit   time.Time `json:"last_hit"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// --- Authentication ---

// APIKey is a caller credential stored in the api_keys table.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"` // SHA-256 hex, never exposed
	Name       string     `json:"name"`
	RPMLimit   int        `json:"rpm_limit,omitempty"` // 0 = use default
	Disabled   bool       `json:"disabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TokenCost is the per-1k-token price of a provider/model pair, used to
// annotate completed responses with an estimated cost.
type TokenCost struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	KeyID    string `json:"key_id,omitempty"`
	Name     string `json:"name,omitempty"`
	RPMLimit int    `json:"-"`        // per-key override, 0 = default
	Loopback bool   `json:"loopback"` // admitted via the loopback exemption
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
