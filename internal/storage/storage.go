// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// RequestFilter narrows ListRequests results.
type RequestFilter struct {
	State    gateway.RequestState // empty = all
	Provider string               // empty = all
	Limit    int
	Offset   int
	Desc     bool // newest first when true
}

// CacheStats summarizes the persistent response cache.
type CacheStats struct {
	Entries    int64         `json:"entries"`
	SizeBytes  int64         `json:"size_bytes"`
	TotalHits  int64         `json:"total_hits"`
	Oldest     time.Time     `json:"oldest,omitzero"`
	Newest     time.Time     `json:"newest,omitzero"`
	AvgTTLLeft time.Duration `json:"avg_ttl_left_ns,omitempty"`
}

// RequestStore manages request persistence.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *gateway.Request) error
	GetRequest(ctx context.Context, id string) (*gateway.Request, error)
	// UpdateStatus transitions a request to the given state, stamping
	// started_at / completed_at as appropriate. Transitions out of a
	// terminal state are rejected with gateway.ErrConflict.
	UpdateStatus(ctx context.Context, id string, state gateway.RequestState, backendKind string) error
	ListRequests(ctx context.Context, f RequestFilter) ([]*gateway.Request, error)
	// GetPending returns queued requests in priority order (ties by
	// created_at), used to replay the queue on startup.
	GetPending(ctx context.Context, limit int) ([]*gateway.Request, error)
	// CancelRequest marks a queued or processing request cancelled.
	// Returns gateway.ErrNotCancellable for terminal requests.
	CancelRequest(ctx context.Context, id string) error
	CleanupOldRequests(ctx context.Context, age time.Duration) (int64, error)
}

// ResponseStore manages response persistence.
type ResponseStore interface {
	SaveResponse(ctx context.Context, resp *gateway.Response) error
	GetResponse(ctx context.Context, requestID string) (*gateway.Response, error)
}

// ProviderStatusStore persists the live provider health view.
type ProviderStatusStore interface {
	UpdateProviderStatus(ctx context.Context, info *gateway.ProviderInfo) error
	GetProviderStatus(ctx context.Context, name string) (*gateway.ProviderInfo, error)
	ListProviderStatuses(ctx context.Context) ([]*gateway.ProviderInfo, error)
}

// MetricStore manages the append-only metrics table.
type MetricStore interface {
	RecordMetrics(ctx context.Context, events []gateway.MetricEvent) error
	GetProviderMetrics(ctx context.Context, provider string, window time.Duration) ([]gateway.MetricEvent, error)
	CleanupOldMetrics(ctx context.Context, age time.Duration) (int64, error)
}

// CacheStore is the persistent tier of the response cache.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, key string) (*gateway.CacheEntry, error)
	// PutCacheEntry inserts or overwrites an entry.
	PutCacheEntry(ctx context.Context, e *gateway.CacheEntry) error
	// TouchCacheEntry increments hit_count and stamps last_hit.
	TouchCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntry(ctx context.Context, key string) error
	// ClearCache removes all entries, or only one provider's when non-empty.
	ClearCache(ctx context.Context, provider string) (int64, error)
	CleanupExpiredCache(ctx context.Context) (int64, error)
	CountCacheEntries(ctx context.Context) (int64, error)
	// EvictOldestCache removes the n oldest entries by created_at.
	EvictOldestCache(ctx context.Context, n int64) (int64, error)
	GetCacheStats(ctx context.Context) (*CacheStats, error)
}

// APIKeyStore manages caller credentials.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *gateway.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*gateway.APIKey, error)
	SetAPIKeyDisabled(ctx context.Context, id string, disabled bool) error
	TouchAPIKeyUsed(ctx context.Context, id string) error
}

// TokenCostStore manages per-model pricing.
type TokenCostStore interface {
	GetTokenCost(ctx context.Context, provider, model string) (*gateway.TokenCost, error)
	UpsertTokenCost(ctx context.Context, tc *gateway.TokenCost) error
}

// Store combines all storage interfaces.
type Store interface {
	RequestStore
	ResponseStore
	ProviderStatusStore
	MetricStore
	CacheStore
	APIKeyStore
	TokenCostStore
	Ping(ctx context.Context) error
	Close() error
}
