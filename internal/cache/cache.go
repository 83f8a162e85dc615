// Package cache implements the response cache: a normalised-fingerprint key
// scheme over a W-TinyLFU in-memory hot tier (otter) and the persistent
// cache table.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/storage"
)

// Store is the persistence surface the cache manager depends on.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (*gateway.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *gateway.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntry(ctx context.Context, key string) error
	ClearCache(ctx context.Context, provider string) (int64, error)
	CleanupExpiredCache(ctx context.Context) (int64, error)
	CountCacheEntries(ctx context.Context) (int64, error)
	EvictOldestCache(ctx context.Context, n int64) (int64, error)
	GetCacheStats(ctx context.Context) (*storage.CacheStats, error)
}

// entry wraps a hot-tier value with its expiration time.
type entry struct {
	text      string
	tokens    int
	expiresAt time.Time
}

// Stats is the cache view returned by the stats endpoint.
type Stats struct {
	storage.CacheStats
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Manager is the response cache. Reads go through the hot tier first; the
// persistent tier survives restarts.
type Manager struct {
	cfg   config.CacheConfig
	store Store
	hot   *otter.Cache[string, entry]

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Manager. The hot tier is sized to the configured max
// entries.
func New(cfg config.CacheConfig, store Store) (*Manager, error) {
	hot, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      cfg.MaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](cfg.DefaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Manager{cfg: cfg, store: store, hot: hot}, nil
}

// Fingerprint returns the 16-character hex digest of the normalised message.
func Fingerprint(message string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(message))))
	return hex.EncodeToString(h[:])[:16]
}

// Key composes the cache key: provider[:model]:fingerprint.
func Key(provider, model, message string) string {
	if model != "" {
		return provider + ":" + model + ":" + Fingerprint(message)
	}
	return provider + ":" + Fingerprint(message)
}

// Get looks up a cached response. Negative-pattern messages always miss;
// expired entries are deleted on access. A hit bumps the persistent hit
// counter.
func (m *Manager) Get(ctx context.Context, provider, model, message string) (*gateway.CacheEntry, bool) {
	if !m.cfg.Enabled || m.matchesNegative(message) {
		return nil, false
	}
	key := Key(provider, model, message)
	now := time.Now()

	if e, ok := m.hot.GetIfPresent(key); ok {
		if now.After(e.expiresAt) {
			m.hot.Invalidate(key)
		} else {
			m.hits.Add(1)
			m.touch(ctx, key)
			return &gateway.CacheEntry{
				Key: key, Provider: provider, Model: model,
				Text: e.text, Tokens: e.tokens, ExpiresAt: e.expiresAt,
			}, true
		}
	}

	ce, err := m.store.GetCacheEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		m.misses.Add(1)
		return nil, false
	}
	if ce.Expired(now) {
		if err := m.store.DeleteCacheEntry(ctx, key); err != nil {
			slog.Warn("cache expiry delete failed", "key", key, "error", err)
		}
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	m.touch(ctx, key)
	m.hot.Set(key, entry{text: ce.Text, tokens: ce.Tokens, expiresAt: ce.ExpiresAt})
	return ce, true
}

// Put stores a response. Skipped when disabled, for negative-pattern
// messages, and for responses shorter than the configured minimum. ttl 0
// resolves to the per-provider TTL, then the default.
func (m *Manager) Put(ctx context.Context, provider, model, message, text string, tokens int, ttl time.Duration) bool {
	if !m.cfg.Enabled || m.matchesNegative(message) {
		return false
	}
	if len(text) < m.cfg.MinResponseLength {
		return false
	}

	if ttl <= 0 {
		if pttl, ok := m.cfg.ProviderTTL[provider]; ok {
			ttl = pttl
		} else {
			ttl = m.cfg.DefaultTTL
		}
	}

	key := Key(provider, model, message)
	now := time.Now()
	ce := &gateway.CacheEntry{
		Key:       key,
		Provider:  provider,
		Model:     model,
		Text:      text,
		Tokens:    tokens,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.PutCacheEntry(ctx, ce); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
		return false
	}
	m.hot.Set(key, entry{text: text, tokens: tokens, expiresAt: ce.ExpiresAt})
	return true
}

// Invalidate removes one entry from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.hot.Invalidate(key)
	return m.store.DeleteCacheEntry(ctx, key)
}

// Clear removes all entries, or one provider's when provider is non-empty.
// The hot tier is dropped wholesale either way; it refills from the
// persistent tier.
func (m *Manager) Clear(ctx context.Context, provider string) (int64, error) {
	m.hot.InvalidateAll()
	return m.store.ClearCache(ctx, provider)
}

// CleanupExpired removes expired rows from the persistent tier.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.CleanupExpiredCache(ctx)
}

// EnforceMaxEntries evicts the oldest rows when the persistent tier exceeds
// the configured cap.
func (m *Manager) EnforceMaxEntries(ctx context.Context) (int64, error) {
	count, err := m.store.CountCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	excess := count - int64(m.cfg.MaxEntries)
	if excess <= 0 {
		return 0, nil
	}
	return m.store.EvictOldestCache(ctx, excess)
}

// Stats returns persistent-tier statistics plus the process-local hit rate.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	cs, err := m.store.GetCacheStats(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{CacheStats: *cs, Hits: m.hits.Load(), Misses: m.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

func (m *Manager) matchesNegative(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range m.cfg.NoCachePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (m *Manager) touch(ctx context.Context, key string) {
	if err := m.store.TouchCacheEntry(ctx, key); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		slog.Warn("cache touch failed", "key", key, "error", err)
	}
}
