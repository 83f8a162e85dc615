package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// GetCacheEntry retrieves a cache row by key. Expiry is the caller's concern.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*gateway.CacheEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key, provider, model, response, tokens, created_at, expires_at, hit_count, last_hit
		 FROM response_cache WHERE key = ?`, key)

	var e gateway.CacheEntry
	var model sql.NullString
	var createdAt, expiresAt, lastHit float64

	err := row.Scan(&e.Key, &e.Provider, &model, &e.Text, &e.Tokens,
		&createdAt, &expiresAt, &e.HitCount, &lastHit)
	if err != nil {
		return nil, notFoundErr(err)
	}

	e.Model = model.String
	e.CreatedAt = fromUnixSec(createdAt)
	e.ExpiresAt = fromUnixSec(expiresAt)
	if lastHit > 0 {
		e.LastHit = fromUnixSec(lastHit)
	}
	return &e, nil
}

// PutCacheEntry inserts or overwrites a cache row.
func (s *Store) PutCacheEntry(ctx context.Context, e *gateway.CacheEntry) error {
	var lastHit float64
	if !e.LastHit.IsZero() {
		lastHit = unixSec(e.LastHit)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO response_cache
		 (key, provider, model, response, tokens, created_at, expires_at, hit_count, last_hit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Provider, nullStr(e.Model), e.Text, e.Tokens,
		unixSec(e.CreatedAt), unixSec(e.ExpiresAt), e.HitCount, lastHit,
	)
	return err
}

// TouchCacheEntry increments the hit counter and stamps last_hit.
func (s *Store) TouchCacheEntry(ctx context.Context, key string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE response_cache SET hit_count = hit_count + 1, last_hit = ? WHERE key = ?`,
		unixSec(time.Now()), key)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "cache entry")
}

// DeleteCacheEntry removes a single cache row.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key)
	return err
}

// ClearCache removes all entries, or only one provider's when provider is
// non-empty.
func (s *Store) ClearCache(ctx context.Context, provider string) (int64, error) {
	var result sql.Result
	var err error
	if provider == "" {
		result, err = s.write.ExecContext(ctx, `DELETE FROM response_cache`)
	} else {
		result, err = s.write.ExecContext(ctx, `DELETE FROM response_cache WHERE provider = ?`, provider)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CleanupExpiredCache removes rows past their expiry.
func (s *Store) CleanupExpiredCache(ctx context.Context) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at < ?`, unixSec(time.Now()))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountCacheEntries returns the number of cache rows.
func (s *Store) CountCacheEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&n)
	return n, err
}

// EvictOldestCache removes the n oldest rows by created_at.
func (s *Store) EvictOldestCache(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM response_cache WHERE key IN
		 (SELECT key FROM response_cache ORDER BY created_at ASC LIMIT ?)`, n)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetCacheStats summarizes the cache table.
func (s *Store) GetCacheStats(ctx context.Context) (*storage.CacheStats, error) {
	var stats storage.CacheStats
	var oldest, newest, avgLeft sql.NullFloat64
	now := unixSec(time.Now())

	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(LENGTH(response)), 0),
		        COALESCE(SUM(hit_count), 0),
		        MIN(created_at), MAX(created_at),
		        AVG(MAX(expires_at - ?, 0))
		 FROM response_cache`, now,
	).Scan(&stats.Entries, &stats.SizeBytes, &stats.TotalHits, &oldest, &newest, &avgLeft)
	if err != nil {
		return nil, err
	}

	if oldest.Valid {
		stats.Oldest = fromUnixSec(oldest.Float64)
	}
	if newest.Valid {
		stats.Newest = fromUnixSec(newest.Float64)
	}
	if avgLeft.Valid {
		stats.AvgTTLLeft = time.Duration(avgLeft.Float64 * float64(time.Second))
	}
	return &stats, nil
}
