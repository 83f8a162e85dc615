package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// CreateAPIKey inserts a new API key.
func (s *Store) CreateAPIKey(ctx context.Context, key *gateway.APIKey) error {
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, name, rpm_limit, disabled, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.Name, key.RPMLimit, boolToInt(key.Disabled),
		unixSec(created), unixSecPtr(key.LastUsedAt),
	)
	return err
}

// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, name, rpm_limit, disabled, created_at, last_used_at
		 FROM api_keys WHERE key_hash = ?`, hash)
	return scanAPIKey(row)
}

// ListAPIKeys returns all API keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_hash, name, rpm_limit, disabled, created_at, last_used_at
		 FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SetAPIKeyDisabled flips the disabled flag on a key.
func (s *Store) SetAPIKeyDisabled(ctx context.Context, id string, disabled bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET disabled = ? WHERE id = ?`, boolToInt(disabled), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchAPIKeyUsed stamps last_used_at for a key.
func (s *Store) TouchAPIKeyUsed(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, unixSec(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

func scanAPIKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var disabled int
	var createdAt float64
	var lastUsed sql.NullFloat64

	err := sc.Scan(&k.ID, &k.KeyHash, &k.Name, &k.RPMLimit, &disabled, &createdAt, &lastUsed)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Disabled = disabled != 0
	k.CreatedAt = fromUnixSec(createdAt)
	k.LastUsedAt = fromUnixSecPtr(lastUsed)
	return &k, nil
}
