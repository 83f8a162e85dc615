package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

const requestCols = `id, provider, message, priority, timeout_s, state, backend, metadata,
	 created_at, started_at, completed_at`

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, r *gateway.Request) error {
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return err
	}
	state := r.State
	if state == "" {
		state = gateway.StateQueued
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO requests (id, provider, message, priority, timeout_s, state, backend, metadata,
		 created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Message, r.Priority, r.Timeout.Seconds(), string(state),
		nullStr(r.Backend), meta, unixSec(r.CreatedAt),
		unixSecPtr(r.StartedAt), unixSecPtr(r.CompletedAt),
	)
	return err
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.Request, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// UpdateStatus transitions a request to the given state. started_at is
// stamped on the queued -> processing edge; completed_at on any terminal
// edge. Requests already in a terminal state are never modified.
func (s *Store) UpdateStatus(ctx context.Context, id string, state gateway.RequestState, backendKind string) error {
	now := unixSec(time.Now())

	var result sql.Result
	var err error
	switch {
	case state == gateway.StateProcessing:
		result, err = s.write.ExecContext(ctx,
			`UPDATE requests SET state = ?, backend = COALESCE(NULLIF(?, ''), backend),
			 started_at = COALESCE(started_at, ?)
			 WHERE id = ? AND state = 'queued'`,
			string(state), backendKind, now, id)
	case state.Terminal():
		result, err = s.write.ExecContext(ctx,
			`UPDATE requests SET state = ?, backend = COALESCE(NULLIF(?, ''), backend),
			 completed_at = ?
			 WHERE id = ? AND state IN ('queued', 'processing')`,
			string(state), backendKind, now, id)
	default:
		return fmt.Errorf("update status to %q: %w", state, gateway.ErrBadRequest)
	}
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already-terminal.
		if _, err := s.GetRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("request %s: %w", id, gateway.ErrConflict)
	}
	return nil
}

// ListRequests returns requests matching the filter.
func (s *Store) ListRequests(ctx context.Context, f storage.RequestFilter) ([]*gateway.Request, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}

	q := `SELECT ` + requestCols + ` FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Desc {
		q += " ORDER BY created_at DESC"
	} else {
		q += " ORDER BY created_at ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// GetPending returns queued requests in priority order for startup replay.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*gateway.Request, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE state = 'queued'
		 ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// CancelRequest marks a queued or processing request cancelled.
func (s *Store) CancelRequest(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE requests SET state = 'cancelled', completed_at = ?
		 WHERE id = ? AND state IN ('queued', 'processing')`,
		unixSec(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("request %s: %w", id, gateway.ErrNotCancellable)
	}
	return nil
}

// CleanupOldRequests deletes terminal requests older than age. Responses
// go with them via the cascade.
func (s *Store) CleanupOldRequests(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := unixSec(time.Now().Add(-age))
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM requests
		 WHERE state IN ('completed', 'failed', 'timeout', 'cancelled') AND created_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequest(sc scanner) (*gateway.Request, error) {
	var r gateway.Request
	var state, backend sql.NullString
	var meta sql.NullString
	var timeoutS, createdAt float64
	var startedAt, completedAt sql.NullFloat64

	err := sc.Scan(
		&r.ID, &r.Provider, &r.Message, &r.Priority, &timeoutS, &state, &backend, &meta,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.State = gateway.RequestState(state.String)
	r.Backend = backend.String
	r.Timeout = time.Duration(timeoutS * float64(time.Second))
	r.CreatedAt = fromUnixSec(createdAt)
	r.StartedAt = fromUnixSecPtr(startedAt)
	r.CompletedAt = fromUnixSecPtr(completedAt)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, err
	}
	r.Metadata = m
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]*gateway.Request, error) {
	var out []*gateway.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
