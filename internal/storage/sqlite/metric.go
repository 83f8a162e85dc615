package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// RecordMetrics inserts a batch of metric events in one statement.
func (s *Store) RecordMetrics(ctx context.Context, events []gateway.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO metrics (id, provider, event_type, latency_ms, success, error, timestamp) VALUES `)
	args := make([]any, 0, len(events)*7)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		args = append(args, e.ID, e.Provider, e.EventType, e.LatencyMs,
			boolToInt(e.Success), nullStr(e.Error), unixSec(ts))
	}

	_, err := s.write.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// GetProviderMetrics returns a provider's metric events within the window,
// newest first.
func (s *Store) GetProviderMetrics(ctx context.Context, provider string, window time.Duration) ([]gateway.MetricEvent, error) {
	cutoff := unixSec(time.Now().Add(-window))
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider, event_type, latency_ms, success, error, timestamp
		 FROM metrics WHERE provider = ? AND timestamp >= ?
		 ORDER BY timestamp DESC`, provider, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.MetricEvent
	for rows.Next() {
		var e gateway.MetricEvent
		var success int
		var errText sql.NullString
		var ts float64
		if err := rows.Scan(&e.ID, &e.Provider, &e.EventType, &e.LatencyMs,
			&success, &errText, &ts); err != nil {
			return nil, err
		}
		e.Success = success != 0
		e.Error = errText.String
		e.Timestamp = fromUnixSec(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupOldMetrics deletes metric rows older than age.
func (s *Store) CleanupOldMetrics(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := unixSec(time.Now().Add(-age))
	result, err := s.write.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
