package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

const providerCols = `name, transport, status, queue_depth, avg_latency_ms, success_rate,
	 last_check, last_error, enabled, priority, rpm_cap, timeout_s`

// UpdateProviderStatus upserts the health row for a provider.
func (s *Store) UpdateProviderStatus(ctx context.Context, info *gateway.ProviderInfo) error {
	var lastCheck sql.NullFloat64
	if !info.LastCheck.IsZero() {
		lastCheck = sql.NullFloat64{Float64: unixSec(info.LastCheck), Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_status (name, transport, status, queue_depth, avg_latency_ms,
		 success_rate, last_check, last_error, enabled, priority, rpm_cap, timeout_s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   transport = excluded.transport,
		   status = excluded.status,
		   queue_depth = excluded.queue_depth,
		   avg_latency_ms = excluded.avg_latency_ms,
		   success_rate = excluded.success_rate,
		   last_check = excluded.last_check,
		   last_error = excluded.last_error,
		   enabled = excluded.enabled,
		   priority = excluded.priority,
		   rpm_cap = excluded.rpm_cap,
		   timeout_s = excluded.timeout_s`,
		info.Name, string(info.Transport), string(info.Status), info.QueueDepth,
		info.AvgLatencyMs, info.SuccessRate, lastCheck, nullStr(info.LastError),
		boolToInt(info.Enabled), info.Priority, info.RPMCap, info.Timeout.Seconds(),
	)
	return err
}

// GetProviderStatus retrieves the health row for one provider.
func (s *Store) GetProviderStatus(ctx context.Context, name string) (*gateway.ProviderInfo, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM provider_status WHERE name = ?`, name)
	return scanProviderInfo(row)
}

// ListProviderStatuses returns all provider health rows ordered by priority.
func (s *Store) ListProviderStatuses(ctx context.Context) ([]*gateway.ProviderInfo, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerCols+` FROM provider_status ORDER BY priority DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProviderInfo
	for rows.Next() {
		info, err := scanProviderInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanProviderInfo(sc scanner) (*gateway.ProviderInfo, error) {
	var p gateway.ProviderInfo
	var transport, status string
	var lastCheck sql.NullFloat64
	var lastError sql.NullString
	var enabled int
	var timeoutS float64

	err := sc.Scan(&p.Name, &transport, &status, &p.QueueDepth, &p.AvgLatencyMs,
		&p.SuccessRate, &lastCheck, &lastError, &enabled, &p.Priority, &p.RPMCap, &timeoutS)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Transport = gateway.TransportKind(transport)
	p.Status = gateway.ProviderStatus(status)
	if lastCheck.Valid {
		p.LastCheck = fromUnixSec(lastCheck.Float64)
	}
	p.LastError = lastError.String
	p.Enabled = enabled != 0
	p.Timeout = time.Duration(timeoutS * float64(time.Second))
	return &p, nil
}
