package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// SaveResponse inserts or replaces the response row for a request.
func (s *Store) SaveResponse(ctx context.Context, resp *gateway.Response) error {
	meta, err := marshalMeta(resp.Metadata)
	if err != nil {
		return err
	}
	created := resp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses
		 (request_id, status, response, error, provider, latency_ms, tokens, thinking, raw_output, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.RequestID, string(resp.Status), nullStr(resp.Text), nullStr(resp.Error),
		resp.Provider, resp.LatencyMs, resp.Tokens,
		nullStr(resp.Thinking), nullStr(resp.RawOutput), meta, unixSec(created),
	)
	return err
}

// GetResponse retrieves the response for a request.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*gateway.Response, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, status, response, error, provider, latency_ms, tokens,
		 thinking, raw_output, metadata, created_at
		 FROM responses WHERE request_id = ?`, requestID)

	var r gateway.Response
	var status string
	var text, errText, thinking, raw, meta sql.NullString
	var tokens sql.NullInt64
	var createdAt float64

	err := row.Scan(&r.RequestID, &status, &text, &errText, &r.Provider,
		&r.LatencyMs, &tokens, &thinking, &raw, &meta, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Status = gateway.RequestState(status)
	r.Text = text.String
	r.Error = errText.String
	r.Thinking = thinking.String
	r.RawOutput = raw.String
	r.Tokens = int(tokens.Int64)
	r.CreatedAt = fromUnixSec(createdAt)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, err
	}
	r.Metadata = m
	return &r, nil
}
