package sqlite

import (
	"context"

	gateway "github.com/eugener/mithril/internal"
)

// GetTokenCost retrieves the pricing row for a provider/model pair. When no
// model-specific row exists, the provider's catch-all row (model = '') is
// tried before reporting not found.
func (s *Store) GetTokenCost(ctx context.Context, provider, model string) (*gateway.TokenCost, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT provider, model, input_per_1k, output_per_1k FROM token_costs
		 WHERE provider = ? AND model IN (?, '')
		 ORDER BY model DESC LIMIT 1`, provider, model)

	var tc gateway.TokenCost
	if err := row.Scan(&tc.Provider, &tc.Model, &tc.InputPer1K, &tc.OutputPer1K); err != nil {
		return nil, notFoundErr(err)
	}
	return &tc, nil
}

// UpsertTokenCost inserts or updates a pricing row.
func (s *Store) UpsertTokenCost(ctx context.Context, tc *gateway.TokenCost) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO token_costs (provider, model, input_per_1k, output_per_1k)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider, model) DO UPDATE SET
		   input_per_1k = excluded.input_per_1k,
		   output_per_1k = excluded.output_per_1k`,
		tc.Provider, tc.Model, tc.InputPer1K, tc.OutputPer1K)
	return err
}
