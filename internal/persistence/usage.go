package persistence

import "context"

// UsageRow is the durable form of an ops.LedgerRow, keyed by (tier, model_id).
type UsageRow struct {
	Tier             string
	ModelID          string
	Calls            int
	Failures         int
	EstimatedCostUSD float64
	TokensIn         int
	TokensOut        int
}

// UpsertUsage overwrites the stored row for (row.Tier, row.ModelID) with
// the current cumulative counters. The Ops Telemetry aggregator keeps the
// authoritative counters in memory and calls this periodically (from the
// same cadence as its JSONL snapshot export) rather than on every Attempt,
// so the single SQLite connection never contends with the request hot path.
func (s *Store) UpsertUsage(row UsageRow) error {
	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO usage_ledger (tier, model_id, calls, failures, estimated_cost_usd, tokens_in, tokens_out, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(tier, model_id) DO UPDATE SET
				calls = excluded.calls,
				failures = excluded.failures,
				estimated_cost_usd = excluded.estimated_cost_usd,
				tokens_in = excluded.tokens_in,
				tokens_out = excluded.tokens_out,
				updated_at = CURRENT_TIMESTAMP;
		`, row.Tier, row.ModelID, row.Calls, row.Failures, row.EstimatedCostUSD, row.TokensIn, row.TokensOut)
		return err
	})
}

// LoadUsage returns every durable usage row, used to seed the Ops
// aggregator's in-memory ledger at process start so daily/monthly soft
// caps survive a restart.
func (s *Store) LoadUsage() ([]UsageRow, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, model_id, calls, failures, estimated_cost_usd, tokens_in, tokens_out FROM usage_ledger;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Tier, &r.ModelID, &r.Calls, &r.Failures, &r.EstimatedCostUSD, &r.TokensIn, &r.TokensOut); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
