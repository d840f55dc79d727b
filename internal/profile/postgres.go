package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists profile aggregates in the behavioral_profiles
// table, one row per identity, upserted on every update.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Save(ctx context.Context, agg Aggregate) error {
	targetCounts, err := json.Marshal(agg.TargetCounts)
	if err != nil {
		return fmt.Errorf("marshal target counts: %w", err)
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO behavioral_profiles
			(identity_id, total_actions, blocked_actions, total_risk_score,
			 total_spent, amount_sum, amount_count, target_counts,
			 last_action, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (identity_id) DO UPDATE SET
			total_actions = EXCLUDED.total_actions,
			blocked_actions = EXCLUDED.blocked_actions,
			total_risk_score = EXCLUDED.total_risk_score,
			total_spent = EXCLUDED.total_spent,
			amount_sum = EXCLUDED.amount_sum,
			amount_count = EXCLUDED.amount_count,
			target_counts = EXCLUDED.target_counts,
			last_action = EXCLUDED.last_action,
			last_updated = EXCLUDED.last_updated`,
		agg.IdentityID, agg.TotalActions, agg.BlockedActions, agg.TotalRiskScore,
		agg.TotalSpent, agg.AmountSum, agg.AmountCount, targetCounts,
		agg.LastAction, agg.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert behavioral profile: %w", err)
	}
	return nil
}

func (b *PostgresBackend) LoadAll(ctx context.Context) ([]Aggregate, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT identity_id, total_actions, blocked_actions, total_risk_score,
		       total_spent, amount_sum, amount_count, target_counts,
		       last_action, last_updated
		FROM behavioral_profiles`)
	if err != nil {
		return nil, fmt.Errorf("query behavioral profiles: %w", err)
	}
	defer rows.Close()

	var aggs []Aggregate
	for rows.Next() {
		var (
			agg          Aggregate
			targetCounts []byte
		)
		if err := rows.Scan(&agg.IdentityID, &agg.TotalActions, &agg.BlockedActions,
			&agg.TotalRiskScore, &agg.TotalSpent, &agg.AmountSum, &agg.AmountCount,
			&targetCounts, &agg.LastAction, &agg.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan behavioral profile: %w", err)
		}
		if len(targetCounts) > 0 {
			if err := json.Unmarshal(targetCounts, &agg.TargetCounts); err != nil {
				return nil, fmt.Errorf("unmarshal target counts: %w", err)
			}
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate behavioral profiles: %w", err)
	}
	return aggs, nil
}
