package breaker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists circuit snapshots in the circuit_states table,
// one row per identity, upserted on every transition.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Save(ctx context.Context, st State) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO circuit_states
			(identity_id, state, consecutive_failures, total_requests,
			 failed_requests, unauthorized_attempts, rate_limit_violations,
			 anomaly_score, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_requests = EXCLUDED.total_requests,
			failed_requests = EXCLUDED.failed_requests,
			unauthorized_attempts = EXCLUDED.unauthorized_attempts,
			rate_limit_violations = EXCLUDED.rate_limit_violations,
			anomaly_score = EXCLUDED.anomaly_score,
			opened_at = EXCLUDED.opened_at`,
		st.IdentityID, string(st.State), st.ConsecutiveFailures, st.TotalRequests,
		st.FailedRequests, st.UnauthorizedAttempts, st.RateLimitViolations,
		st.AnomalyScore, st.OpenedAt)
	if err != nil {
		return fmt.Errorf("upsert circuit state: %w", err)
	}
	return nil
}

func (b *PostgresBackend) LoadAll(ctx context.Context) ([]State, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT identity_id, state, consecutive_failures, total_requests,
		       failed_requests, unauthorized_attempts, rate_limit_violations,
		       anomaly_score, opened_at
		FROM circuit_states`)
	if err != nil {
		return nil, fmt.Errorf("query circuit states: %w", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		var (
			st        State
			stateName string
		)
		if err := rows.Scan(&st.IdentityID, &stateName, &st.ConsecutiveFailures,
			&st.TotalRequests, &st.FailedRequests, &st.UnauthorizedAttempts,
			&st.RateLimitViolations, &st.AnomalyScore, &st.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan circuit state: %w", err)
		}
		st.State = CircuitState(stateName)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate circuit states: %w", err)
	}
	return states, nil
}
