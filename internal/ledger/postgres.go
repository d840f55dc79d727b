package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists audit entries in the audit_entries table. The chain
// fields (sequence, previous_hash, hash) are written exactly as the Ledger
// committed them; the store never recomputes anything.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(sequence, event_id, event_type, identity_id, outcome, details, timestamp, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(entry.Sequence), entry.EventID, string(entry.EventType), entry.IdentityID,
		entry.Outcome, entry.Details, entry.Timestamp, entry.PreviousHash, entry.Hash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context) (*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, event_id, event_type, identity_id, outcome, details, timestamp, previous_hash, hash
		FROM audit_entries
		ORDER BY sequence DESC
		LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query ledger head: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	query := `
		SELECT sequence, event_id, event_type, identity_id, outcome, details, timestamp, previous_hash, hash
		FROM audit_entries
		WHERE sequence >= $1`
	args := []any{int64(from)}
	if to != 0 {
		query += " AND sequence <= $2"
		args = append(args, int64(to))
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Entry, int, error) {
	where, args := buildFilter(filter)

	var total int
	countQuery := "SELECT count(*) FROM audit_entries" + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := `
		SELECT sequence, event_id, event_type, identity_id, outcome, details, timestamp, previous_hash, hash
		FROM audit_entries` + where + " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func buildFilter(filter Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.IdentityID != "" {
		add("identity_id = $%d", filter.IdentityID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.Outcome != "" {
		add("outcome = $%d", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= $%d", filter.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows pgxRows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			sequence  int64
			eventType string
			timestamp time.Time
		)
		if err := rows.Scan(&sequence, &entry.EventID, &eventType, &entry.IdentityID,
			&entry.Outcome, &entry.Details, &timestamp, &entry.PreviousHash, &entry.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Sequence = uint64(sequence)
		entry.EventType = EventType(eventType)
		entry.Timestamp = timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
