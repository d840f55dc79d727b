package operators

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, op Operator) (Operator, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO operators (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		op.ID, op.Username, op.PasswordHash, op.Role, op.CreatedAt).
		Scan(&op.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Operator{}, ErrUsernameExists
		}
		return Operator{}, fmt.Errorf("insert operator: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (Operator, error) {
	return s.getBy(ctx, "username", username)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Operator, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (Operator, error) {
	var op Operator
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM operators WHERE `+column+` = $1`, value).
		Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("query operator: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]Operator, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM operators`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operators: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM operators ORDER BY created_at ASC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var result []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan operator: %w", err)
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate operators: %w", err)
	}
	return result, total, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
