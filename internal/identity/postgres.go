package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists identities and credentials. Per-identity mutual
// exclusion is still the Manager's job; this store only guarantees that each
// individual statement is atomic.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const identityColumns = `id, owner_ref, name, agent_type, status, permissions,
	issued_at, expires_at, revoked_at, revoked_by, revoke_reason`

func (s *PostgresStore) Create(ctx context.Context, ident AgentIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ident.ID, ident.OwnerRef, ident.Name, ident.AgentType, string(ident.Status),
		ident.Permissions, ident.IssuedAt, ident.ExpiresAt,
		ident.RevokedAt, ident.RevokedBy, ident.RevokeReason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*AgentIdentity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)

	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return ident, nil
}

func (s *PostgresStore) Update(ctx context.Context, ident AgentIdentity) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities
		SET status = $2, permissions = $3, expires_at = $4,
			revoked_at = $5, revoked_by = $6, revoke_reason = $7
		WHERE id = $1`,
		ident.ID, string(ident.Status), ident.Permissions, ident.ExpiresAt,
		ident.RevokedAt, ident.RevokedBy, ident.RevokeReason)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerRef string) ([]AgentIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE owner_ref = $1 ORDER BY issued_at ASC`, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("query identities by owner: %w", err)
	}
	defer rows.Close()

	return scanIdentities(rows)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]AgentIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE status = $1 ORDER BY issued_at ASC`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("query active identities: %w", err)
	}
	defer rows.Close()

	return scanIdentities(rows)
}

func (s *PostgresStore) SaveCredential(ctx context.Context, cred Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (identity_id, serial, certificate_pem, private_key_pem, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id) DO UPDATE
		SET serial = EXCLUDED.serial,
			certificate_pem = EXCLUDED.certificate_pem,
			private_key_pem = EXCLUDED.private_key_pem,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at`,
		cred.IdentityID, cred.Serial, cred.CertificatePEM, cred.PrivateKeyPEM,
		cred.IssuedAt, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) CurrentCredential(ctx context.Context, identityID string) (*Credential, error) {
	var cred Credential
	err := s.pool.QueryRow(ctx, `
		SELECT identity_id, serial, certificate_pem, private_key_pem, issued_at, expires_at
		FROM credentials WHERE identity_id = $1`, identityID).
		Scan(&cred.IdentityID, &cred.Serial, &cred.CertificatePEM, &cred.PrivateKeyPEM,
			&cred.IssuedAt, &cred.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, identityID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func scanIdentity(row pgx.Row) (*AgentIdentity, error) {
	var (
		ident     AgentIdentity
		status    string
		revokedAt *time.Time
	)
	err := row.Scan(&ident.ID, &ident.OwnerRef, &ident.Name, &ident.AgentType, &status,
		&ident.Permissions, &ident.IssuedAt, &ident.ExpiresAt,
		&revokedAt, &ident.RevokedBy, &ident.RevokeReason)
	if err != nil {
		return nil, err
	}
	ident.Status = Status(status)
	ident.RevokedAt = revokedAt
	return &ident, nil
}

func scanIdentities(rows pgx.Rows) ([]AgentIdentity, error) {
	var result []AgentIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		result = append(result, *ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return result, nil
}
