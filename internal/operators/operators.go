// Package operators manages the human accounts that administer the fence:
// registration, login, and role checks. Operators are distinct from agent
// identities; an operator owns agents, an agent never owns anything.
package operators

import (
	"context"
	"errors"
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

var (
	ErrNotFound           = errors.New("operator not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Store persists operator accounts. Implementations must treat username as a
// unique key and return ErrUsernameExists on collision.
type Store interface {
	Create(ctx context.Context, op Operator) (Operator, error)
	GetByUsername(ctx context.Context, username string) (Operator, error)
	GetByID(ctx context.Context, id string) (Operator, error)
	List(ctx context.Context, limit, offset int) ([]Operator, int64, error)
	Delete(ctx context.Context, id string) error
}
