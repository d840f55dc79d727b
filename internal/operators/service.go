package operators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/runtimefence/fence/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type Service struct {
	store  Store
	jwtCfg auth.Config
}

func NewService(store Store, jwtCfg auth.Config) *Service {
	return &Service{store: store, jwtCfg: jwtCfg}
}

func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return RegisterResult{}, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	op, err := s.store.Create(ctx, Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         RoleOperator,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return RegisterResult{}, err
	}

	return RegisterResult{ID: op.ID, Username: op.Username, Role: op.Role}, nil
}

// Login verifies the password and returns a signed JWT. Lookup misses and
// password mismatches both surface as ErrInvalidCredentials; callers get no
// hint which one happened.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	token, err := auth.GenerateToken(s.jwtCfg, op.ID, op.Username, op.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Operator, int64, error) {
	return s.store.List(ctx, limit, offset)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// EnsureAdmin creates the bootstrap admin account if it does not exist yet.
// Called at startup so a fresh deployment is administrable immediately.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := s.store.GetByUsername(ctx, username); err == nil {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = s.store.Create(ctx, Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         RoleAdmin,
		CreatedAt:    time.Now(),
	})
	return err
}
