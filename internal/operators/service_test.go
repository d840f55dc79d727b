package operators

import (
	"context"
	"testing"
	"time"

	"github.com/runtimefence/fence/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), auth.Config{
		Secret:   "test-secret",
		Issuer:   "fence",
		TokenTTL: time.Hour,
	})
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", reg.Username)
	assert.Equal(t, RoleOperator, reg.Role)

	token, err := svc.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)

	claims, err := auth.ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrUsernameExists)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, err = auth.ValidateToken("other-secret", token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx, "root", "changeme"))
	require.NoError(t, svc.EnsureAdmin(ctx, "root", "changeme"))

	ops, total, err := svc.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, RoleAdmin, ops[0].Role)
}
