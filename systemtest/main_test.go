package systemtest

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/runtimefence/fence/internal/api/http"
	"github.com/runtimefence/fence/internal/auth"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/broadcast"
	"github.com/runtimefence/fence/internal/db"
	"github.com/runtimefence/fence/internal/enroll"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/ledger"
	"github.com/runtimefence/fence/internal/operators"
	"github.com/runtimefence/fence/internal/profile"
	"github.com/runtimefence/fence/internal/validator"
	"github.com/runtimefence/fence/systemtest/postgres"
	"github.com/runtimefence/fence/systemtest/tests"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "systemtest-secret"
	apiKey        = "systemtest-agent-key"
	adminUser     = "root"
	adminPassword = "systemtest-admin-password"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "fence", "fence", "fence")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, postgres.TerminatePostgres(context.Background(), container))
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL, ""))
	pool, err := db.InitDB(ctx, dbURL, "")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	audit, err := ledger.New(ctx, ledger.NewPostgresStore(pool))
	require.NoError(t, err)

	issuer, err := identity.NewIssuer()
	require.NoError(t, err)

	identities := identity.NewManager(identity.DefaultConfig(), identity.NewPostgresStore(pool), issuer, audit, broadcast.NewChannel())

	kill := func(ctx context.Context, identityID, reason string) error {
		_, err := identities.Revoke(ctx, identityID, "fence-system", reason, true)
		return err
	}
	circuits, err := breaker.NewPersistentManager(ctx, breaker.DefaultConfig(), func(identityID, reason string) {
		_ = kill(context.Background(), identityID, reason)
	}, breaker.NewPostgresBackend(pool))
	require.NoError(t, err)

	profiles, err := profile.NewPersistentStore(ctx, profile.NewPostgresBackend(pool))
	require.NoError(t, err)

	validatorSvc := validator.NewService(validator.DefaultConfig(), identities, profiles, circuits, audit, kill)

	operatorSvc := operators.NewService(operators.NewPostgresStore(pool), auth.Config{
		Secret:   jwtSecret,
		Issuer:   "fence",
		TokenTTL: time.Hour,
	})
	require.NoError(t, operatorSvc.EnsureAdmin(ctx, adminUser, adminPassword))

	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{JWTSecret: jwtSecret, AgentAPIKey: apiKey}, &internalhttp.Services{
		Validator:  validatorSvc,
		Identities: identities,
		Circuits:   circuits,
		Profiles:   profiles,
		Audit:      audit,
		Operators:  operatorSvc,
		EnrollKeys: enroll.NewKeyStore(time.Hour),
	})

	t.Run("OperatorRegister", func(t *testing.T) { tests.TestOperatorRegister(t, engine, jwtSecret) })
	t.Run("OperatorLogin", func(t *testing.T) { tests.TestOperatorLogin(t, engine, jwtSecret) })
	t.Run("IdentityLifecycle", func(t *testing.T) { tests.TestIdentityLifecycle(t, engine) })
	t.Run("Enrollment", func(t *testing.T) { tests.TestEnrollment(t, engine) })
	t.Run("AuditChain", func(t *testing.T) { tests.TestAuditChain(t, engine, adminUser, adminPassword) })

	t.Run("LedgerResumesFromStore", func(t *testing.T) {
		reopened, err := ledger.New(ctx, ledger.NewPostgresStore(pool))
		require.NoError(t, err)

		entry, err := reopened.Append(ctx, ledger.AppendInput{
			EventType: ledger.EventCorrection,
			Outcome:   "noted",
			Details:   map[string]string{"note": "post-restart append"},
		})
		require.NoError(t, err)

		result, err := reopened.VerifyIntegrity(ctx, 1, entry.Sequence)
		require.NoError(t, err)
		require.True(t, result.Valid)
	})
}
