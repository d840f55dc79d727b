package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/auth"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/broadcast"
	"github.com/runtimefence/fence/internal/enroll"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/ledger"
	"github.com/runtimefence/fence/internal/operators"
	"github.com/runtimefence/fence/internal/profile"
	"github.com/runtimefence/fence/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testJWTSecret = "test-secret"
	testAPIKey    = "agent-key"
)

func setupServer(t *testing.T) *gin.Engine {
	t.Helper()
	ctx := context.Background()

	audit, err := ledger.New(ctx, ledger.NewMemoryStore())
	require.NoError(t, err)
	issuer, err := identity.NewIssuer()
	require.NoError(t, err)

	identities := identity.NewManager(identity.DefaultConfig(), identity.NewMemoryStore(), issuer, audit, broadcast.NewChannel())

	kill := func(ctx context.Context, identityID, reason string) error {
		_, err := identities.Revoke(ctx, identityID, "fence-system", reason, true)
		return err
	}
	circuits := breaker.NewManager(breaker.DefaultConfig(), func(identityID, reason string) {
		_ = kill(context.Background(), identityID, reason)
	})

	profiles := profile.NewStore()
	vcfg := validator.DefaultConfig()
	vcfg.BlockedActions = []string{"delete"}
	vcfg.RiskThreshold = "medium"
	svc := validator.NewService(vcfg, identities, profiles, circuits, audit, kill)

	ops := operators.NewService(operators.NewMemoryStore(), auth.Config{
		Secret:   testJWTSecret,
		Issuer:   "fence",
		TokenTTL: time.Hour,
	})
	require.NoError(t, ops.EnsureAdmin(ctx, "root", "changeme-now"))

	engine := gin.New()
	SetupRoute(engine, Config{JWTSecret: testJWTSecret, AgentAPIKey: testAPIKey}, &Services{
		Validator:  svc,
		Identities: identities,
		Circuits:   circuits,
		Profiles:   profiles,
		Audit:      audit,
		Operators:  ops,
		EnrollKeys: enroll.NewKeyStore(time.Hour),
	})
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func loginAs(t *testing.T, engine *gin.Engine, username, password string) string {
	t.Helper()

	w := doJSON(t, engine, "POST", "/api/v1/auth/login", "", dto.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func registerOperator(t *testing.T, engine *gin.Engine, username string) string {
	t.Helper()

	w := doJSON(t, engine, "POST", "/api/v1/auth/register", "", dto.RegisterRequest{Username: username, Password: "hunter2-long"})
	require.Equal(t, http.StatusCreated, w.Code)
	return loginAs(t, engine, username, "hunter2-long")
}

func createIdentity(t *testing.T, engine *gin.Engine, token string) dto.IdentityResponse {
	t.Helper()

	w := doJSON(t, engine, "POST", "/api/v1/identities", token, dto.CreateIdentityRequest{Name: "bot", AgentType: "trading"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.IdentityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	engine := setupServer(t)

	w := doJSON(t, engine, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityLifecycleOverHTTP(t *testing.T) {
	engine := setupServer(t)
	token := registerOperator(t, engine, "alice")

	ident := createIdentity(t, engine, token)
	assert.Equal(t, "active", ident.Status)
	assert.Contains(t, ident.ID, "fence/trading/")

	w := doJSON(t, engine, "GET", "/api/v1/identities/status/"+ident.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, "POST", "/api/v1/identities/credentials/"+ident.ID, token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var cred dto.CredentialResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cred))
	assert.Contains(t, cred.CertificatePEM, "BEGIN CERTIFICATE")
	assert.NotEmpty(t, cred.PrivateKeyPEM)

	// The read endpoint never returns the private key.
	w = doJSON(t, engine, "GET", "/api/v1/identities/credentials/"+ident.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched dto.CredentialResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Empty(t, fetched.PrivateKeyPEM)

	w = doJSON(t, engine, "POST", "/api/v1/identities/revoke/"+ident.ID, token, dto.KillRequest{Reason: "done"})
	require.Equal(t, http.StatusOK, w.Code)
	var killed dto.KillResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &killed))
	assert.False(t, killed.RevokedAt.IsZero())

	// Revoke is terminal.
	w = doJSON(t, engine, "POST", "/api/v1/identities/revoke/"+ident.ID, token, dto.KillRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, engine, "GET", "/api/v1/identities/status/"+ident.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status dto.IdentityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "revoked", status.Status)
}

func TestIdentityAccessControl(t *testing.T) {
	engine := setupServer(t)
	alice := registerOperator(t, engine, "alice")
	bob := registerOperator(t, engine, "bob")

	ident := createIdentity(t, engine, alice)

	w := doJSON(t, engine, "GET", "/api/v1/identities/status/"+ident.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, engine, "POST", "/api/v1/identities/revoke/"+ident.ID, bob, dto.KillRequest{Reason: "hostile"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin may revoke anyone's identity.
	admin := loginAs(t, engine, "root", "changeme-now")
	w = doJSON(t, engine, "POST", "/api/v1/identities/revoke/"+ident.ID, admin, dto.KillRequest{Reason: "policy"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityEndpointsRequireToken(t *testing.T) {
	engine := setupServer(t)

	w := doJSON(t, engine, "POST", "/api/v1/identities", "", dto.CreateIdentityRequest{Name: "bot", AgentType: "trading"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidateEndpoint(t *testing.T) {
	engine := setupServer(t)
	token := registerOperator(t, engine, "alice")
	ident := createIdentity(t, engine, token)

	body := dto.ValidateRequest{IdentityID: ident.ID, ActionType: "read", Target: "api.exchange.example"}
	req, err := http.NewRequest("POST", "/api/v1/validate", jsonBody(t, body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ValidateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.GreaterOrEqual(t, resp.LatencyMs, 0.0)
}

func TestStatusReportsBehaviorStats(t *testing.T) {
	engine := setupServer(t)
	token := registerOperator(t, engine, "alice")
	ident := createIdentity(t, engine, token)

	validate := func(body dto.ValidateRequest) {
		req, err := http.NewRequest("POST", "/api/v1/validate", jsonBody(t, body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", testAPIKey)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	validate(dto.ValidateRequest{IdentityID: ident.ID, ActionType: "read", Target: "api.exchange.example"})
	// "delete" is on the blocked-action list for this fixture.
	validate(dto.ValidateRequest{IdentityID: ident.ID, ActionType: "delete", Target: "api.exchange.example"})

	w := doJSON(t, engine, "GET", "/api/v1/identities/status/"+ident.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status dto.IdentityStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, 2, status.Stats.TotalActions)
	assert.Equal(t, 1, status.Stats.BlockedActions)
	assert.Greater(t, status.Stats.AvgRiskScore, 0.0)
	assert.False(t, status.LastAction.IsZero())
}

func TestValidateRequiresAPIKey(t *testing.T) {
	engine := setupServer(t)

	w := doJSON(t, engine, "POST", "/api/v1/validate", "", dto.ValidateRequest{IdentityID: "x", ActionType: "read"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuditEndpointsAreAdminOnly(t *testing.T) {
	engine := setupServer(t)
	alice := registerOperator(t, engine, "alice")

	w := doJSON(t, engine, "GET", "/api/v1/audit", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := loginAs(t, engine, "root", "changeme-now")
	createIdentity(t, engine, alice)

	w = doJSON(t, engine, "GET", "/api/v1/audit?event_type=agent_registered", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list dto.ListAuditEntriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = doJSON(t, engine, "GET", "/api/v1/audit/verify", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verify dto.VerifyAuditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.True(t, verify.Valid)
}

func TestKillAllOverHTTP(t *testing.T) {
	engine := setupServer(t)
	token := registerOperator(t, engine, "alice")

	first := createIdentity(t, engine, token)
	second := createIdentity(t, engine, token)

	// Owner ref is the operator's own id, taken from their identity records.
	w := doJSON(t, engine, "POST", "/api/v1/identities/kill-all", token, dto.KillAllRequest{
		OwnerRef: first.OwnerRef,
		Reason:   "incident",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.KillAllResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{first.ID, second.ID}, resp.Killed)
	assert.Empty(t, resp.Failed)
}

func TestEnrollmentFlow(t *testing.T) {
	engine := setupServer(t)
	token := registerOperator(t, engine, "alice")
	ident := createIdentity(t, engine, token)

	w := doJSON(t, engine, "POST", "/api/v1/enroll-keys", token, dto.CreateEnrollKeyRequest{IdentityID: ident.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	var key dto.EnrollKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	require.NotEmpty(t, key.Key)

	// The agent enrolls without any operator token.
	w = doJSON(t, engine, "POST", "/api/v1/enroll", "", dto.EnrollRequest{Key: key.Key})
	require.Equal(t, http.StatusOK, w.Code)
	var enrolled dto.EnrollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enrolled))
	assert.Equal(t, ident.ID, enrolled.Identity.ID)
	assert.Contains(t, enrolled.Credential.CertificatePEM, "BEGIN CERTIFICATE")
	assert.NotEmpty(t, enrolled.Credential.PrivateKeyPEM)
	assert.Contains(t, enrolled.CACertPEM, "BEGIN CERTIFICATE")

	// The key burned on first use.
	w = doJSON(t, engine, "POST", "/api/v1/enroll", "", dto.EnrollRequest{Key: key.Key})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnrollKeyOwnershipEnforced(t *testing.T) {
	engine := setupServer(t)
	alice := registerOperator(t, engine, "alice")
	bob := registerOperator(t, engine, "bob")
	ident := createIdentity(t, engine, alice)

	w := doJSON(t, engine, "POST", "/api/v1/enroll-keys", bob, dto.CreateEnrollKeyRequest{IdentityID: ident.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func jsonBody(t *testing.T, body any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	return &buf
}
