package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIdentityLifecycle walks one identity from registration to revocation
// against the persistent stores.
func TestIdentityLifecycle(t *testing.T, router *gin.Engine) {
	token := register(t, router, "lifecycle-owner")

	rr := doJSON(router, "POST", "/api/v1/identities", token, dto.CreateIdentityRequest{Name: "bot", AgentType: "trading"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var ident dto.IdentityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ident))
	assert.Equal(t, "active", ident.Status)

	rr = doJSON(router, "POST", "/api/v1/identities/credentials/"+ident.ID, token, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var cred dto.CredentialResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cred))
	assert.Contains(t, cred.CertificatePEM, "BEGIN CERTIFICATE")

	rr = doJSON(router, "POST", "/api/v1/identities/revoke/"+ident.ID, token, dto.KillRequest{Reason: "test teardown"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(router, "GET", "/api/v1/identities/status/"+ident.ID, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status dto.IdentityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "revoked", status.Status)
	assert.Equal(t, "test teardown", status.RevokeReason)

	// The credential died with the identity.
	rr = doJSON(router, "GET", "/api/v1/identities/credentials/"+ident.ID, token, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

// TestEnrollment exercises the one-time key exchange end to end.
func TestEnrollment(t *testing.T, router *gin.Engine) {
	token := register(t, router, "enroll-owner")

	rr := doJSON(router, "POST", "/api/v1/identities", token, dto.CreateIdentityRequest{Name: "worker", AgentType: "assistant"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var ident dto.IdentityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ident))

	rr = doJSON(router, "POST", "/api/v1/enroll-keys", token, dto.CreateEnrollKeyRequest{IdentityID: ident.ID})
	require.Equal(t, http.StatusCreated, rr.Code)
	var key dto.EnrollKeyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &key))

	rr = doJSON(router, "POST", "/api/v1/enroll", "", dto.EnrollRequest{Key: key.Key})
	require.Equal(t, http.StatusOK, rr.Code)
	var enrolled dto.EnrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enrolled))
	assert.Equal(t, ident.ID, enrolled.Identity.ID)
	assert.NotEmpty(t, enrolled.Credential.PrivateKeyPEM)

	rr = doJSON(router, "POST", "/api/v1/enroll", "", dto.EnrollRequest{Key: key.Key})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
