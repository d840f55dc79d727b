package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/operators"
	"github.com/runtimefence/fence/internal/profile"
)

type IdentitiesHandler struct {
	identities *identity.Manager
	circuits   *breaker.Manager
	profiles   *profile.Store
}

func NewIdentitiesHandler(identities *identity.Manager, circuits *breaker.Manager, profiles *profile.Store) *IdentitiesHandler {
	return &IdentitiesHandler{
		identities: identities,
		circuits:   circuits,
		profiles:   profiles,
	}
}

// Create registers a new agent identity owned by the authenticated operator.
// POST /api/v1/identities
func (h *IdentitiesHandler) Create(c *gin.Context) {
	ownerRef := c.GetString("user_id")
	if ownerRef == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	var req dto.CreateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, err := h.identities.Register(c.Request.Context(), ownerRef, req.Name, req.AgentType)
	if err != nil {
		slog.Error("Failed to register identity", "error", err, "owner_ref", ownerRef)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register identity"})
		return
	}

	c.JSON(http.StatusCreated, identityResponse(ident))
}

// List returns all identities owned by the authenticated operator.
// GET /api/v1/identities
func (h *IdentitiesHandler) List(c *gin.Context) {
	ownerRef := c.GetString("user_id")
	if ownerRef == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	idents, err := h.identities.ListByOwner(c.Request.Context(), ownerRef)
	if err != nil {
		slog.Error("Failed to list identities", "error", err, "owner_ref", ownerRef)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list identities"})
		return
	}

	responses := make([]dto.IdentityResponse, len(idents))
	for i, ident := range idents {
		responses[i] = identityResponse(&ident)
	}
	c.JSON(http.StatusOK, dto.ListIdentitiesResponse{Identities: responses})
}

// Status returns the current lifecycle state of one identity together with
// its behavior counters.
// GET /api/v1/identities/status/*id
func (h *IdentitiesHandler) Status(c *gin.Context) {
	identityID, ok := h.authorizeIdentity(c)
	if !ok {
		return
	}

	ident, err := h.identities.Get(c.Request.Context(), identityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}

	prof := h.profiles.Snapshot(identityID)
	resp := dto.IdentityStatusResponse{
		IdentityResponse: identityResponse(ident),
		LastAction:       prof.LastAction,
		Stats: dto.IdentityStatsResponse{
			TotalActions:   prof.TotalActions,
			BlockedActions: prof.BlockedActions,
		},
	}
	if prof.TotalActions > 0 {
		resp.Stats.AvgRiskScore = float64(prof.TotalRiskScore) / float64(prof.TotalActions)
	}
	c.JSON(http.StatusOK, resp)
}

// IssueCredential mints a fresh short-lived credential for an active identity.
// POST /api/v1/identities/credentials/*id
func (h *IdentitiesHandler) IssueCredential(c *gin.Context) {
	identityID, ok := h.authorizeIdentity(c)
	if !ok {
		return
	}

	cred, err := h.identities.IssueCredential(c.Request.Context(), identityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}
	c.JSON(http.StatusCreated, credentialResponse(cred, true))
}

// CurrentCredential returns the live credential without its private key.
// GET /api/v1/identities/credentials/*id
func (h *IdentitiesHandler) CurrentCredential(c *gin.Context) {
	identityID, ok := h.authorizeIdentity(c)
	if !ok {
		return
	}

	cred, err := h.identities.CurrentCredential(c.Request.Context(), identityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live credential"})
		return
	}
	c.JSON(http.StatusOK, credentialResponse(cred, false))
}

// Kill revokes one identity immediately.
// POST /api/v1/identities/revoke/*id
func (h *IdentitiesHandler) Kill(c *gin.Context) {
	identityID := pathIdentityID(c)
	caller := c.GetString("user_id")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	var req dto.KillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	elevated := c.GetString("role") == operators.RoleAdmin
	result, err := h.identities.Revoke(c.Request.Context(), identityID, caller, req.Reason, elevated)
	if err != nil {
		respondIdentityError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.KillResponse{
		IdentityID:    identityID,
		RevokedAt:     result.RevokedAt,
		PropagationMs: result.PropagationMs,
	})
}

// KillAll revokes every active identity under one owner.
// POST /api/v1/identities/kill-all
func (h *IdentitiesHandler) KillAll(c *gin.Context) {
	caller := c.GetString("user_id")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	var req dto.KillAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	elevated := c.GetString("role") == operators.RoleAdmin
	killed, failed, err := h.identities.EmergencyRevokeAll(c.Request.Context(), req.OwnerRef, caller, req.Reason, elevated)
	if err != nil {
		respondIdentityError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.KillAllResponse{Killed: killed, Failed: failed})
}

// Circuit returns the circuit breaker snapshot for one identity.
// GET /api/v1/identities/circuit/*id
func (h *IdentitiesHandler) Circuit(c *gin.Context) {
	identityID, ok := h.authorizeIdentity(c)
	if !ok {
		return
	}

	state := h.circuits.Snapshot(identityID)
	c.JSON(http.StatusOK, dto.CircuitResponse{
		IdentityID:           identityID,
		State:                string(state.State),
		ConsecutiveFailures:  state.ConsecutiveFailures,
		TotalRequests:        state.TotalRequests,
		FailedRequests:       state.FailedRequests,
		UnauthorizedAttempts: state.UnauthorizedAttempts,
		RateLimitViolations:  state.RateLimitViolations,
		AnomalyScore:         state.AnomalyScore,
		OpenedAt:             state.OpenedAt,
	})
}

// authorizeIdentity resolves the path identity and checks that the caller
// owns it or is an admin.
func (h *IdentitiesHandler) authorizeIdentity(c *gin.Context) (string, bool) {
	identityID := pathIdentityID(c)
	caller := c.GetString("user_id")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return "", false
	}

	ident, err := h.identities.Get(c.Request.Context(), identityID)
	if err != nil {
		respondIdentityError(c, err)
		return "", false
	}

	if ident.OwnerRef != caller && c.GetString("role") != operators.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return "", false
	}
	return identityID, true
}

// pathIdentityID extracts the identity id from a wildcard route. Identity ids
// contain slashes, so routes use a trailing *id parameter.
func pathIdentityID(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("id"), "/")
}

func respondIdentityError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
	case errors.Is(err, identity.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "identity is not active"})
	case errors.Is(err, identity.ErrAlreadyRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "identity is already revoked"})
	case errors.Is(err, identity.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	default:
		slog.Error("Identity operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func identityResponse(ident *identity.AgentIdentity) dto.IdentityResponse {
	return dto.IdentityResponse{
		ID:           ident.ID,
		OwnerRef:     ident.OwnerRef,
		Name:         ident.Name,
		AgentType:    ident.AgentType,
		Status:       string(ident.Status),
		Permissions:  ident.Permissions,
		IssuedAt:     ident.IssuedAt,
		ExpiresAt:    ident.ExpiresAt,
		RevokedAt:    ident.RevokedAt,
		RevokedBy:    ident.RevokedBy,
		RevokeReason: ident.RevokeReason,
	}
}

func credentialResponse(cred *identity.Credential, includeKey bool) dto.CredentialResponse {
	resp := dto.CredentialResponse{
		IdentityID:     cred.IdentityID,
		Serial:         cred.Serial,
		CertificatePEM: cred.CertificatePEM,
		IssuedAt:       cred.IssuedAt,
		ExpiresAt:      cred.ExpiresAt,
	}
	if includeKey {
		resp.PrivateKeyPEM = cred.PrivateKeyPEM
	}
	return resp
}
