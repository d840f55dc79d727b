package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/enroll"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/operators"
)

type EnrollHandler struct {
	keys       *enroll.KeyStore
	identities *identity.Manager
}

func NewEnrollHandler(keys *enroll.KeyStore, identities *identity.Manager) *EnrollHandler {
	return &EnrollHandler{
		keys:       keys,
		identities: identities,
	}
}

// CreateKey mints a one-time enrollment key for an identity the caller owns.
// POST /api/v1/enroll-keys
func (h *EnrollHandler) CreateKey(c *gin.Context) {
	caller := c.GetString("user_id")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	var req dto.CreateEnrollKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, err := h.identities.Get(c.Request.Context(), req.IdentityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}
	if ident.OwnerRef != caller && c.GetString("role") != operators.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	if ident.Status != identity.StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "identity is not active"})
		return
	}

	key, err := h.keys.Create(req.IdentityID)
	if err != nil {
		slog.Error("Failed to create enrollment key", "error", err, "identity_id", req.IdentityID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create enrollment key"})
		return
	}

	c.JSON(http.StatusCreated, dto.EnrollKeyResponse{
		Key:        key.Key,
		IdentityID: key.IdentityID,
		CreatedAt:  key.CreatedAt,
		ExpiresAt:  key.ExpiresAt,
	})
}

// ListKeys returns unredeemed keys with key material redacted.
// GET /api/v1/enroll-keys
func (h *EnrollHandler) ListKeys(c *gin.Context) {
	keys := h.keys.List()
	responses := make([]dto.EnrollKeyResponse, len(keys))
	for i, key := range keys {
		responses[i] = dto.EnrollKeyResponse{
			IdentityID: key.IdentityID,
			CreatedAt:  key.CreatedAt,
			ExpiresAt:  key.ExpiresAt,
		}
	}
	c.JSON(http.StatusOK, dto.ListEnrollKeysResponse{Keys: responses})
}

// Enroll exchanges a one-time key for the identity's first credential. This
// is the only unauthenticated write endpoint; the key itself is the proof.
// POST /api/v1/enroll
func (h *EnrollHandler) Enroll(c *gin.Context) {
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.keys.Redeem(req.Key)
	if err != nil {
		switch {
		case errors.Is(err, enroll.ErrKeyNotFound), errors.Is(err, enroll.ErrKeyExpired), errors.Is(err, enroll.ErrKeyAlreadyUsed):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid enrollment key"})
		default:
			slog.Error("Failed to redeem enrollment key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	ident, err := h.identities.Get(c.Request.Context(), key.IdentityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}

	cred, err := h.identities.IssueCredential(c.Request.Context(), key.IdentityID)
	if err != nil {
		respondIdentityError(c, err)
		return
	}

	slog.Info("Agent enrolled", "identity_id", key.IdentityID)

	c.JSON(http.StatusOK, dto.EnrollResponse{
		Identity:   identityResponse(ident),
		Credential: credentialResponse(cred, true),
		CACertPEM:  h.identities.CACertificatePEM(),
	})
}
