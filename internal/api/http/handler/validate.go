package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/validator"
)

type ValidateHandler struct {
	validator *validator.Service
}

func NewValidateHandler(v *validator.Service) *ValidateHandler {
	return &ValidateHandler{validator: v}
}

// Validate decides one proposed agent action. Malformed bodies are denied,
// not rejected: the caller always gets a decision.
// POST /api/v1/validate
func (h *ValidateHandler) Validate(c *gin.Context) {
	start := time.Now()

	var req dto.ValidateRequest
	// Binding errors fall through with zero values; the validator fails
	// closed on them and the denial is audited like any other.
	_ = c.ShouldBindJSON(&req)

	result := h.validator.Validate(c.Request.Context(), validator.ActionRequest{
		IdentityID: req.IdentityID,
		ActionType: req.ActionType,
		Target:     req.Target,
		Amount:     req.Amount,
		Timestamp:  req.Timestamp,
	})

	c.JSON(http.StatusOK, dto.ValidateResponse{
		Allowed:   result.Allowed,
		RiskScore: result.RiskScore,
		RiskLevel: string(result.RiskLevel),
		Reasons:   result.Reasons,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}
