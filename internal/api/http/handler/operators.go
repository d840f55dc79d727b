package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/operators"
)

// OperatorsHandler serves the admin-only account management endpoints.
type OperatorsHandler struct {
	operators *operators.Service
}

func NewOperatorsHandler(ops *operators.Service) *OperatorsHandler {
	return &OperatorsHandler{operators: ops}
}

// List returns operator accounts, paginated.
// GET /api/v1/operators
func (h *OperatorsHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	ops, total, err := h.operators.List(c.Request.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("Failed to list operators", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list operators"})
		return
	}

	responses := make([]dto.OperatorResponse, len(ops))
	for i, op := range ops {
		responses[i] = dto.OperatorResponse{
			ID:        op.ID,
			Username:  op.Username,
			Role:      op.Role,
			CreatedAt: op.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListOperatorsResponse{
		Operators: responses,
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	})
}

// Delete removes an operator account.
// DELETE /api/v1/operators/:id
func (h *OperatorsHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator id is required"})
		return
	}

	if err := h.operators.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, operators.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operator not found"})
			return
		}
		slog.Error("Failed to delete operator", "error", err, "operator_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete operator"})
		return
	}

	c.Status(http.StatusNoContent)
}
