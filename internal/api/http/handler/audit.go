package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/dto"
	"github.com/runtimefence/fence/internal/ledger"
)

type AuditHandler struct {
	audit *ledger.Ledger
}

func NewAuditHandler(audit *ledger.Ledger) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List queries the audit chain with optional filters and pagination.
// GET /api/v1/audit
func (h *AuditHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	filter := ledger.Filter{
		IdentityID: c.Query("identity_id"),
		EventType:  ledger.EventType(c.Query("event_type")),
		Outcome:    c.Query("outcome"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until must be RFC3339"})
			return
		}
		filter.Until = t
	}

	entries, total, err := h.audit.Query(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Failed to query audit ledger", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit ledger"})
		return
	}

	responses := make([]dto.AuditEntryResponse, len(entries))
	for i, entry := range entries {
		responses[i] = dto.AuditEntryResponse{
			Sequence:     entry.Sequence,
			EventID:      entry.EventID,
			EventType:    string(entry.EventType),
			IdentityID:   entry.IdentityID,
			Outcome:      entry.Outcome,
			Details:      entry.Details,
			Timestamp:    entry.Timestamp.Format(time.RFC3339Nano),
			PreviousHash: entry.PreviousHash,
			Hash:         entry.Hash,
		}
	}

	c.JSON(http.StatusOK, dto.ListAuditEntriesResponse{
		Entries:  responses,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// Verify recomputes the hash chain over a sequence range.
// GET /api/v1/audit/verify
func (h *AuditHandler) Verify(c *gin.Context) {
	from, err := parseSequence(c.DefaultQuery("from", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a sequence number"})
		return
	}
	to, err := parseSequence(c.DefaultQuery("to", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a sequence number"})
		return
	}

	result, err := h.audit.VerifyIntegrity(c.Request.Context(), from, to)
	if err != nil {
		if err == ledger.ErrInvalidRange || err == ledger.ErrEntryNotFound {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to verify audit ledger", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify audit ledger"})
		return
	}

	c.JSON(http.StatusOK, dto.VerifyAuditResponse{
		Valid:    result.Valid,
		Checked:  result.Checked,
		BrokenAt: result.BrokenAt,
		Message:  result.Message,
	})
}

func parseSequence(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}
