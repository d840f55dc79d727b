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

// TestAuditChain checks that the hash chain survives a round-trip through
// Postgres and verifies clean.
func TestAuditChain(t *testing.T, router *gin.Engine, adminUser, adminPassword string) {
	admin := login(t, router, adminUser, adminPassword)

	rr := doJSON(router, "GET", "/api/v1/audit", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list dto.ListAuditEntriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Greater(t, list.Total, 0, "earlier lifecycle tests should have produced audit entries")

	// Sequences are strictly increasing with no gaps.
	for i := 1; i < len(list.Entries); i++ {
		assert.Equal(t, list.Entries[i-1].Sequence+1, list.Entries[i].Sequence)
		assert.Equal(t, list.Entries[i-1].Hash, list.Entries[i].PreviousHash)
	}

	rr = doJSON(router, "GET", "/api/v1/audit/verify", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var verify dto.VerifyAuditResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verify))
	assert.True(t, verify.Valid)
	assert.Equal(t, list.Total, verify.Checked)
}
