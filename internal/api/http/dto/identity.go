package dto

import "time"

type CreateIdentityRequest struct {
	Name      string `json:"name" binding:"required"`
	AgentType string `json:"agent_type" binding:"required"`
}

type IdentityResponse struct {
	ID           string     `json:"id"`
	OwnerRef     string     `json:"owner_ref"`
	Name         string     `json:"name"`
	AgentType    string     `json:"agent_type"`
	Status       string     `json:"status"`
	Permissions  []string   `json:"permissions"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

type IdentityStatsResponse struct {
	TotalActions   int     `json:"total_actions"`
	BlockedActions int     `json:"blocked_actions"`
	AvgRiskScore   float64 `json:"avg_risk_score"`
}

type IdentityStatusResponse struct {
	IdentityResponse
	LastAction time.Time             `json:"last_action,omitzero"`
	Stats      IdentityStatsResponse `json:"stats"`
}

type ListIdentitiesResponse struct {
	Identities []IdentityResponse `json:"identities"`
}

type CredentialResponse struct {
	IdentityID     string    `json:"identity_id"`
	Serial         string    `json:"serial"`
	CertificatePEM string    `json:"certificate_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type KillRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type KillResponse struct {
	IdentityID    string    `json:"identity_id"`
	RevokedAt     time.Time `json:"revoked_at"`
	PropagationMs int64     `json:"propagation_ms"`
}

type KillAllRequest struct {
	OwnerRef string `json:"owner_ref" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

type KillAllResponse struct {
	Killed []string          `json:"killed"`
	Failed map[string]string `json:"failed,omitempty"`
}

type CircuitResponse struct {
	IdentityID           string    `json:"identity_id"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	TotalRequests        int       `json:"total_requests"`
	FailedRequests       int       `json:"failed_requests"`
	UnauthorizedAttempts int       `json:"unauthorized_attempts"`
	RateLimitViolations  int       `json:"rate_limit_violations"`
	AnomalyScore         float64   `json:"anomaly_score"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
}
