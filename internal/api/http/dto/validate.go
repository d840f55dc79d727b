package dto

import "time"

type ValidateRequest struct {
	IdentityID string    `json:"identity_id" binding:"required"`
	ActionType string    `json:"action_type" binding:"required"`
	Target     string    `json:"target"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

type ValidateResponse struct {
	Allowed   bool     `json:"allowed"`
	RiskScore int      `json:"risk_score"`
	RiskLevel string   `json:"risk_level"`
	Reasons   []string `json:"reasons"`
	LatencyMs float64  `json:"latency_ms"`
}
