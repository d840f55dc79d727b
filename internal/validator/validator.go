// Package validator turns proposed agent actions into allow/block decisions.
// It is the enforcement point every action passes through: static rules and
// the behavioral risk model feed one score, and every decision lands in the
// audit ledger and the circuit breaker regardless of outcome.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/ledger"
	"github.com/runtimefence/fence/internal/profile"
	"github.com/runtimefence/fence/internal/risk"
)

// Risk contribution per violated static rule.
const (
	scoreBlockedAction = 50
	scoreBlockedTarget = 50
	scoreSpendingLimit = 40
)

type Config struct {
	RiskThreshold  string          `mapstructure:"risk_threshold"`
	AutoKillLevel  string          `mapstructure:"auto_kill_level"`
	Thresholds     risk.Thresholds `mapstructure:"risk_level_thresholds"`
	SpendingLimit  float64         `mapstructure:"spending_limit"`
	BlockedActions []string        `mapstructure:"blocked_actions"`
	BlockedTargets []string        `mapstructure:"blocked_targets"`
	AllowedTargets []string        `mapstructure:"allowed_targets"`
	RevokeTimeout  time.Duration   `mapstructure:"revoke_timeout"`
}

func DefaultConfig() Config {
	return Config{
		RiskThreshold: string(risk.LevelHigh),
		AutoKillLevel: string(risk.LevelCritical),
		Thresholds:    risk.DefaultThresholds(),
		SpendingLimit: 1000,
		RevokeTimeout: time.Second,
	}
}

// ActionRequest is one proposed action. It is not persisted; only the
// decision made about it is.
type ActionRequest struct {
	IdentityID string
	ActionType string
	Target     string
	Amount     float64
	Timestamp  time.Time
}

type Result struct {
	Allowed   bool       `json:"allowed"`
	RiskScore int        `json:"risk_score"`
	RiskLevel risk.Level `json:"risk_level"`
	Reasons   []string   `json:"reasons"`
}

// KillFunc requests revocation of an identity. It must respect ctx deadlines.
type KillFunc func(ctx context.Context, identityID, reason string) error

type Service struct {
	cfg        Config
	identities *identity.Manager
	profiles   *profile.Store
	circuits   *breaker.Manager
	audit      *ledger.Ledger
	kill       KillFunc
}

func NewService(cfg Config, identities *identity.Manager, profiles *profile.Store, circuits *breaker.Manager, audit *ledger.Ledger, kill KillFunc) *Service {
	return &Service{
		cfg:        cfg,
		identities: identities,
		profiles:   profiles,
		circuits:   circuits,
		audit:      audit,
		kill:       kill,
	}
}

// Validate decides one action. It never returns an error: every internal
// failure converts to a denial, because a validator that can be crashed is a
// bypass vector.
func (s *Service) Validate(ctx context.Context, req ActionRequest) Result {
	if strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.ActionType) == "" {
		result := denied(100, "malformed request")
		s.auditDecision(ctx, req, result)
		return result
	}

	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	ident, err := s.identities.Get(ctx, req.IdentityID)
	if err != nil {
		result := denied(100, "identity not active")
		s.auditDecision(ctx, req, result)
		return result
	}
	if ident.Status != identity.StatusActive {
		// Acting on a dead identity is a stronger signal than a failed rule.
		s.circuits.RecordUnauthorizedAttempt(req.IdentityID)
		result := denied(100, "identity not active")
		s.auditDecision(ctx, req, result)
		return result
	}

	if !s.circuits.IsRequestAllowed(req.IdentityID) {
		result := denied(100, "circuit breaker open")
		s.profiles.Record(req.IdentityID, req.Target, req.Amount, false, result.RiskScore, req.Timestamp)
		s.circuits.RecordFailure(req.IdentityID, "circuit_open")
		s.auditDecision(ctx, req, result)
		return result
	}

	ruleScore, reasons := s.applyStaticRules(req)

	snapshot := s.profiles.Snapshot(req.IdentityID)
	assessment := risk.Assess(risk.Input{
		Profile:     snapshot,
		Amount:      req.Amount,
		Target:      req.Target,
		RecentCount: s.profiles.RecentCount(req.IdentityID, req.Timestamp),
	})
	reasons = append(reasons, assessment.Flags...)

	score := risk.Clamp(ruleScore + int(math.Round(0.5*float64(assessment.Score))))
	level := risk.LevelForScore(score)
	threshold := s.cfg.Thresholds.For(risk.Level(s.cfg.RiskThreshold))

	result := Result{
		Allowed:   score < threshold,
		RiskScore: score,
		RiskLevel: level,
		Reasons:   reasons,
	}

	s.profiles.Record(req.IdentityID, req.Target, req.Amount, result.Allowed, score, req.Timestamp)
	if result.Allowed {
		s.circuits.RecordSuccess(req.IdentityID)
	} else {
		s.circuits.RecordFailure(req.IdentityID, "validation")
	}
	s.auditDecision(ctx, req, result)

	if !result.Allowed && risk.Rank(level) >= risk.Rank(risk.Level(s.cfg.AutoKillLevel)) {
		s.requestKill(ctx, req.IdentityID, result)
	}

	return result
}

func (s *Service) applyStaticRules(req ActionRequest) (int, []string) {
	score := 0
	var reasons []string

	for _, blocked := range s.cfg.BlockedActions {
		if req.ActionType == blocked {
			score += scoreBlockedAction
			reasons = append(reasons, fmt.Sprintf("action '%s' is blocked", req.ActionType))
			break
		}
	}

	if req.Target != "" {
		if len(s.cfg.AllowedTargets) > 0 && !containsString(s.cfg.AllowedTargets, req.Target) {
			score += scoreBlockedTarget
			reasons = append(reasons, fmt.Sprintf("target '%s' is not allowlisted", req.Target))
		}
		for _, blocked := range s.cfg.BlockedTargets {
			if blocked != "" && strings.Contains(req.Target, blocked) {
				score += scoreBlockedTarget
				reasons = append(reasons, fmt.Sprintf("target '%s' is blocked", req.Target))
				break
			}
		}
	}

	if req.Amount > 0 && s.cfg.SpendingLimit > 0 {
		if s.profiles.TotalSpent(req.IdentityID)+req.Amount > s.cfg.SpendingLimit {
			score += scoreSpendingLimit
			reasons = append(reasons, fmt.Sprintf("would exceed spending limit (%.2f)", s.cfg.SpendingLimit))
		}
	}

	return score, reasons
}

// requestKill escalates a critical block into a revocation with a bounded
// timeout. A slow kill never changes the denial already decided; it is
// escalated for out-of-band remediation instead.
func (s *Service) requestKill(ctx context.Context, identityID string, result Result) {
	if s.kill == nil {
		return
	}

	reason := "critical risk action attempted"
	if len(result.Reasons) > 0 {
		reason = fmt.Sprintf("critical risk action attempted: %s", strings.Join(result.Reasons, ", "))
	}

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RevokeTimeout)
	defer cancel()

	if err := s.kill(killCtx, identityID, reason); err != nil {
		slog.Error("Auto-kill after critical block failed, escalating",
			"identity_id", identityID,
			"risk_score", result.RiskScore,
			"error", err)
	}
}

func (s *Service) auditDecision(ctx context.Context, req ActionRequest, result Result) {
	eventType := ledger.EventActionValidated
	outcome := "allowed"
	if !result.Allowed {
		eventType = ledger.EventActionBlocked
		outcome = "blocked"
	}

	if _, err := s.audit.Append(ctx, ledger.AppendInput{
		EventType:  eventType,
		IdentityID: req.IdentityID,
		Outcome:    outcome,
		Details: map[string]any{
			"action_type": req.ActionType,
			"target":      req.Target,
			"amount":      req.Amount,
			"risk_score":  result.RiskScore,
			"risk_level":  result.RiskLevel,
			"reasons":     result.Reasons,
		},
	}); err != nil {
		slog.Error("Failed to audit validation decision",
			"identity_id", req.IdentityID,
			"outcome", outcome,
			"error", err)
	}

	slog.Info("Action validated",
		"identity_id", req.IdentityID,
		"action_type", req.ActionType,
		"target", req.Target,
		"outcome", outcome,
		"risk_score", result.RiskScore)
}

func denied(score int, reasons ...string) Result {
	return Result{
		Allowed:   false,
		RiskScore: score,
		RiskLevel: risk.LevelForScore(score),
		Reasons:   reasons,
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
