// Package breaker implements the per-identity behavioral circuit breaker.
// A circuit opening throttles traffic temporarily; a kill request is the
// separate, more severe escalation and goes through the identity lifecycle
// manager via the KillRequestFunc callback.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const persistTimeout = 2 * time.Second

type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

type Config struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	SuccessThreshold         int           `mapstructure:"success_threshold"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	RequestVolumeThreshold   int           `mapstructure:"request_volume_threshold"`
	ErrorRatePercent         int           `mapstructure:"error_rate_percent"`
	UnauthorizedLimit        int           `mapstructure:"unauthorized_limit"`
	RateLimitViolationLimit  int           `mapstructure:"rate_limit_violation_limit"`
	AutoKillAnomalyThreshold float64       `mapstructure:"auto_kill_anomaly_threshold"`
	AutoKillMaxConsecutive   int           `mapstructure:"auto_kill_max_consecutive"`
	AutoKillErrorRatePercent int           `mapstructure:"auto_kill_error_rate_percent"`
	AnomalyDecayPerHour      float64       `mapstructure:"anomaly_decay_per_hour"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		SuccessThreshold:         3,
		Timeout:                  30 * time.Second,
		RequestVolumeThreshold:   20,
		ErrorRatePercent:         50,
		UnauthorizedLimit:        3,
		RateLimitViolationLimit:  5,
		AutoKillAnomalyThreshold: 90,
		AutoKillMaxConsecutive:   10,
		AutoKillErrorRatePercent: 80,
		AnomalyDecayPerHour:      10,
	}
}

// KillRequestFunc is invoked at most once per escalation condition. The
// callback runs outside the per-identity lock.
type KillRequestFunc func(identityID, reason string)

// State is a read-only snapshot of one identity's circuit.
type State struct {
	IdentityID           string       `json:"identity_id"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	TotalRequests        int          `json:"total_requests"`
	FailedRequests       int          `json:"failed_requests"`
	UnauthorizedAttempts int          `json:"unauthorized_attempts"`
	RateLimitViolations  int          `json:"rate_limit_violations"`
	AnomalyScore         float64      `json:"anomaly_score"`
	OpenedAt             time.Time    `json:"opened_at,omitzero"`
}

type circuit struct {
	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int
	failedRequests       int
	unauthorizedAttempts int
	rateLimitViolations  int
	anomalyScore         float64
	anomalyUpdatedAt     time.Time
	anomalyKillFired     bool
	consecutiveKillFired bool
	errorRateKillFired   bool
	signalKillFired      bool
	openedAt             time.Time
}

// Backend persists circuit snapshots keyed by identity.
type Backend interface {
	Save(ctx context.Context, st State) error
	LoadAll(ctx context.Context) ([]State, error)
}

type Manager struct {
	mu          sync.RWMutex
	circuits    map[string]*circuit
	cfg         Config
	requestKill KillRequestFunc
	clock       func() time.Time
	backend     Backend
}

func NewManager(cfg Config, requestKill KillRequestFunc) *Manager {
	return &Manager{
		circuits:    make(map[string]*circuit),
		cfg:         cfg,
		requestKill: requestKill,
		clock:       time.Now,
	}
}

// NewPersistentManager restores circuit state from the backend and writes
// every subsequent transition through to it. Kill latches are re-derived from
// the restored counters so conditions already acted on before the restart do
// not fire a second kill.
func NewPersistentManager(ctx context.Context, cfg Config, requestKill KillRequestFunc, backend Backend) (*Manager, error) {
	m := NewManager(cfg, requestKill)
	m.backend = backend

	states, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load circuit states: %w", err)
	}
	now := m.clock()
	for _, st := range states {
		c := &circuit{
			state:                st.State,
			consecutiveFailures:  st.ConsecutiveFailures,
			totalRequests:        st.TotalRequests,
			failedRequests:       st.FailedRequests,
			unauthorizedAttempts: st.UnauthorizedAttempts,
			rateLimitViolations:  st.RateLimitViolations,
			anomalyScore:         st.AnomalyScore,
			anomalyUpdatedAt:     now,
			openedAt:             st.OpenedAt,
		}
		if c.state == "" {
			c.state = StateClosed
		}
		c.anomalyKillFired = cfg.AutoKillAnomalyThreshold > 0 &&
			c.anomalyScore >= cfg.AutoKillAnomalyThreshold
		c.consecutiveKillFired = cfg.AutoKillMaxConsecutive > 0 &&
			c.consecutiveFailures > cfg.AutoKillMaxConsecutive
		c.errorRateKillFired = cfg.AutoKillErrorRatePercent > 0 &&
			c.totalRequests >= cfg.RequestVolumeThreshold &&
			c.errorRatePercent() >= float64(cfg.AutoKillErrorRatePercent)
		c.signalKillFired = (cfg.UnauthorizedLimit > 0 && c.unauthorizedAttempts >= cfg.UnauthorizedLimit) ||
			(cfg.RateLimitViolationLimit > 0 && c.rateLimitViolations >= cfg.RateLimitViolationLimit)
		m.circuits[st.IdentityID] = c
	}
	return m, nil
}

func (m *Manager) get(identityID string) *circuit {
	m.mu.RLock()
	c, ok := m.circuits[identityID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.circuits[identityID]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	m.circuits[identityID] = c
	return c
}

// RecordSuccess resets the failure streak and, in half-open, counts toward
// closing the circuit again.
func (m *Manager) RecordSuccess(identityID string) {
	c := m.get(identityID)
	c.mu.Lock()

	c.totalRequests++
	c.consecutiveFailures = 0
	c.consecutiveKillFired = false

	if c.state == StateHalfOpen {
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= m.cfg.SuccessThreshold {
			c.state = StateClosed
			c.consecutiveSuccesses = 0
			c.openedAt = time.Time{}
			slog.Info("Circuit closed after recovery", "identity_id", identityID)
		}
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	m.persist(st)
}

// RecordFailure advances failure counters and may open the circuit or
// escalate to a kill request.
func (m *Manager) RecordFailure(identityID, errorType string) {
	c := m.get(identityID)
	c.mu.Lock()

	now := m.clock()
	c.totalRequests++
	c.failedRequests++
	c.consecutiveFailures++
	c.consecutiveSuccesses = 0

	switch c.state {
	case StateClosed:
		rateTripped := c.totalRequests >= m.cfg.RequestVolumeThreshold &&
			c.errorRatePercent() >= float64(m.cfg.ErrorRatePercent)
		if c.consecutiveFailures >= m.cfg.FailureThreshold || rateTripped {
			c.state = StateOpen
			c.openedAt = now
			slog.Warn("Circuit opened",
				"identity_id", identityID,
				"error_type", errorType,
				"consecutive_failures", c.consecutiveFailures,
				"error_rate_percent", c.errorRatePercent())
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = now
		slog.Warn("Circuit reopened from half-open", "identity_id", identityID, "error_type", errorType)
	}

	var killReason string
	if m.cfg.AutoKillMaxConsecutive > 0 &&
		c.consecutiveFailures > m.cfg.AutoKillMaxConsecutive &&
		!c.consecutiveKillFired {
		c.consecutiveKillFired = true
		killReason = "consecutive validation failures exceeded limit"
	} else if m.cfg.AutoKillErrorRatePercent > 0 &&
		c.totalRequests >= m.cfg.RequestVolumeThreshold &&
		c.errorRatePercent() >= float64(m.cfg.AutoKillErrorRatePercent) &&
		!c.errorRateKillFired {
		c.errorRateKillFired = true
		killReason = "sustained error rate exceeded auto-kill limit"
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	m.persist(st)
	if killReason != "" {
		m.fireKill(identityID, killReason)
	}
}

// IsRequestAllowed reports whether traffic may flow for this identity. An
// open circuit transitions to half-open once the cooldown has elapsed, and
// that transition itself admits the probing request.
func (m *Manager) IsRequestAllowed(identityID string) bool {
	c := m.get(identityID)
	c.mu.Lock()

	allowed := false
	probing := false
	switch c.state {
	case StateClosed, StateHalfOpen:
		allowed = true
	case StateOpen:
		if m.clock().Sub(c.openedAt) >= m.cfg.Timeout {
			c.state = StateHalfOpen
			c.consecutiveSuccesses = 0
			allowed = true
			probing = true
			slog.Info("Circuit half-open, probing", "identity_id", identityID)
		}
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	if probing {
		m.persist(st)
	}
	return allowed
}

// RecordUnauthorizedAttempt counts a rejected privileged call. These are
// higher-confidence signals than generic failures: reaching the cap requests
// a kill regardless of circuit state.
func (m *Manager) RecordUnauthorizedAttempt(identityID string) {
	c := m.get(identityID)
	c.mu.Lock()
	c.unauthorizedAttempts++
	fire := m.cfg.UnauthorizedLimit > 0 &&
		c.unauthorizedAttempts >= m.cfg.UnauthorizedLimit &&
		!c.signalKillFired
	if fire {
		c.signalKillFired = true
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	m.persist(st)
	if fire {
		m.fireKill(identityID, "unauthorized attempt limit reached")
	}
}

func (m *Manager) RecordRateLimitViolation(identityID string) {
	c := m.get(identityID)
	c.mu.Lock()
	c.rateLimitViolations++
	fire := m.cfg.RateLimitViolationLimit > 0 &&
		c.rateLimitViolations >= m.cfg.RateLimitViolationLimit &&
		!c.signalKillFired
	if fire {
		c.signalKillFired = true
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	m.persist(st)
	if fire {
		m.fireKill(identityID, "rate limit violation limit reached")
	}
}

// UpdateAnomalyScore stores an externally computed anomaly score. Crossing
// the auto-kill threshold fires exactly one kill request; the latch rearms
// only after decay brings the score back below the threshold.
func (m *Manager) UpdateAnomalyScore(identityID string, score float64) {
	c := m.get(identityID)
	c.mu.Lock()

	now := m.clock()
	c.anomalyScore = score
	if c.anomalyScore > 100 {
		c.anomalyScore = 100
	}
	if c.anomalyScore < 0 {
		c.anomalyScore = 0
	}
	c.anomalyUpdatedAt = now

	fire := false
	if c.anomalyScore >= m.cfg.AutoKillAnomalyThreshold {
		if !c.anomalyKillFired {
			c.anomalyKillFired = true
			fire = true
		}
	} else {
		c.anomalyKillFired = false
	}
	st := c.snapshotLocked(identityID)
	c.mu.Unlock()

	m.persist(st)
	if fire {
		m.fireKill(identityID, "anomaly score crossed auto-kill threshold")
	}
}

// Snapshot returns the circuit state with anomaly decay applied lazily.
func (m *Manager) Snapshot(identityID string) State {
	c := m.get(identityID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decayAnomalyLocked(m.clock(), m.cfg.AnomalyDecayPerHour)
	return c.snapshotLocked(identityID)
}

// persist writes one snapshot through to the backend. Failures are logged;
// the in-memory circuit stays authoritative and traffic is never held up.
func (m *Manager) persist(st State) {
	if m.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.backend.Save(ctx, st); err != nil {
		slog.Warn("Failed to persist circuit state",
			"identity_id", st.IdentityID,
			"error", err)
	}
}

func (c *circuit) snapshotLocked(identityID string) State {
	return State{
		IdentityID:           identityID,
		State:                c.state,
		ConsecutiveFailures:  c.consecutiveFailures,
		TotalRequests:        c.totalRequests,
		FailedRequests:       c.failedRequests,
		UnauthorizedAttempts: c.unauthorizedAttempts,
		RateLimitViolations:  c.rateLimitViolations,
		AnomalyScore:         c.anomalyScore,
		OpenedAt:             c.openedAt,
	}
}

func (m *Manager) fireKill(identityID, reason string) {
	slog.Warn("Circuit breaker requesting kill", "identity_id", identityID, "reason", reason)
	if m.requestKill != nil {
		m.requestKill(identityID, reason)
	}
}

func (c *circuit) errorRatePercent() float64 {
	if c.totalRequests == 0 {
		return 0
	}
	return float64(c.failedRequests) / float64(c.totalRequests) * 100
}

func (c *circuit) decayAnomalyLocked(now time.Time, perHour float64) {
	if c.anomalyScore <= 0 || c.anomalyUpdatedAt.IsZero() || perHour <= 0 {
		return
	}
	elapsed := now.Sub(c.anomalyUpdatedAt)
	if elapsed <= 0 {
		return
	}
	c.anomalyScore -= perHour * elapsed.Hours()
	if c.anomalyScore < 0 {
		c.anomalyScore = 0
	}
	c.anomalyUpdatedAt = now
}
