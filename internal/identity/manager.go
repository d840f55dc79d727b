package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runtimefence/fence/internal/broadcast"
	"github.com/runtimefence/fence/internal/ledger"
)

type Config struct {
	IdentityTTL       time.Duration `mapstructure:"identity_ttl"`
	CredentialTTL     time.Duration `mapstructure:"credential_ttl"`
	RotationInterval  time.Duration `mapstructure:"rotation_interval"`
	RotationLookahead time.Duration `mapstructure:"rotation_lookahead"`

	// When both paths are set the CA key pair is persisted to disk and
	// reloaded on restart. Left empty, the CA lives only in memory.
	CACertPath string `mapstructure:"ca_cert_path"`
	CAKeyPath  string `mapstructure:"ca_key_path"`
}

func DefaultConfig() Config {
	return Config{
		IdentityTTL:       time.Hour,
		CredentialTTL:     15 * time.Minute,
		RotationInterval:  5 * time.Minute,
		RotationLookahead: 5 * time.Minute,
	}
}

type RevokeResult struct {
	RevokedAt     time.Time
	PropagationMs int64
}

// Manager owns the identity lifecycle: registration, credential issuance,
// rotation, and the single authoritative revoke. All mutation of one
// identity runs under that identity's lock, which is also where credential
// issuance checks status — so a committed revoke can never race a fresh
// credential into existence.
type Manager struct {
	cfg    Config
	store  Store
	issuer *Issuer
	audit  *ledger.Ledger
	kills  *broadcast.Channel

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(cfg Config, store Store, issuer *Issuer, audit *ledger.Ledger, kills *broadcast.Channel) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		audit:  audit,
		kills:  kills,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(identityID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[identityID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[identityID] = lock
	}
	return lock
}

// Register creates a new active identity with default permissions for its
// agent type.
func (m *Manager) Register(ctx context.Context, ownerRef, name, agentType string) (*AgentIdentity, error) {
	if strings.TrimSpace(ownerRef) == "" {
		return nil, fmt.Errorf("owner ref is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(agentType) == "" {
		return nil, fmt.Errorf("agent type is required")
	}

	now := time.Now()
	ident := AgentIdentity{
		ID:          NewIdentityID(agentType),
		OwnerRef:    ownerRef,
		Name:        name,
		AgentType:   agentType,
		Status:      StatusActive,
		Permissions: PermissionsForType(agentType),
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.IdentityTTL),
	}

	if err := m.store.Create(ctx, ident); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	if _, err := m.audit.Append(ctx, ledger.AppendInput{
		EventType:  ledger.EventAgentRegistered,
		IdentityID: ident.ID,
		Outcome:    "registered",
		Details:    map[string]string{"owner_ref": ownerRef, "agent_type": agentType, "name": name},
	}); err != nil {
		return nil, err
	}

	slog.Info("Agent identity registered",
		"identity_id", ident.ID,
		"owner_ref", ownerRef,
		"agent_type", agentType)

	return &ident, nil
}

// Get returns an identity, lazily flipping it to expired when its TTL has
// passed.
func (m *Manager) Get(ctx context.Context, identityID string) (*AgentIdentity, error) {
	lock := m.lockFor(identityID)
	lock.Lock()
	defer lock.Unlock()
	return m.getLocked(ctx, identityID)
}

// CACertificatePEM returns the issuing CA certificate agents pin for
// verification.
func (m *Manager) CACertificatePEM() string {
	return m.issuer.CACertificatePEM()
}

// ListByOwner returns all identities registered under one owner, dead ones
// included.
func (m *Manager) ListByOwner(ctx context.Context, ownerRef string) ([]AgentIdentity, error) {
	return m.store.ListByOwner(ctx, ownerRef)
}

// IsActive is the ground truth other components consult before letting an
// agent act.
func (m *Manager) IsActive(ctx context.Context, identityID string) (bool, error) {
	ident, err := m.Get(ctx, identityID)
	if err != nil {
		return false, err
	}
	return ident.Status == StatusActive, nil
}

// IssueCredential mints a fresh short-lived credential. It fails unless the
// identity is currently active; the check runs under the identity lock.
func (m *Manager) IssueCredential(ctx context.Context, identityID string) (*Credential, error) {
	lock := m.lockFor(identityID)
	lock.Lock()
	defer lock.Unlock()

	ident, err := m.getLocked(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if ident.Status != StatusActive {
		return nil, ErrNotActive
	}

	cred, err := m.issuer.Issue(identityID, m.cfg.CredentialTTL)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}

	if _, err := m.audit.Append(ctx, ledger.AppendInput{
		EventType:  ledger.EventCredentialIssued,
		IdentityID: identityID,
		Outcome:    "issued",
		Details:    map[string]string{"serial": cred.Serial, "expires_at": cred.ExpiresAt.UTC().Format(time.RFC3339)},
	}); err != nil {
		return nil, err
	}

	return &cred, nil
}

// CurrentCredential reports the identity's live credential, if any. A
// credential for a non-active identity is never returned valid.
func (m *Manager) CurrentCredential(ctx context.Context, identityID string) (*Credential, error) {
	lock := m.lockFor(identityID)
	lock.Lock()
	defer lock.Unlock()

	ident, err := m.getLocked(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if ident.Status != StatusActive {
		return nil, ErrNotActive
	}

	cred, err := m.store.CurrentCredential(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Expired(time.Now()) {
		return nil, nil
	}
	return cred, nil
}

// Revoke is the kill switch. Exactly one caller wins; later callers get
// ErrAlreadyRevoked so "I killed it" and "it was already dead" stay
// distinguishable. Unauthorized attempts are audited and rejected.
func (m *Manager) Revoke(ctx context.Context, identityID, revokedBy, reason string, elevated bool) (RevokeResult, error) {
	start := time.Now()

	lock := m.lockFor(identityID)
	lock.Lock()

	ident, err := m.getLocked(ctx, identityID)
	if err != nil {
		lock.Unlock()
		return RevokeResult{}, err
	}

	if !elevated && ident.OwnerRef != revokedBy {
		lock.Unlock()
		slog.Warn("Unauthorized revoke attempt",
			"identity_id", identityID,
			"revoked_by", revokedBy)
		if _, auditErr := m.audit.Append(ctx, ledger.AppendInput{
			EventType:  ledger.EventKillRejected,
			IdentityID: identityID,
			Outcome:    "forbidden",
			Details:    map[string]string{"revoked_by": revokedBy, "reason": reason},
		}); auditErr != nil {
			slog.Error("Failed to audit rejected kill", "identity_id", identityID, "error", auditErr)
		}
		return RevokeResult{}, ErrForbidden
	}

	if ident.Status != StatusActive {
		lock.Unlock()
		return RevokeResult{}, ErrAlreadyRevoked
	}

	now := time.Now()
	ident.Status = StatusRevoked
	ident.RevokedAt = &now
	ident.RevokedBy = revokedBy
	ident.RevokeReason = reason

	if err := m.store.Update(ctx, *ident); err != nil {
		lock.Unlock()
		return RevokeResult{}, fmt.Errorf("commit revocation: %w", err)
	}
	if err := m.store.DeleteCredential(ctx, identityID); err != nil {
		slog.Error("Failed to drop credential after revoke", "identity_id", identityID, "error", err)
	}
	lock.Unlock()

	m.kills.Publish(broadcast.KillNotice{
		IdentityID: identityID,
		OwnerRef:   ident.OwnerRef,
		RevokedBy:  revokedBy,
		Reason:     reason,
		RevokedAt:  now,
	})

	if _, err := m.audit.Append(ctx, ledger.AppendInput{
		EventType:  ledger.EventAgentKilled,
		IdentityID: identityID,
		Outcome:    "revoked",
		Details:    map[string]string{"revoked_by": revokedBy, "reason": reason},
	}); err != nil {
		return RevokeResult{}, fmt.Errorf("audit kill: %w", err)
	}

	result := RevokeResult{RevokedAt: now, PropagationMs: time.Since(start).Milliseconds()}
	slog.Info("Agent identity revoked",
		"identity_id", identityID,
		"revoked_by", revokedBy,
		"reason", reason,
		"propagation_ms", result.PropagationMs)
	return result, nil
}

// EmergencyRevokeAll revokes every active identity of an owner. Failures are
// reported per identity; one stuck revocation never delays the rest.
func (m *Manager) EmergencyRevokeAll(ctx context.Context, ownerRef, revokedBy, reason string, elevated bool) (killed []string, failed map[string]string, err error) {
	if !elevated && ownerRef != revokedBy {
		return nil, nil, ErrForbidden
	}

	idents, err := m.store.ListByOwner(ctx, ownerRef)
	if err != nil {
		return nil, nil, fmt.Errorf("list identities: %w", err)
	}

	failed = make(map[string]string)
	for _, ident := range idents {
		if ident.Status != StatusActive {
			continue
		}
		if _, revokeErr := m.Revoke(ctx, ident.ID, revokedBy, reason, elevated); revokeErr != nil {
			failed[ident.ID] = revokeErr.Error()
			continue
		}
		killed = append(killed, ident.ID)
	}

	slog.Info("Emergency revoke completed",
		"owner_ref", ownerRef,
		"killed", len(killed),
		"failed", len(failed))
	return killed, failed, nil
}

// RotateCredentials re-issues credentials that expire within the lookahead
// window. This is advisory renewal only; revocation works regardless of the
// rotation schedule.
func (m *Manager) RotateCredentials(ctx context.Context) (int, error) {
	idents, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active identities: %w", err)
	}

	rotated := 0
	deadline := time.Now().Add(m.cfg.RotationLookahead)
	for _, ident := range idents {
		if ctx.Err() != nil {
			return rotated, ctx.Err()
		}

		lock := m.lockFor(ident.ID)
		lock.Lock()
		current, err := func() (*Credential, error) {
			fresh, err := m.getLocked(ctx, ident.ID)
			if err != nil || fresh.Status != StatusActive {
				return nil, err
			}
			return m.store.CurrentCredential(ctx, ident.ID)
		}()
		if err != nil {
			lock.Unlock()
			slog.Error("Rotation sweep failed for identity", "identity_id", ident.ID, "error", err)
			continue
		}
		if current != nil && current.ExpiresAt.After(deadline) {
			lock.Unlock()
			continue
		}
		if current == nil {
			// Never issued a credential; nothing to renew.
			lock.Unlock()
			continue
		}

		cred, err := m.issuer.Issue(ident.ID, m.cfg.CredentialTTL)
		if err == nil {
			err = m.store.SaveCredential(ctx, cred)
		}
		lock.Unlock()
		if err != nil {
			slog.Error("Credential rotation failed", "identity_id", ident.ID, "error", err)
			continue
		}

		if _, err := m.audit.Append(ctx, ledger.AppendInput{
			EventType:  ledger.EventCredentialRotated,
			IdentityID: ident.ID,
			Outcome:    "rotated",
			Details:    map[string]string{"serial": cred.Serial},
		}); err != nil {
			slog.Error("Failed to audit rotation", "identity_id", ident.ID, "error", err)
		}
		rotated++
	}

	if rotated > 0 {
		slog.Debug("Credential rotation sweep finished", "rotated", rotated)
	}
	return rotated, nil
}

// StartRotation runs the rotation sweep until ctx is cancelled.
func (m *Manager) StartRotation(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RotateCredentials(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Rotation sweep error", "error", err)
			}
		}
	}
}

// getLocked loads an identity and applies lazy TTL expiry. Callers hold the
// identity lock.
func (m *Manager) getLocked(ctx context.Context, identityID string) (*AgentIdentity, error) {
	ident, err := m.store.Get(ctx, identityID)
	if err != nil {
		return nil, err
	}

	if ident.Status == StatusActive && time.Now().After(ident.ExpiresAt) {
		ident.Status = StatusExpired
		if err := m.store.Update(ctx, *ident); err != nil {
			return nil, fmt.Errorf("expire identity: %w", err)
		}
		if _, err := m.audit.Append(ctx, ledger.AppendInput{
			EventType:  ledger.EventIdentityExpired,
			IdentityID: identityID,
			Outcome:    "expired",
		}); err != nil {
			slog.Error("Failed to audit identity expiry", "identity_id", identityID, "error", err)
		}
		slog.Info("Agent identity expired", "identity_id", identityID)
	}

	return ident, nil
}
