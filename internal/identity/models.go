package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusActive identities may act. The other two states are terminal:
	// once revoked or expired an identity never returns to active, a new one
	// must be registered instead.
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

const idNamespace = "fence"

// AgentIdentity is the unique, revocable reference an agent acts under.
// Records are never deleted; terminal identities are retained for audit.
type AgentIdentity struct {
	ID           string     `json:"id"`
	OwnerRef     string     `json:"owner_ref"`
	Name         string     `json:"name"`
	AgentType    string     `json:"agent_type"`
	Status       Status     `json:"status"`
	Permissions  []string   `json:"permissions"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Credential is a short-lived proof of identity. It is superseded on each
// rotation and dies with its owning identity; validity is re-checked at use
// time, never cached.
type Credential struct {
	IdentityID     string    `json:"identity_id"`
	Serial         string    `json:"serial"`
	CertificatePEM string    `json:"certificate_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (c *Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// NewIdentityID builds a `<namespace>/<category>/<uuid>` identity id.
func NewIdentityID(agentType string) string {
	return fmt.Sprintf("%s/%s/%s", idNamespace, agentType, uuid.NewString())
}

// defaultPermissions maps an agent type to its initial capability set.
var defaultPermissions = map[string][]string{
	"trading":   {"read_market_data", "execute_trades"},
	"assistant": {"read", "write"},
	"monitor":   {"read"},
}

func PermissionsForType(agentType string) []string {
	if perms, ok := defaultPermissions[agentType]; ok {
		return append([]string(nil), perms...)
	}
	return []string{"read"}
}

func (a *AgentIdentity) clone() *AgentIdentity {
	copied := *a
	copied.Permissions = append([]string(nil), a.Permissions...)
	if a.RevokedAt != nil {
		at := *a.RevokedAt
		copied.RevokedAt = &at
	}
	return &copied
}
