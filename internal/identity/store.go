package identity

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound       = errors.New("identity not found")
	ErrNotActive      = errors.New("identity is not active")
	ErrAlreadyRevoked = errors.New("identity is already revoked")
	ErrForbidden      = errors.New("caller may not revoke this identity")
	ErrAlreadyExists  = errors.New("identity already exists")
)

// Store persists identities and their current credential. Implementations do
// not provide cross-operation atomicity; the Manager serializes per identity.
type Store interface {
	Create(ctx context.Context, ident AgentIdentity) error
	Get(ctx context.Context, id string) (*AgentIdentity, error)
	Update(ctx context.Context, ident AgentIdentity) error
	ListByOwner(ctx context.Context, ownerRef string) ([]AgentIdentity, error)
	ListActive(ctx context.Context) ([]AgentIdentity, error)

	SaveCredential(ctx context.Context, cred Credential) error
	CurrentCredential(ctx context.Context, identityID string) (*Credential, error)
	DeleteCredential(ctx context.Context, identityID string) error
}

// MemoryStore is the in-memory Store used by unit tests and database-less
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	identities  map[string]*AgentIdentity
	credentials map[string]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]*AgentIdentity),
		credentials: make(map[string]*Credential),
	}
}

func (s *MemoryStore) Create(ctx context.Context, ident AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.ID]; ok {
		return ErrAlreadyExists
	}
	s.identities[ident.ID] = ident.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ident.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, ident AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.ID]; !ok {
		return ErrNotFound
	}
	s.identities[ident.ID] = ident.clone()
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerRef string) ([]AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []AgentIdentity
	for _, ident := range s.identities {
		if ident.OwnerRef == ownerRef {
			result = append(result, *ident.clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []AgentIdentity
	for _, ident := range s.identities {
		if ident.Status == StatusActive {
			result = append(result, *ident.clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveCredential(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := cred
	s.credentials[cred.IdentityID] = &copied
	return nil
}

func (s *MemoryStore) CurrentCredential(ctx context.Context, identityID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[identityID]
	if !ok {
		return nil, nil
	}
	copied := *cred
	return &copied, nil
}

func (s *MemoryStore) DeleteCredential(ctx context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, identityID)
	return nil
}
