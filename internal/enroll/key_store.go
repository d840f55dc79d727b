// Package enroll issues one-time keys that let an agent process claim its
// first credential without holding an operator token. A key binds to exactly
// one identity, expires, and burns on first use.
package enroll

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrKeyNotFound    = errors.New("enrollment key not found")
	ErrKeyExpired     = errors.New("enrollment key has expired")
	ErrKeyAlreadyUsed = errors.New("enrollment key has already been used")
)

type Key struct {
	Key        string
	IdentityID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
}

type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*Key
	ttl  time.Duration
}

func NewKeyStore(ttl time.Duration) *KeyStore {
	return &KeyStore{
		keys: make(map[string]*Key),
		ttl:  ttl,
	}
}

func (ks *KeyStore) Create(identityID string) (*Key, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	key := "ek_" + hex.EncodeToString(b)
	now := time.Now()

	ek := &Key{
		Key:        key,
		IdentityID: identityID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ks.ttl),
	}

	ks.mu.Lock()
	ks.keys[key] = ek
	ks.mu.Unlock()

	slog.Info("Enrollment key created", "identity_id", identityID, "expires_at", ek.ExpiresAt)
	return ek, nil
}

// Redeem validates a key and burns it in one step.
func (ks *KeyStore) Redeem(key string) (*Key, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ek, exists := ks.keys[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	if ek.Used {
		return nil, ErrKeyAlreadyUsed
	}
	if time.Now().After(ek.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	ek.Used = true
	copied := *ek
	return &copied, nil
}

// RevokeFor drops every unredeemed key bound to an identity. Called when the
// identity dies so a stale key cannot enroll a dead agent.
func (ks *KeyStore) RevokeFor(identityID string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	removed := false
	for key, ek := range ks.keys {
		if ek.IdentityID == identityID {
			delete(ks.keys, key)
			removed = true
		}
	}
	return removed
}

func (ks *KeyStore) List() []Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	var result []Key
	for _, ek := range ks.keys {
		if ek.Used || time.Now().After(ek.ExpiresAt) {
			continue
		}
		result = append(result, Key{
			IdentityID: ek.IdentityID,
			CreatedAt:  ek.CreatedAt,
			ExpiresAt:  ek.ExpiresAt,
		})
	}
	return result
}

func (ks *KeyStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks.cleanup()
		}
	}
}

func (ks *KeyStore) cleanup() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, ek := range ks.keys {
		if ek.Used || now.After(ek.ExpiresAt) {
			delete(ks.keys, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up enrollment keys", "removed", removed)
	}
}
