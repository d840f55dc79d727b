package enroll

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	ek, err := ks.Create("fence/trading/abc")
	require.NoError(t, err)
	assert.Equal(t, "fence/trading/abc", ek.IdentityID)
	assert.True(t, strings.HasPrefix(ek.Key, "ek_"))
	assert.Len(t, ek.Key, 3+64) // "ek_" + 32 bytes hex
	assert.False(t, ek.Used)
	assert.WithinDuration(t, time.Now().Add(1*time.Hour), ek.ExpiresAt, 5*time.Second)
}

func TestRedeem(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	ek, err := ks.Create("fence/trading/abc")
	require.NoError(t, err)

	result, err := ks.Redeem(ek.Key)
	require.NoError(t, err)
	assert.Equal(t, "fence/trading/abc", result.IdentityID)

	// A key only redeems once.
	_, err = ks.Redeem(ek.Key)
	assert.ErrorIs(t, err, ErrKeyAlreadyUsed)
}

func TestRedeemNotFound(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	_, err := ks.Redeem("ek_nonexistent")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedeemExpired(t *testing.T) {
	ks := NewKeyStore(1 * time.Millisecond)

	ek, err := ks.Create("fence/trading/abc")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = ks.Redeem(ek.Key)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestRevokeFor(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	ek1, err := ks.Create("fence/trading/dead")
	require.NoError(t, err)
	_, err = ks.Create("fence/trading/dead")
	require.NoError(t, err)
	_, err = ks.Create("fence/assistant/alive")
	require.NoError(t, err)

	removed := ks.RevokeFor("fence/trading/dead")
	assert.True(t, removed)

	_, err = ks.Redeem(ek1.Key)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	keys := ks.List()
	assert.Len(t, keys, 1)
	assert.Equal(t, "fence/assistant/alive", keys[0].IdentityID)
}

func TestRevokeForNotFound(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	removed := ks.RevokeFor("fence/trading/nonexistent")
	assert.False(t, removed)
}

func TestListRedactsKeys(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	_, err := ks.Create("fence/trading/a")
	require.NoError(t, err)
	_, err = ks.Create("fence/trading/b")
	require.NoError(t, err)

	keys := ks.List()
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Empty(t, k.Key)
	}
}

func TestListExcludesUsedAndExpired(t *testing.T) {
	ks := NewKeyStore(1 * time.Millisecond)

	_, err := ks.Create("fence/trading/expired")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ks.ttl = 1 * time.Hour
	used, err := ks.Create("fence/trading/used")
	require.NoError(t, err)
	_, err = ks.Redeem(used.Key)
	require.NoError(t, err)

	_, err = ks.Create("fence/trading/active")
	require.NoError(t, err)

	keys := ks.List()
	assert.Len(t, keys, 1)
	assert.Equal(t, "fence/trading/active", keys[0].IdentityID)
}

func TestCleanup(t *testing.T) {
	ks := NewKeyStore(1 * time.Millisecond)

	_, err := ks.Create("fence/trading/abc")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ks.cleanup()

	ks.mu.RLock()
	count := len(ks.keys)
	ks.mu.RUnlock()
	assert.Equal(t, 0, count)
}

func TestConcurrentAccess(t *testing.T) {
	ks := NewKeyStore(1 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ek, err := ks.Create("fence/trading/concurrent")
			if err != nil {
				return
			}
			_ = ks.List()
			if id%5 == 0 {
				_, _ = ks.Redeem(ek.Key)
			}
		}(i)
	}
	wg.Wait()
}
