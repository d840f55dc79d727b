package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := New(context.Background(), store)
	require.NoError(t, err)
	return l, store
}

func TestAppendAssignsSequenceAndChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, AppendInput{
		EventType:  EventAgentRegistered,
		IdentityID: "fence/trading/abc",
		Outcome:    "registered",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Empty(t, first.PreviousHash)
	assert.Len(t, first.Hash, 64)

	second, err := l.Append(ctx, AppendInput{
		EventType:  EventActionValidated,
		IdentityID: "fence/trading/abc",
		Outcome:    "allowed",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PreviousHash)
}

func TestAppendRequiresEventType(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Append(context.Background(), AppendInput{IdentityID: "fence/trading/abc"})
	assert.Error(t, err)
}

func TestVerifyIntegrityValidChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, AppendInput{
			EventType:  EventActionValidated,
			IdentityID: "fence/trading/abc",
			Outcome:    "allowed",
		})
		require.NoError(t, err)
	}

	result, err := l.VerifyIntegrity(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 10, result.Checked)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, AppendInput{
			EventType:  EventActionValidated,
			IdentityID: "fence/trading/abc",
			Outcome:    "allowed",
		})
		require.NoError(t, err)
	}

	require.True(t, store.Tamper(3, "blocked"))

	result, err := l.VerifyIntegrity(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, uint64(3), result.BrokenAt)
}

func TestVerifyIntegritySubrange(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, AppendInput{
			EventType:  EventActionValidated,
			IdentityID: "fence/trading/abc",
			Outcome:    "allowed",
		})
		require.NoError(t, err)
	}

	result, err := l.VerifyIntegrity(ctx, 3, 6)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.Checked)
}

func TestConcurrentAppendsStayLinear(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, AppendInput{
				EventType:  EventActionValidated,
				IdentityID: "fence/trading/abc",
				Outcome:    "allowed",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	result, err := l.VerifyIntegrity(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 50, result.Checked)
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, AppendInput{
			EventType:  EventActionValidated,
			IdentityID: "fence/trading/abc",
			Outcome:    "allowed",
		})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, AppendInput{
		EventType:  EventAgentKilled,
		IdentityID: "fence/trading/abc",
		Outcome:    "revoked",
	})
	require.NoError(t, err)

	kills, total, err := l.Query(ctx, Filter{EventType: EventAgentKilled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, kills, 1)
	assert.Equal(t, "revoked", kills[0].Outcome)

	page, total, err := l.Query(ctx, Filter{IdentityID: "fence/trading/abc", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}

func TestResumeFromExistingStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l, err := New(ctx, store)
	require.NoError(t, err)
	first, err := l.Append(ctx, AppendInput{EventType: EventAgentRegistered, Outcome: "registered"})
	require.NoError(t, err)

	reopened, err := New(ctx, store)
	require.NoError(t, err)
	second, err := reopened.Append(ctx, AppendInput{EventType: EventActionValidated, Outcome: "allowed"})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PreviousHash)
}
