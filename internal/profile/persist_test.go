package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu   sync.Mutex
	rows map[string]Aggregate
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]Aggregate)}
}

func (f *fakeBackend) Save(_ context.Context, agg Aggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[agg.IdentityID] = agg
	return nil
}

func (f *fakeBackend) LoadAll(_ context.Context) ([]Aggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	aggs := make([]Aggregate, 0, len(f.rows))
	for _, agg := range f.rows {
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

func TestAggregatesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	now := time.Now()

	s, err := NewPersistentStore(ctx, backend)
	require.NoError(t, err)
	s.Record(testID, "exchange-a", 100, true, 10, now)
	s.Record(testID, "exchange-a", 300, true, 20, now)
	s.Record(testID, "exchange-b", 0, false, 80, now)

	reopened, err := NewPersistentStore(ctx, backend)
	require.NoError(t, err)

	p := reopened.Snapshot(testID)
	assert.Equal(t, 3, p.TotalActions)
	assert.Equal(t, 1, p.BlockedActions)
	assert.Equal(t, 110, p.TotalRiskScore)
	assert.InDelta(t, 400.0, p.TotalSpent, 0.001)
	assert.InDelta(t, 200.0, p.AverageTransactionSize, 0.001)
	assert.Equal(t, []string{"exchange-a", "exchange-b"}, p.CommonTargets)
	assert.Equal(t, now.Unix(), p.LastAction.Unix())

	// Sliding windows are rebuilt from live traffic, not restored.
	assert.Zero(t, p.TransactionFrequency)
	assert.Zero(t, reopened.RecentCount(testID, now))
}

func TestSpendingLimitStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	s, err := NewPersistentStore(ctx, backend)
	require.NoError(t, err)
	s.Record(testID, "exchange-a", 600, true, 10, time.Now())

	reopened, err := NewPersistentStore(ctx, backend)
	require.NoError(t, err)
	assert.InDelta(t, 600.0, reopened.TotalSpent(testID), 0.001)
}
