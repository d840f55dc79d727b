package breaker

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
	rows map[string]State
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]State)}
}

func (f *fakeBackend) Save(_ context.Context, st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[st.IdentityID] = st
	return nil
}

func (f *fakeBackend) LoadAll(_ context.Context) ([]State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]State, 0, len(f.rows))
	for _, st := range f.rows {
		states = append(states, st)
	}
	return states, nil
}

func TestCircuitStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	m, _, _ := newTestManager(DefaultConfig())
	m.backend = backend
	for i := 0; i < 5; i++ {
		m.RecordFailure(testID, "validation")
	}
	require.Equal(t, StateOpen, m.Snapshot(testID).State)

	reopened, err := NewPersistentManager(ctx, DefaultConfig(), nil, backend)
	require.NoError(t, err)

	st := reopened.Snapshot(testID)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 5, st.ConsecutiveFailures)
	assert.Equal(t, 5, st.TotalRequests)
	assert.Equal(t, 5, st.FailedRequests)
	assert.False(t, reopened.IsRequestAllowed(testID))
}

func TestOpenCircuitStillCoolsDownAfterRestart(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	m, _, now := newTestManager(DefaultConfig())
	m.backend = backend
	for i := 0; i < 5; i++ {
		m.RecordFailure(testID, "validation")
	}

	reopened, err := NewPersistentManager(ctx, DefaultConfig(), nil, backend)
	require.NoError(t, err)
	later := now.Add(DefaultConfig().Timeout + time.Second)
	reopened.clock = func() time.Time { return later }

	assert.True(t, reopened.IsRequestAllowed(testID))
	assert.Equal(t, StateHalfOpen, reopened.Snapshot(testID).State)
}

func TestKillLatchesDoNotRefireAfterRestart(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	cfg := DefaultConfig()

	m, kills, _ := newTestManager(cfg)
	m.backend = backend
	for i := 0; i < cfg.UnauthorizedLimit; i++ {
		m.RecordUnauthorizedAttempt(testID)
	}
	require.Equal(t, 1, kills.count())

	restartKills := &killRecorder{}
	reopened, err := NewPersistentManager(ctx, cfg, restartKills.record, backend)
	require.NoError(t, err)

	// The cap was already acted on before the restart.
	reopened.RecordUnauthorizedAttempt(testID)
	assert.Zero(t, restartKills.count())
	assert.Equal(t, cfg.UnauthorizedLimit+1, reopened.Snapshot(testID).UnauthorizedAttempts)
}
