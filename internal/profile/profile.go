package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	maxHistory      = 1000
	topTargetCount  = 10
	frequencyWindow = time.Hour
	burstWindow     = 60 * time.Second

	persistTimeout = 2 * time.Second
)

// Profile is a point-in-time snapshot of one agent's rolling behavior. The
// risk model reads these; it never touches the mutable state behind them.
type Profile struct {
	IdentityID             string    `json:"identity_id"`
	AverageTransactionSize float64   `json:"average_transaction_size"`
	TransactionFrequency   int       `json:"transaction_frequency"`
	CommonTargets          []string  `json:"common_targets"`
	TotalActions           int       `json:"total_actions"`
	BlockedActions         int       `json:"blocked_actions"`
	TotalRiskScore         int       `json:"-"`
	TotalSpent             float64   `json:"total_spent"`
	LastAction             time.Time `json:"last_action"`
	LastUpdated            time.Time `json:"last_updated"`
}

type actionRecord struct {
	at     time.Time
	target string
	amount float64
}

// state is the per-identity mutable record. Each one carries its own mutex so
// unrelated identities never contend.
type state struct {
	mu             sync.Mutex
	identityID     string
	history        []actionRecord
	targetCounts   map[string]int
	hourly         *slidingWindow
	burst          *slidingWindow
	amountSum      float64
	amountCount    int
	totalActions   int
	blockedActions int
	totalRiskScore int
	totalSpent     float64
	lastAction     time.Time
	lastUpdated    time.Time
}

// Aggregate is the durable slice of a profile: the running counters that must
// survive a restart. The sliding windows and bounded history are rebuilt from
// live traffic instead.
type Aggregate struct {
	IdentityID     string
	TotalActions   int
	BlockedActions int
	TotalRiskScore int
	TotalSpent     float64
	AmountSum      float64
	AmountCount    int
	TargetCounts   map[string]int
	LastAction     time.Time
	LastUpdated    time.Time
}

// Backend persists profile aggregates keyed by identity.
type Backend interface {
	Save(ctx context.Context, agg Aggregate) error
	LoadAll(ctx context.Context) ([]Aggregate, error)
}

// Store holds behavioral profiles keyed by identity.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*state
	backend  Backend
}

func NewStore() *Store {
	return &Store{profiles: make(map[string]*state)}
}

// NewPersistentStore restores profile aggregates from the backend and writes
// every subsequent update through to it.
func NewPersistentStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{profiles: make(map[string]*state), backend: backend}

	aggs, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load behavioral profiles: %w", err)
	}
	for _, agg := range aggs {
		st := s.get(agg.IdentityID)
		st.mu.Lock()
		st.totalActions = agg.TotalActions
		st.blockedActions = agg.BlockedActions
		st.totalRiskScore = agg.TotalRiskScore
		st.totalSpent = agg.TotalSpent
		st.amountSum = agg.AmountSum
		st.amountCount = agg.AmountCount
		for target, count := range agg.TargetCounts {
			st.targetCounts[target] = count
		}
		st.lastAction = agg.LastAction
		st.lastUpdated = agg.LastUpdated
		st.mu.Unlock()
	}
	return s, nil
}

func (s *Store) get(identityID string) *state {
	s.mu.RLock()
	st, ok := s.profiles[identityID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.profiles[identityID]; ok {
		return st
	}
	st = &state{
		identityID:   identityID,
		targetCounts: make(map[string]int),
		hourly:       newSlidingWindow(frequencyWindow),
		burst:        newSlidingWindow(burstWindow),
	}
	s.profiles[identityID] = st
	return st
}

// Record folds one validated action into the profile. History is bounded at
// maxHistory records; evicted records release their target counts and amount
// contribution so memory and averages stay constant over time.
func (s *Store) Record(identityID, target string, amount float64, allowed bool, riskScore int, at time.Time) {
	st := s.get(identityID)
	st.mu.Lock()

	rec := actionRecord{at: at, target: target, amount: amount}
	st.history = append(st.history, rec)
	if target != "" {
		st.targetCounts[target]++
	}
	if amount > 0 {
		st.amountSum += amount
		st.amountCount++
	}

	if len(st.history) > maxHistory {
		old := st.history[0]
		st.history = st.history[1:]
		if old.target != "" {
			st.targetCounts[old.target]--
			if st.targetCounts[old.target] <= 0 {
				delete(st.targetCounts, old.target)
			}
		}
		if old.amount > 0 {
			st.amountSum -= old.amount
			st.amountCount--
		}
	}

	st.hourly.add(1, at)
	st.burst.add(1, at)

	st.totalActions++
	st.totalRiskScore += riskScore
	if !allowed {
		st.blockedActions++
	} else if amount > 0 {
		st.totalSpent += amount
	}
	st.lastAction = at
	st.lastUpdated = time.Now()

	agg := st.aggregateLocked()
	st.mu.Unlock()

	s.persist(agg)
}

// persist writes one aggregate through to the backend. It never gates
// enforcement: a failed save is logged and the in-memory profile stays
// authoritative.
func (s *Store) persist(agg Aggregate) {
	if s.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.backend.Save(ctx, agg); err != nil {
		slog.Warn("Failed to persist behavioral profile",
			"identity_id", agg.IdentityID,
			"error", err)
	}
}

func (st *state) aggregateLocked() Aggregate {
	counts := make(map[string]int, len(st.targetCounts))
	for target, count := range st.targetCounts {
		counts[target] = count
	}
	return Aggregate{
		IdentityID:     st.identityID,
		TotalActions:   st.totalActions,
		BlockedActions: st.blockedActions,
		TotalRiskScore: st.totalRiskScore,
		TotalSpent:     st.totalSpent,
		AmountSum:      st.amountSum,
		AmountCount:    st.amountCount,
		TargetCounts:   counts,
		LastAction:     st.lastAction,
		LastUpdated:    st.lastUpdated,
	}
}

// Snapshot returns the current profile for an identity. A fresh identity gets
// a zero-valued profile rather than an error; the risk model treats missing
// history as "no baseline yet".
func (s *Store) Snapshot(identityID string) Profile {
	st := s.get(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	p := Profile{
		IdentityID:           identityID,
		TransactionFrequency: st.hourly.count(now),
		CommonTargets:        st.topTargets(),
		TotalActions:         st.totalActions,
		BlockedActions:       st.blockedActions,
		TotalRiskScore:       st.totalRiskScore,
		TotalSpent:           st.totalSpent,
		LastAction:           st.lastAction,
		LastUpdated:          st.lastUpdated,
	}
	if st.amountCount > 0 {
		p.AverageTransactionSize = st.amountSum / float64(st.amountCount)
	}
	return p
}

// RecentCount reports how many actions landed inside the trailing burst
// window (60s). Used for the high-frequency rule.
func (s *Store) RecentCount(identityID string, now time.Time) int {
	st := s.get(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.burst.count(now)
}

// TotalSpent returns the cumulative amount of allowed actions.
func (s *Store) TotalSpent(identityID string) float64 {
	st := s.get(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalSpent
}

func (st *state) topTargets() []string {
	type tc struct {
		target string
		count  int
	}
	counts := make([]tc, 0, len(st.targetCounts))
	for target, count := range st.targetCounts {
		counts = append(counts, tc{target, count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].target < counts[j].target
	})
	if len(counts) > topTargetCount {
		counts = counts[:topTargetCount]
	}
	targets := make([]string, len(counts))
	for i, c := range counts {
		targets[i] = c.target
	}
	return targets
}
