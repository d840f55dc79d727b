package risk

import (
	"testing"

	"github.com/runtimefence/fence/internal/profile"
	"github.com/stretchr/testify/assert"
)

func baseline() profile.Profile {
	return profile.Profile{
		IdentityID:             "fence/trading/abc",
		AverageTransactionSize: 100,
		TransactionFrequency:   60, // one per minute
		CommonTargets:          []string{"exchange", "wallet"},
	}
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, LevelLow, LevelForScore(0))
	assert.Equal(t, LevelLow, LevelForScore(39))
	assert.Equal(t, LevelMedium, LevelForScore(40))
	assert.Equal(t, LevelHigh, LevelForScore(70))
	assert.Equal(t, LevelCritical, LevelForScore(90))
	assert.Equal(t, LevelCritical, LevelForScore(100))
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, 25, th.For(LevelLow))
	assert.Equal(t, 50, th.For(LevelMedium))
	assert.Equal(t, 75, th.For(LevelHigh))
	assert.Equal(t, 90, th.For(LevelCritical))
}

func TestLargeTransactionTiers(t *testing.T) {
	p := baseline()

	normal := Assess(Input{Profile: p, Amount: 200, Target: "exchange"})
	assert.Zero(t, normal.Score)

	large := Assess(Input{Profile: p, Amount: 600, Target: "exchange"})
	assert.Equal(t, 20, large.Score)
	assert.Contains(t, large.Flags, FlagLargeTransaction)

	huge := Assess(Input{Profile: p, Amount: 1500, Target: "exchange"})
	assert.Equal(t, 40, huge.Score)
	assert.Contains(t, huge.Flags, FlagUnusuallyLargeTransaction)
	// The tiers are mutually exclusive: the higher threshold wins.
	assert.NotContains(t, huge.Flags, FlagLargeTransaction)
}

func TestRiskMonotonicInAmount(t *testing.T) {
	p := baseline()

	prev := 0
	for _, amount := range []float64{50, 200, 501, 600, 1001, 5000} {
		a := Assess(Input{Profile: p, Amount: amount, Target: "exchange"})
		assert.GreaterOrEqual(t, a.Score, prev, "amount %v", amount)
		prev = a.Score
	}
}

func TestHighFrequency(t *testing.T) {
	p := baseline() // baseline of one action per minute

	calm := Assess(Input{Profile: p, Target: "exchange", RecentCount: 2})
	assert.Zero(t, calm.Score)

	burst := Assess(Input{Profile: p, Target: "exchange", RecentCount: 5})
	assert.Equal(t, 30, burst.Score)
	assert.Contains(t, burst.Flags, FlagHighFrequency)
}

func TestHighFrequencySilentWithoutBaseline(t *testing.T) {
	p := baseline()
	p.TransactionFrequency = 0

	a := Assess(Input{Profile: p, Target: "exchange", RecentCount: 50})
	assert.NotContains(t, a.Flags, FlagHighFrequency)
}

func TestNewTarget(t *testing.T) {
	p := baseline()

	known := Assess(Input{Profile: p, Target: "wallet"})
	assert.NotContains(t, known.Flags, FlagNewTarget)

	unknown := Assess(Input{Profile: p, Target: "mixer"})
	assert.Equal(t, 15, unknown.Score)
	assert.Contains(t, unknown.Flags, FlagNewTarget)
}

func TestNewTargetSilentWithoutHistory(t *testing.T) {
	p := baseline()
	p.CommonTargets = nil

	a := Assess(Input{Profile: p, Target: "mixer"})
	assert.NotContains(t, a.Flags, FlagNewTarget)
}

func TestRulesAreCumulative(t *testing.T) {
	p := baseline()

	a := Assess(Input{Profile: p, Amount: 5000, Target: "mixer", RecentCount: 10})
	assert.Equal(t, 40+30+15, a.Score)
	assert.Len(t, a.Flags, 3)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-5))
	assert.Equal(t, 100, Clamp(240))
	assert.Equal(t, 55, Clamp(55))
}
