// Package risk scores proposed actions against an agent's behavioral
// baseline. The model is a pure function over a profile snapshot; it holds no
// state of its own.
package risk

import (
	"github.com/runtimefence/fence/internal/profile"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Behavioral flags reported as reasons on a scored action.
const (
	FlagUnusuallyLargeTransaction = "unusually_large_transaction"
	FlagLargeTransaction          = "large_transaction"
	FlagHighFrequency             = "high_frequency"
	FlagNewTarget                 = "new_target"
)

// Contribution per triggered behavioral rule.
const (
	scoreUnusuallyLarge = 40
	scoreLarge          = 20
	scoreHighFrequency  = 30
	scoreNewTarget      = 15
)

// Rank orders levels from low (0) to critical (3).
func Rank(level Level) int {
	switch level {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// LevelForScore maps a 0-100 score onto a risk level.
func LevelForScore(score int) Level {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Thresholds is the per-system decision boundary: an action is allowed while
// its score stays below the threshold of the configured level.
type Thresholds struct {
	Low      int `mapstructure:"low"`
	Medium   int `mapstructure:"medium"`
	High     int `mapstructure:"high"`
	Critical int `mapstructure:"critical"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Low: 25, Medium: 50, High: 75, Critical: 90}
}

func (t Thresholds) For(level Level) int {
	switch level {
	case LevelLow:
		return t.Low
	case LevelMedium:
		return t.Medium
	case LevelCritical:
		return t.Critical
	default:
		return t.High
	}
}

// Input describes the action under assessment relative to one profile.
type Input struct {
	Profile     profile.Profile
	Amount      float64
	Target      string
	RecentCount int // actions in the trailing 60s, excluding this one
}

type Assessment struct {
	Score int
	Flags []string
}

// Assess computes the behavioral risk contribution for one action. Rules are
// independent and cumulative; a rule without a baseline (fresh profile) stays
// silent rather than condemning a new agent.
func Assess(in Input) Assessment {
	var a Assessment

	if in.Amount > 0 && in.Profile.AverageTransactionSize > 0 {
		ratio := in.Amount / in.Profile.AverageTransactionSize
		switch {
		case ratio > 10:
			a.Score += scoreUnusuallyLarge
			a.Flags = append(a.Flags, FlagUnusuallyLargeTransaction)
		case ratio > 5:
			a.Score += scoreLarge
			a.Flags = append(a.Flags, FlagLargeTransaction)
		}
	}

	// TransactionFrequency is a trailing-hour count; normalize it to a
	// per-minute baseline before comparing against the 60s burst count.
	if in.Profile.TransactionFrequency > 0 {
		perMinute := float64(in.Profile.TransactionFrequency) / 60.0
		if float64(in.RecentCount) > 2*perMinute {
			a.Score += scoreHighFrequency
			a.Flags = append(a.Flags, FlagHighFrequency)
		}
	}

	if in.Target != "" && len(in.Profile.CommonTargets) > 0 && !contains(in.Profile.CommonTargets, in.Target) {
		a.Score += scoreNewTarget
		a.Flags = append(a.Flags, FlagNewTarget)
	}

	a.Score = Clamp(a.Score)
	return a
}

// Clamp bounds a score to [0, 100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
