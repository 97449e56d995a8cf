// Package temporal applies age-aware importance decay, drives tier
// promotion/demotion, and schedules consolidation. Grounded on
// ob-labs-powermem-go's intelligence.EbbinghausManager, generalized from
// a three-tier retention-strength classifier into the short_term/
// long_term/archived tier state machine the engine requires.
package temporal

import "math"

// Config holds the tunables from the spec §6 configuration object's
// `tiers` and `decay_rate` fields.
type Config struct {
	// DecayRate is λ in importance <- max(floor, importance * exp(-λ *
	// Δt_days)). Default 0.01/day.
	DecayRate float64

	// Floor is the minimum importance decay can reach. Fixed at 0.2 per
	// spec §4.2.
	Floor float64

	ShortTermThreshold    float64 // default 0.3
	ArchivalThresholdDays float64 // default 30
	MaxShortTerm          int
	MaxLongTerm           int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		DecayRate:             0.01,
		Floor:                 0.2,
		ShortTermThreshold:    0.3,
		ArchivalThresholdDays: 30,
		MaxShortTerm:          1000,
		MaxLongTerm:           10000,
	}
}

// Decay applies the spec §4.2 decay formula and returns the new
// importance, clamped to [Floor, 1].
func (c Config) Decay(importance float64, elapsedDays float64) float64 {
	decayed := importance * math.Exp(-c.DecayRate*elapsedDays)
	if decayed < c.Floor {
		return c.Floor
	}
	if decayed > 1 {
		return 1
	}
	return decayed
}
