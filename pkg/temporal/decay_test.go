package temporal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memkit/memkit/pkg/temporal"
)

func TestConfigDecay(t *testing.T) {
	cfg := temporal.DefaultConfig()

	tests := []struct {
		name        string
		importance  float64
		elapsedDays float64
		want        float64
	}{
		{"no elapsed time leaves importance unchanged", 0.8, 0, 0.8},
		{"decays toward floor over time", 1.0, 365, cfg.Floor},
		{"never decays below floor", 0.21, 10000, cfg.Floor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.Decay(tt.importance, tt.elapsedDays)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestConfigDecayNeverExceedsOne(t *testing.T) {
	cfg := temporal.Config{DecayRate: -1, Floor: 0} // pathological negative rate would grow importance
	got := cfg.Decay(0.9, 10)
	assert.LessOrEqual(t, got, 1.0)
}
