package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/memkit/memkit/pkg/core"
)

func TestMemoryTypeValid(t *testing.T) {
	tests := []struct {
		name string
		t    core.MemoryType
		want bool
	}{
		{"fact", core.TypeFact, true},
		{"entity", core.TypeEntity, true},
		{"conversation", core.TypeConversation, true},
		{"reflection", core.TypeReflection, true},
		{"code", core.TypeCode, true},
		{"unknown", core.MemoryType("bogus"), false},
		{"empty", core.MemoryType(""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.t.Valid())
		})
	}
}

func TestTierValid(t *testing.T) {
	assert.True(t, core.TierShortTerm.Valid())
	assert.True(t, core.TierLongTerm.Valid())
	assert.True(t, core.TierArchived.Valid())
	assert.False(t, core.Tier("deleted").Valid())
}

func TestClampImportance(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"below zero", -0.5, 0},
		{"zero", 0, 0},
		{"mid", 0.42, 0.42},
		{"one", 1, 1},
		{"above one", 1.5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.ClampImportance(tt.in))
		})
	}
}

func TestMemoryCloneCopiesTags(t *testing.T) {
	m := &core.Memory{ID: "m1", Tags: []string{"a", "b"}}
	clone := m.Clone()

	clone.Tags[0] = "mutated"
	assert.Equal(t, "a", m.Tags[0], "cloning must not alias the original Tags slice")
	assert.Equal(t, "m1", clone.ID)
}

func TestMemoryAge(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &core.Memory{CreatedAt: created}
	now := created.Add(72 * time.Hour)
	assert.Equal(t, 72*time.Hour, m.Age(now))
}

func TestFilterMatches(t *testing.T) {
	m := &core.Memory{
		Type:      core.TypeFact,
		Tier:      core.TierShortTerm,
		Tags:      []string{"work", "urgent"},
		CreatedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		filter core.Filter
		want   bool
	}{
		{"no constraints", core.Filter{}, true},
		{"matching type", core.Filter{Types: []core.MemoryType{core.TypeFact}}, true},
		{"non-matching type", core.Filter{Types: []core.MemoryType{core.TypeEntity}}, false},
		{"matching tier", core.Filter{Tiers: []core.Tier{core.TierShortTerm}}, true},
		{"non-matching tier", core.Filter{Tiers: []core.Tier{core.TierArchived}}, false},
		{"matching one of several tags", core.Filter{Tags: []string{"urgent", "unrelated"}}, true},
		{"no tag overlap", core.Filter{Tags: []string{"unrelated"}}, false},
		{"created after, too late", core.Filter{CreatedAfter: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}, false},
		{"created before, satisfied", core.Filter{CreatedBefore: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(m))
		})
	}
}
