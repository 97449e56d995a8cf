// Package migration implements the dual-collection embedding-model
// migration state machine (spec §4.6): a controller that re-embeds
// memories into a secondary vector collection with quality gates and
// rollback, without taking the engine offline. Grounded on
// ob-labs-powermem-go's intelligence.EbbinghausManager for the shape of
// a small, config-driven state classifier, generalized into a full state
// graph with a rolling quality signal.
package migration

// State is one node of the migration state graph.
type State string

const (
	StateInactive    State = "INACTIVE"
	StatePreparation State = "PREPARATION"
	StateShadow      State = "SHADOW"
	StateCanary      State = "CANARY"
	StateGradual     State = "GRADUAL"
	StateFull        State = "FULL"
	StateCleanup     State = "CLEANUP"
	StateCompleted   State = "COMPLETED"
	StateRollingBack State = "ROLLING_BACK"
)

// forward holds the single legal successor of each non-terminal,
// non-rollback state. COMPLETED loops back to INACTIVE; ROLLING_BACK is
// reachable from every active state and always resolves to INACTIVE.
var forward = map[State]State{
	StateInactive:    StatePreparation,
	StatePreparation: StateShadow,
	StateShadow:      StateCanary,
	StateCanary:      StateGradual,
	StateGradual:     StateFull,
	StateFull:        StateCleanup,
	StateCleanup:     StateCompleted,
	StateCompleted:   StateInactive,
	StateRollingBack: StateInactive,
}

// active reports whether s is a state from which ROLLING_BACK is
// reachable, i.e. every state except INACTIVE/COMPLETED/ROLLING_BACK
// itself.
func active(s State) bool {
	switch s {
	case StateInactive, StateCompleted, StateRollingBack:
		return false
	default:
		return true
	}
}

// CanAdvance reports whether from -> to is a legal single-step
// transition: the declared forward edge, or a rollback from any active
// state.
func CanAdvance(from, to State) bool {
	if to == StateRollingBack {
		return active(from)
	}
	return forward[from] == to
}

// Record is the persisted migration state, the payload of the JSON
// sidecar written by sidecar.go.
type Record struct {
	State             State    `json:"state"`
	PrimaryModel      string   `json:"primary_model"`
	SecondaryModel    string   `json:"secondary_model,omitempty"`
	StartedAt         int64    `json:"started_at,omitempty"`
	MigratedCount     int      `json:"migrated_count"`
	TotalCount        int      `json:"total_count"`
	DeferredIDs       []string `json:"deferred_ids,omitempty"`
	LastFailureReason string   `json:"last_failure_reason,omitempty"`
	QualitySignal     float64  `json:"quality_signal"`
}

// PercentMigrated returns MigratedCount/TotalCount as a fraction in
// [0, 1]; 1 when TotalCount is 0 (nothing to migrate counts as complete
// from the gate's perspective).
func (r Record) PercentMigrated() float64 {
	if r.TotalCount == 0 {
		return 1
	}
	return float64(r.MigratedCount) / float64(r.TotalCount)
}

// Config holds the spec §6 `migration` configuration sub-object.
type Config struct {
	Enabled           bool
	QualityThreshold  float64 // default 0.75
	RollbackThreshold float64 // default 0.6
	MaxTimeHours      float64 // default 24
	BatchSize         int     // default 100
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		QualityThreshold:  0.75,
		RollbackThreshold: 0.6,
		MaxTimeHours:      24,
		BatchSize:         100,
	}
}

// Snapshot is the read-only view returned by migration_status. A memory
// counts as migrated once its EmbeddingModel matches Record.SecondaryModel.
type Snapshot struct {
	Record
}
