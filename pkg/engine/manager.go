// Package engine implements the domain manager (spec §4.5): the tool
// façade that validates arguments against JSON Schema, enforces the
// two-stage readiness state machine, and routes tool calls to the
// persistence/temporal/semantic/episodic domains and the migration
// controller. Grounded on ob-labs-powermem-go's intelligence.Manager for
// the shape of a single orchestrating façade over the domain packages,
// generalized into a stateful lifecycle with a static, always-available
// tool list.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/core"
)

// State is one node of the domain manager's lifecycle (spec §4.5).
type State string

const (
	StateStarting       State = "starting"
	StateTransportReady State = "transport_ready"
	StateWarming        State = "warming"
	StateReady          State = "ready"
	StateDraining       State = "draining"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// Manager owns the domain manager's lifecycle and tool dispatch. Exactly
// one Manager exists per process.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	schemas *schemaRegistry
	ids     *snowflake.Node

	mu            sync.RWMutex
	state         State
	failureReason error
	domains       *Domains

	inflight sync.WaitGroup
}

// New constructs a Manager in StateStarting. The tool list (schemas) is
// compiled here, synchronously, so ListTools is correct even before
// Start is called — satisfying the "tool list available within 5
// seconds" guarantee trivially, since compiling the static schema table
// takes microseconds.
func New(cfg *config.Config, log zerolog.Logger) (*Manager, error) {
	schemas, err := newSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("engine: build schema registry: %w", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("engine: build id generator: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		schemas: schemas,
		ids:     node,
		state:   StateStarting,
	}, nil
}

// Start transitions starting -> transport_ready immediately (the stdio
// transport is ready to read lines as soon as the process is up) and
// begins warming in the background. It returns once the transition to
// transport_ready is recorded; callers do not block on warming.
func (m *Manager) Start(ctx context.Context) {
	m.setState(StateTransportReady, nil)
	go m.warm(ctx)
}

func (m *Manager) warm(ctx context.Context) {
	m.setState(StateWarming, nil)
	m.log.Info().Msg("warming: opening persistence backend and embedding provider")

	domains, err := buildDomains(ctx, m.cfg, m.log, m.ids)
	if err != nil {
		m.log.Error().Err(err).Msg("warming failed")
		m.setState(StateFailed, err)
		return
	}

	m.mu.Lock()
	m.domains = domains
	m.mu.Unlock()

	domains.Scheduler.Start(ctx)
	go m.gradualMigrationLoop(ctx)

	m.setState(StateReady, nil)
	m.log.Info().Msg("ready")
}

func (m *Manager) setState(s State, reason error) {
	m.mu.Lock()
	m.state = s
	m.failureReason = reason
	m.mu.Unlock()
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FailureReason returns the error that moved the manager to failed, or
// nil if it never failed.
func (m *Manager) FailureReason() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failureReason
}

// ListTools returns the static tool list (spec §4.5: served before
// warming finishes). It never depends on m.state.
func (m *Manager) ListTools() []string {
	return m.schemas.ToolNames()
}

// Drain transitions ready -> draining, waits for in-flight calls to
// finish, stops the background domains, and transitions to stopped. It
// is a no-op (besides the state transition) if the manager never left
// warming/transport_ready, since there is nothing running yet. A failed
// manager stays failed, with its failure reason kept, since failed is
// absorbing.
func (m *Manager) Drain() {
	if m.State() == StateFailed {
		return
	}
	m.setState(StateDraining, nil)
	m.inflight.Wait()

	m.mu.RLock()
	domains := m.domains
	m.mu.RUnlock()
	if domains != nil {
		domains.Close()
	}

	m.setState(StateStopped, nil)
}

// Call validates args against tool's schema and dispatches to the
// matching handler. It enforces the readiness gate: calls made while
// starting/transport_ready/warming get Initializing, calls made while
// draining/stopped/failed get the matching terminal error, and only
// ready accepts and executes calls.
func (m *Manager) Call(ctx context.Context, tool string, args []byte) ([]byte, error) {
	state := m.State()
	switch state {
	case StateStarting, StateTransportReady, StateWarming:
		return nil, core.NewMemoryError(tool, core.CodeInitializing, fmt.Errorf("engine is %s", state))
	case StateDraining:
		return nil, core.NewMemoryError(tool, core.CodeDraining, fmt.Errorf("engine is draining"))
	case StateStopped, StateFailed:
		return nil, core.NewMemoryError(tool, core.CodeInternal, fmt.Errorf("engine is %s", state))
	}

	if err := m.schemas.validateTool(tool, args); err != nil {
		return nil, err
	}

	m.inflight.Add(1)
	defer m.inflight.Done()

	timeout := m.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.mu.RLock()
	domains := m.domains
	m.mu.RUnlock()

	h := handlers[tool]
	if h == nil {
		return nil, core.NewMemoryError(tool, core.CodeInvalidArguments, fmt.Errorf("unknown tool %q", tool))
	}

	out, err := h(callCtx, m, domains, args)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, core.NewMemoryError(tool, core.CodeTimeout, callCtx.Err())
		}
		return nil, err
	}
	return out, nil
}
