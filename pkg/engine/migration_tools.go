package engine

import (
	"context"
	"encoding/json"

	"github.com/memkit/memkit/pkg/core"
)

type migrationStartArgs struct {
	TargetModel string `json:"target_model"`
}

func handleMigrationStart(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args migrationStartArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("migration_start", core.CodeInvalidArguments, err)
	}
	stats, err := d.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.Migration.Start(ctx, args.TargetModel, m.cfg.EmbeddingDimension, stats.Total); err != nil {
		return nil, err
	}
	return json.Marshal(d.Migration.Status())
}

func handleMigrationStatus(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	return json.Marshal(d.Migration.Status())
}

func handleMigrationAdvance(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	if err := d.Migration.Advance(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(d.Migration.Status())
}

func handleMigrationPause(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	if err := d.Migration.Pause(); err != nil {
		return nil, err
	}
	return json.Marshal(d.Migration.Status())
}

func handleMigrationResume(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	if err := d.Migration.Resume(); err != nil {
		return nil, err
	}
	return json.Marshal(d.Migration.Status())
}

type migrationRollbackArgs struct {
	Reason string `json:"reason,omitempty"`
}

func handleMigrationRollback(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args migrationRollbackArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, core.NewMemoryError("migration_rollback", core.CodeInvalidArguments, err)
		}
	}
	if args.Reason == "" {
		args.Reason = "operator_requested"
	}
	if err := d.Migration.Rollback(ctx, args.Reason); err != nil {
		return nil, err
	}
	return json.Marshal(d.Migration.Status())
}
