package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// lockTimeout bounds how long Load/Save wait for the sidecar's advisory
// file lock before giving up.
const lockTimeout = 5 * time.Second

// Sidecar persists a Record to a JSON file, rewritten atomically
// (write-temp + rename) per spec §6's persisted-state requirement, guarded
// by an advisory file lock so a concurrently running operator CLI never
// races the daemon's own read-modify-write. Grounded on Koopa0-koopa's
// internal/session package (atomic writes plus github.com/gofrs/flock
// locking over a single state file).
type Sidecar struct {
	path string
	lock *flock.Flock
}

// NewSidecar constructs a Sidecar backed by path.
func NewSidecar(path string) *Sidecar {
	return &Sidecar{path: path, lock: flock.New(path + ".lock")}
}

// Load reads the sidecar file. A missing file is not an error: it
// returns a zero-value Record in state INACTIVE, the state every fresh
// deployment starts in.
func (s *Sidecar) Load() (Record, error) {
	unlock, err := s.lockShared()
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Record{State: StateInactive}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("migration: read sidecar: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("migration: decode sidecar: %w", err)
	}
	return rec, nil
}

// Save writes rec to the sidecar path via write-temp-then-rename, so a
// crash mid-write never leaves a torn file behind. The temp name carries
// a uuid suffix so concurrent Save calls (which should not happen given
// the controller's single mutex, but the file format makes no such
// assumption on its own) never collide.
func (s *Sidecar) Save(rec Record) error {
	unlock, err := s.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("migration: encode sidecar: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(s.path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("migration: write sidecar temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("migration: rename sidecar: %w", err)
	}
	return nil
}

func (s *Sidecar) lockShared() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("migration: lock sidecar for read: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("migration: lock sidecar for read: timed out")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

func (s *Sidecar) lockExclusive() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("migration: lock sidecar for write: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("migration: lock sidecar for write: timed out")
	}
	return func() { _ = s.lock.Unlock() }, nil
}
