package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkerName is the run marker file inside Config.StateDir.
const MarkerName = ".engine"

type runMarker struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// MarkerPath returns the run marker location for stateDir.
func MarkerPath(stateDir string) string {
	return filepath.Join(stateDir, MarkerName)
}

// RemoveMarker deletes the run marker so the next run seeds again.
func RemoveMarker(stateDir string) error {
	if err := os.Remove(MarkerPath(stateDir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove run marker: %w", err)
	}
	return nil
}

func (e *Engine) reset(ctx context.Context) error {
	if e.deps.Clean != nil {
		if err := e.deps.Clean(ctx); err != nil {
			return fmt.Errorf("clean state: %w", err)
		}
	}
	if err := RemoveMarker(e.cfg.StateDir); err != nil {
		return err
	}
	e.logger.Info("cleared previous run state", zap.String("state_dir", e.cfg.StateDir))
	return nil
}

// start resumes the run named by the marker, or seeds the scheduler and
// writes a new marker.
func (e *Engine) start(ctx context.Context, sched Scheduler) error {
	path := MarkerPath(e.cfg.StateDir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var m runMarker
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("read run marker %s: %w", path, err)
		}
		e.setRunID(m.RunID)
		e.logger.Info("resuming run",
			zap.String("run_id", m.RunID),
			zap.Time("started_at", m.StartedAt),
			zap.Int("queued", sched.Size()),
		)
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read run marker %s: %w", path, err)
	}

	seeds := e.deps.Pool.Seeds()
	n, err := sched.Submit(ctx, seeds...)
	if err != nil {
		return fmt.Errorf("seed scheduler: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	m := runMarker{RunID: id.String(), StartedAt: time.Now().UTC()}
	data, err = json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode run marker: %w", err)
	}
	if err := os.MkdirAll(e.cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	e.setRunID(m.RunID)
	e.logger.Info("seeded new run",
		zap.String("run_id", m.RunID),
		zap.Int("seeds", len(seeds)),
		zap.Int("admitted", n),
	)
	return nil
}

func (e *Engine) setRunID(id string) {
	e.mu.Lock()
	e.runID = id
	e.mu.Unlock()
}
