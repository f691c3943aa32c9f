// Package watchdog implements the connectivity dead-man's switch. An armed
// watchdog is a durable store row plus one or two timers racing the
// foreground Disarm: an in-process goroutine, and optionally a detached
// helper process that survives foreground death. Whoever reaches the
// single-assignment resolved marker first wins; everyone else no-ops.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/retry"
	"github.com/hardctl/hardctl/pkg/store"
)

// Manager arms and resolves watchdogs
type Manager struct {
	db      store.Store
	backups *backup.Store
	run     runner.Runner
	log     *logging.Logger

	// Detach controls whether Arm also spawns a detached helper process.
	// The in-process timer alone cannot survive the foreground dying.
	Detach bool
}

// NewManager creates a watchdog manager
func NewManager(db store.Store, backups *backup.Store, run runner.Runner, log *logging.Logger) *Manager {
	return &Manager{db: db, backups: backups, run: run, log: log}
}

// ArmSpec describes what an armed watchdog must be able to do on its own
// after the foreground process is gone
type ArmSpec struct {
	TransactionID string
	BackupID      string        // Backup to restore if liveness is lost; must already be flushed
	Timeout       time.Duration // Deadline offset from now
	LivenessCmd   string        // Probe command; exit 0 means the access path is alive
	RestoreCmd    string        // Reload command re-run after restoring the backup
}

// Arm persists the watchdog row and starts the deadline timer. The row is
// written before any timer starts and before the caller may trigger a
// reload: a watchdog that is not durable yet protects nothing. The returned
// cancel function stops the in-process timer only; it does not resolve the
// watchdog (use Disarm for that).
func (m *Manager) Arm(ctx context.Context, spec ArmSpec) (*models.Watchdog, context.CancelFunc, error) {
	if spec.BackupID == "" {
		return nil, nil, fmt.Errorf("refusing to arm watchdog without a backup")
	}
	if _, err := m.db.GetBackup(spec.BackupID); err != nil {
		return nil, nil, fmt.Errorf("backup %s not in manifest: %w", spec.BackupID, err)
	}

	w := &models.Watchdog{
		ID:            uuid.New().String(),
		TransactionID: spec.TransactionID,
		BackupID:      spec.BackupID,
		Deadline:      time.Now().Add(spec.Timeout).UTC(),
		LivenessCmd:   spec.LivenessCmd,
		RestoreCmd:    spec.RestoreCmd,
		Armed:         true,
	}

	if err := m.db.ArmWatchdog(w); err != nil {
		return nil, nil, fmt.Errorf("failed to persist watchdog: %w", err)
	}

	timerCtx, cancel := context.WithCancel(ctx)
	go m.runTimer(timerCtx, w.ID, w.Deadline)

	if m.Detach {
		if err := m.spawnHelper(w.ID); err != nil {
			// The in-process timer still covers us; log and continue
			m.log.Warn("Failed to spawn detached watchdog helper", map[string]interface{}{
				"watchdog_id": w.ID, "error": err.Error(),
			})
		}
	}

	m.log.Info("Watchdog armed", map[string]interface{}{
		"watchdog_id": w.ID, "deadline": w.Deadline.Format(time.RFC3339), "backup_id": w.BackupID,
	})

	return w, cancel, nil
}

// Disarm resolves the watchdog from the synchronous path after a passing
// liveness check. Returns whether this call won the resolved marker; a
// false return means a timer got there first and the disarm is a logged
// no-op. Idempotent either way.
func (m *Manager) Disarm(id string) (bool, error) {
	won, err := m.db.TryResolveWatchdog(id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve watchdog %s: %w", id, err)
	}
	if !won {
		m.log.Info("Watchdog already resolved, disarm is a no-op", map[string]interface{}{
			"watchdog_id": id,
		})
		return false, nil
	}

	metrics.WatchdogsDisarmed.Inc()
	m.log.Info("Watchdog disarmed", map[string]interface{}{"watchdog_id": id})
	return true, nil
}

// Wait blocks until the watchdog's deadline, then fires it. This is the
// entrypoint for the detached helper: everything it needs is reconstructed
// from the store, never from foreground memory.
func (m *Manager) Wait(ctx context.Context, id string) error {
	w, err := m.db.GetWatchdog(id)
	if err != nil {
		return fmt.Errorf("failed to load watchdog %s: %w", id, err)
	}
	if w.Resolved {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(w.Deadline)):
	}

	return m.fire(ctx, id)
}

// runTimer is the in-process deadline timer. Cancellation stops the timer
// without resolving the watchdog.
func (m *Manager) runTimer(ctx context.Context, id string, deadline time.Time) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(deadline)):
	}

	if err := m.fire(context.Background(), id); err != nil {
		m.log.Error("Watchdog fire failed", map[string]interface{}{
			"watchdog_id": id, "error": err.Error(),
		})
	}
}

// fire runs at deadline. First claim the resolved marker: losing means a
// disarm or another timer got there first, and firing would be a redundant
// restore on top of an already-settled host. After winning, give the access
// path one more chance with a short probe schedule before restoring.
func (m *Manager) fire(ctx context.Context, id string) error {
	won, err := m.db.TryResolveWatchdog(id)
	if err != nil {
		return fmt.Errorf("failed to resolve watchdog %s: %w", id, err)
	}
	if !won {
		m.log.Debug("Watchdog already resolved, timer exiting", map[string]interface{}{
			"watchdog_id": id,
		})
		return nil
	}

	metrics.WatchdogsFired.Inc()

	w, err := m.db.GetWatchdog(id)
	if err != nil {
		return fmt.Errorf("failed to load watchdog %s: %w", id, err)
	}

	if w.LivenessCmd != "" {
		probeErr := retry.Do(ctx, retry.ProbeConfig(), func() error {
			_, err := m.run.Run(ctx, w.LivenessCmd)
			return err
		})
		if probeErr == nil {
			m.log.Info("Liveness recovered at deadline, no restore needed", map[string]interface{}{
				"watchdog_id": id,
			})
			return nil
		}
		m.log.Warn("Liveness still failing at deadline, restoring backup", map[string]interface{}{
			"watchdog_id": id, "probe_error": probeErr.Error(),
		})
	}

	return m.restore(ctx, w)
}

// restore puts the protected artifact back from the watchdog's backup and
// re-runs the reload command so the consuming service picks up the prior
// config
func (m *Manager) restore(ctx context.Context, w *models.Watchdog) error {
	b, err := m.db.GetBackup(w.BackupID)
	if err != nil {
		return fmt.Errorf("watchdog backup %s: %w", w.BackupID, err)
	}
	if err := m.backups.Restore(b, ""); err != nil {
		return fmt.Errorf("watchdog restore failed: %w", err)
	}

	// Record the outcome durably so foreground paths that lost the resolved
	// race know the restore already happened
	if err := m.db.MarkWatchdogRestored(w.ID); err != nil {
		m.log.Error("Failed to record watchdog restore outcome", map[string]interface{}{
			"watchdog_id": w.ID, "error": err.Error(),
		})
	}

	if w.RestoreCmd != "" {
		if out, err := m.run.Run(ctx, w.RestoreCmd); err != nil {
			return fmt.Errorf("watchdog reload failed: %s: %w", out, err)
		}
	}

	m.log.Info("Watchdog restored prior configuration", map[string]interface{}{
		"watchdog_id": w.ID, "backup_id": w.BackupID, "path": b.SourcePath,
	})
	return nil
}

// spawnHelper re-invokes our own binary as a detached session leader so the
// deadline survives foreground death
func (m *Manager) spawnHelper(id string) error {
	self, err := runner.SelfPath()
	if err != nil {
		return err
	}
	pid, err := runner.StartDetached(self, "watchdog", "wait", id)
	if err != nil {
		return err
	}
	m.log.Debug("Detached watchdog helper started", map[string]interface{}{
		"watchdog_id": id, "pid": pid,
	})
	return nil
}

// Restored reports whether the watchdog's fire path actually put the backup
// back. A resolved watchdog with Restored false kept the change (its
// deadline probe passed), so any owed restore is still on the caller.
func (m *Manager) Restored(id string) (bool, error) {
	w, err := m.db.GetWatchdog(id)
	if err != nil {
		return false, fmt.Errorf("failed to load watchdog %s: %w", id, err)
	}
	return w.Restored, nil
}

// Pending returns armed, unresolved watchdogs
func (m *Manager) Pending() []*models.Watchdog {
	return m.db.ListWatchdogs(true)
}
