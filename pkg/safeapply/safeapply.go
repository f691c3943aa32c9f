// Package safeapply orchestrates a guarded mutation of a critical artifact:
// validate off to the side, back up, arm the watchdog, swap atomically,
// reload, prove the access path still answers. Every failure path ends with
// the artifact back at its pre-mutation state.
package safeapply

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/tx"
	"github.com/hardctl/hardctl/pkg/watchdog"
)

// scratchSuffix names the staging copy written next to the live artifact
const scratchSuffix = ".hardctl-staged"

// Request describes one guarded mutation. The same shape serves a login
// daemon config, a packet filter ruleset or any other artifact whose
// breakage can sever the operator's access: only the commands differ.
type Request struct {
	Path       string // Live artifact to mutate
	NewContent []byte // Full replacement content

	// ValidateCmd checks a candidate file with the consumer's own checker.
	// "{file}" expands to the scratch path; without the placeholder the
	// scratch path is appended as the last argument.
	ValidateCmd string
	ReloadCmd   string // Makes the consuming service pick up the artifact
	LivenessCmd string // Probe proving the operator's access path still works
	RestoreCmd  string // Reload used when restoring prior config; defaults to ReloadCmd

	Timeout     time.Duration // Watchdog deadline offset
	SettleDelay time.Duration // Pause between reload and the liveness probe
}

// Orchestrator runs the safe-apply protocol
type Orchestrator struct {
	txm     *tx.Manager
	backups *backup.Store
	wd      *watchdog.Manager
	run     runner.Runner
	log     *logging.Logger
}

// New creates an orchestrator
func New(txm *tx.Manager, backups *backup.Store, wd *watchdog.Manager, run runner.Runner, log *logging.Logger) *Orchestrator {
	return &Orchestrator{txm: txm, backups: backups, wd: wd, run: run, log: log}
}

// Apply runs the full protocol against req.Path. Returns nil only when the
// new content is live, the liveness probe passed and this process won the
// watchdog's resolved marker. Any non-nil return means the artifact is back
// at (or never left) its pre-mutation state.
func (o *Orchestrator) Apply(ctx context.Context, req Request) error {
	if req.RestoreCmd == "" {
		req.RestoreCmd = req.ReloadCmd
	}

	// Stage and validate before touching anything live. A rejected
	// candidate costs nothing: no backup, no transaction, no watchdog.
	scratch, err := o.writeScratch(req.Path, req.NewContent)
	if err != nil {
		metrics.Applies.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to stage candidate: %w", err)
	}
	defer os.Remove(scratch)

	if req.ValidateCmd != "" {
		if out, err := o.run.Run(ctx, expandCmd(req.ValidateCmd, scratch)); err != nil {
			metrics.Applies.WithLabelValues("validation_failed").Inc()
			return &ValidationError{Path: req.Path, Output: out, Err: err}
		}
	}

	b, err := o.backups.Capture(req.Path)
	if err != nil {
		metrics.Applies.WithLabelValues("backup_failed").Inc()
		return &BackupError{Path: req.Path, Err: err}
	}

	t, err := o.txm.Begin("apply " + req.Path)
	if err != nil {
		metrics.Applies.WithLabelValues("error").Inc()
		return err
	}

	// LIFO ledger: on rollback the file is restored first, then the
	// consumer reloaded onto the prior config
	if req.RestoreCmd != "" {
		if err := t.Register(models.ActionCommand, models.CommandPayload{Command: req.RestoreCmd}); err != nil {
			t.Rollback("failed to register reload action")
			metrics.Applies.WithLabelValues("error").Inc()
			return err
		}
	}
	if err := t.Register(models.ActionFileRestore, models.FileRestorePayload{
		BackupID: b.ID, Path: req.Path,
	}); err != nil {
		t.Rollback("failed to register restore action")
		metrics.Applies.WithLabelValues("error").Inc()
		return err
	}

	// Backup is flushed and in the manifest; only now may the watchdog arm,
	// and only after it is durable may the reload run
	w, cancelTimer, err := o.wd.Arm(ctx, watchdog.ArmSpec{
		TransactionID: t.ID(),
		BackupID:      b.ID,
		Timeout:       req.Timeout,
		LivenessCmd:   req.LivenessCmd,
		RestoreCmd:    req.RestoreCmd,
	})
	if err != nil {
		t.Rollback("failed to arm watchdog")
		metrics.Applies.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to arm watchdog: %w", err)
	}
	defer cancelTimer()

	if err := o.swapAndReload(ctx, req, scratch); err != nil {
		o.abort(t, w.ID, err.Error())
		metrics.Applies.WithLabelValues("apply_failed").Inc()
		return err
	}

	if req.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			o.abort(t, w.ID, "cancelled during settle")
			metrics.Applies.WithLabelValues("error").Inc()
			return ctx.Err()
		case <-time.After(req.SettleDelay):
		}
	}

	// One synchronous probe. The watchdog's own deadline path retries; here
	// a single failure is enough to take the safe exit immediately.
	if req.LivenessCmd != "" {
		if _, err := o.run.Run(ctx, req.LivenessCmd); err != nil {
			o.log.Warn("Liveness probe failed, restoring prior configuration", map[string]interface{}{
				"path": req.Path, "error": err.Error(),
			})
			lost := &LivenessLost{Probe: req.LivenessCmd, Err: err}

			won, _ := o.wd.Disarm(w.ID)
			if won {
				// We own the restore: the ledger puts the file back and
				// reloads the consumer onto the prior config
				if rbErr := t.Rollback("liveness lost"); rbErr != nil {
					o.log.Error("Rollback after liveness loss incomplete", map[string]interface{}{
						"path": req.Path, "error": rbErr.Error(),
					})
				}
			} else {
				o.settleLostMarker(t, w.ID, "liveness lost")
			}

			metrics.Applies.WithLabelValues("liveness_lost").Inc()
			return lost
		}
	}

	won, err := o.wd.Disarm(w.ID)
	if err != nil {
		o.abort(t, w.ID, "disarm failed")
		metrics.Applies.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to disarm watchdog: %w", err)
	}
	if !won {
		// The timer beat us: the probe passing now does not make the
		// mutation live
		o.settleLostMarker(t, w.ID, "watchdog fired before disarm")
		metrics.Applies.WithLabelValues("liveness_lost").Inc()
		return &LivenessLost{Probe: req.LivenessCmd, Err: fmt.Errorf("watchdog deadline passed before disarm")}
	}

	if err := t.Commit(); err != nil {
		metrics.Applies.WithLabelValues("error").Inc()
		return err
	}

	metrics.Applies.WithLabelValues("success").Inc()
	o.log.Info("Apply succeeded", map[string]interface{}{
		"path": req.Path, "backup_id": b.ID,
	})
	return nil
}

// swapAndReload renames the validated scratch over the live artifact and
// reloads the consumer. Rename on the same filesystem is atomic: readers see
// either the old content or the new, never a torn file.
func (o *Orchestrator) swapAndReload(ctx context.Context, req Request, scratch string) error {
	if err := os.Rename(scratch, req.Path); err != nil {
		return &ApplyError{Step: "swap", Err: err}
	}

	if req.ReloadCmd != "" {
		if out, err := o.run.Run(ctx, req.ReloadCmd); err != nil {
			return &ApplyError{Step: "reload", Err: fmt.Errorf("%s: %w", out, err)}
		}
	}
	return nil
}

// abort suppresses the watchdog through the resolved marker and rolls the
// transaction back, so the restore is performed exactly once. If the
// watchdog won the marker, what happens to the ledger depends on whether
// its fire path actually restored.
func (o *Orchestrator) abort(t *tx.Tx, watchdogID, reason string) {
	won, err := o.wd.Disarm(watchdogID)
	if err != nil {
		o.log.Error("Failed to disarm watchdog during abort", map[string]interface{}{
			"watchdog_id": watchdogID, "error": err.Error(),
		})
	}
	if !won && err == nil {
		o.settleLostMarker(t, watchdogID, reason)
		return
	}
	if rbErr := t.Rollback(reason); rbErr != nil {
		o.log.Error("Rollback during abort incomplete", map[string]interface{}{
			"tx_id": t.ID(), "error": rbErr.Error(),
		})
	}
}

// settleLostMarker closes a transaction after the watchdog won the resolved
// marker. The watchdog resolving does not guarantee it restored: a fire whose
// deadline probe passes keeps the change. A failing apply must still end at
// the pre-mutation state, so the ledger is replayed unless the watchdog
// provably restored; replaying against an already-restored artifact is
// idempotent, skipping a needed restore is not, so doubt resolves toward
// replay.
func (o *Orchestrator) settleLostMarker(t *tx.Tx, watchdogID, reason string) {
	restored, err := o.wd.Restored(watchdogID)
	if err != nil {
		o.log.Error("Failed to read watchdog outcome, replaying ledger", map[string]interface{}{
			"watchdog_id": watchdogID, "error": err.Error(),
		})
	}
	if restored {
		t.Discard(reason + "; restore handled by watchdog")
		return
	}
	if rbErr := t.Rollback(reason); rbErr != nil {
		o.log.Error("Rollback after lost marker incomplete", map[string]interface{}{
			"tx_id": t.ID(), "error": rbErr.Error(),
		})
	}
}

// writeScratch stages the candidate next to the live artifact, preserving
// its mode so the rename does not change permissions
func (o *Orchestrator) writeScratch(path string, content []byte) (string, error) {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	scratch := path + scratchSuffix
	if err := os.WriteFile(scratch, content, mode); err != nil {
		return "", err
	}
	return scratch, nil
}

func expandCmd(cmd, file string) string {
	if strings.Contains(cmd, "{file}") {
		return strings.ReplaceAll(cmd, "{file}", file)
	}
	return cmd + " " + file
}
