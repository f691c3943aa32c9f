package watchdog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/store"
)

func quietLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return log
}

// scriptedRunner answers liveness probes and records restore commands
type scriptedRunner struct {
	mu       sync.Mutex
	alive    bool
	commands []string
}

func (r *scriptedRunner) Run(ctx context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if command == "probe" && !r.alive {
		return "", errors.New("probe failed")
	}
	return "", nil
}

func (r *scriptedRunner) ran(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commands {
		if c == command {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *backup.Store, *scriptedRunner, store.Store) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "hardctl.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backups, err := backup.New(filepath.Join(dir, "backups"), db, quietLogger())
	if err != nil {
		t.Fatalf("backup.New() error = %v", err)
	}

	run := &scriptedRunner{}
	return NewManager(db, backups, run, quietLogger()), backups, run, db
}

func captureArtifact(t *testing.T, backups *backup.Store, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protected.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	b, err := backups.Capture(path)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	return path, b.ID
}

func TestArmRequiresBackup(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	if _, _, err := mgr.Arm(context.Background(), ArmSpec{Timeout: time.Minute}); err == nil {
		t.Error("Arm() without backup error = nil, want non-nil")
	}
	if _, _, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: "no-such-backup", Timeout: time.Minute,
	}); err == nil {
		t.Error("Arm() with unknown backup error = nil, want non-nil")
	}
}

func TestArmPersistsBeforeTimer(t *testing.T) {
	mgr, backups, _, db := newTestManager(t)
	_, backupID := captureArtifact(t, backups, "value=1\n")

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: time.Hour, LivenessCmd: "probe",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer cancel()

	// The row is durable immediately: a helper starting from scratch can
	// reconstruct the whole fire path from it
	got, err := db.GetWatchdog(w.ID)
	if err != nil {
		t.Fatalf("GetWatchdog() error = %v", err)
	}
	if !got.Armed || got.Resolved {
		t.Errorf("persisted watchdog armed=%v resolved=%v, want armed unresolved", got.Armed, got.Resolved)
	}
	if got.BackupID != backupID || got.LivenessCmd != "probe" {
		t.Errorf("persisted watchdog = %+v", got)
	}
}

func TestDisarmBeatsTimer(t *testing.T) {
	mgr, backups, run, _ := newTestManager(t)
	path, backupID := captureArtifact(t, backups, "original\n")

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: 50 * time.Millisecond,
		LivenessCmd: "probe", RestoreCmd: "reload",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer cancel()

	// Mutate the live artifact, then disarm just before the deadline
	os.WriteFile(path, []byte("mutated\n"), 0644)
	won, err := mgr.Disarm(w.ID)
	if err != nil {
		t.Fatalf("Disarm() error = %v", err)
	}
	if !won {
		t.Fatal("Disarm() before deadline lost the race")
	}

	// Let the timer reach its deadline and lose the race
	time.Sleep(150 * time.Millisecond)

	got, _ := os.ReadFile(path)
	if string(got) != "mutated\n" {
		t.Errorf("artifact = %q, want mutation preserved after disarm", got)
	}
	if run.ran("reload") {
		t.Error("restore command ran despite disarm winning the race")
	}
}

func TestFireRestoresWhenLivenessLost(t *testing.T) {
	mgr, backups, run, db := newTestManager(t)
	path, backupID := captureArtifact(t, backups, "original\n")

	run.alive = false

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: time.Hour,
		LivenessCmd: "probe", RestoreCmd: "reload",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	cancel() // Drive the deadline through Wait instead of the background timer

	os.WriteFile(path, []byte("broken\n"), 0644)

	// Fire path reconstructs everything from the persisted row
	if err := mgr.fire(context.Background(), w.ID); err != nil {
		t.Fatalf("fire() error = %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "original\n" {
		t.Errorf("artifact = %q, want restored original", got)
	}
	if !run.ran("reload") {
		t.Error("restore command did not run after liveness loss")
	}

	stored, _ := db.GetWatchdog(w.ID)
	if !stored.Resolved {
		t.Error("watchdog not marked resolved after firing")
	}
	if !stored.Restored {
		t.Error("watchdog not marked restored after putting the backup back")
	}
}

func TestFireSkipsRestoreWhenLivenessRecovers(t *testing.T) {
	mgr, backups, run, db := newTestManager(t)
	path, backupID := captureArtifact(t, backups, "original\n")

	run.alive = true

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: time.Hour,
		LivenessCmd: "probe", RestoreCmd: "reload",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	cancel()

	os.WriteFile(path, []byte("new config that works\n"), 0644)

	if err := mgr.fire(context.Background(), w.ID); err != nil {
		t.Fatalf("fire() error = %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "new config that works\n" {
		t.Errorf("artifact = %q, want new config kept when probe passes", got)
	}
	if run.ran("reload") {
		t.Error("restore command ran despite recovered liveness")
	}

	// Resolved without restoring: callers that lost the marker can see the
	// change was kept and still owe their own restore
	stored, _ := db.GetWatchdog(w.ID)
	if !stored.Resolved || stored.Restored {
		t.Errorf("watchdog resolved=%v restored=%v, want resolved without restore", stored.Resolved, stored.Restored)
	}
	if restored, err := mgr.Restored(w.ID); err != nil || restored {
		t.Errorf("Restored() = (%v, %v), want false", restored, err)
	}
}

func TestResolvedMarkerSingleAssignment(t *testing.T) {
	mgr, backups, run, _ := newTestManager(t)
	path, backupID := captureArtifact(t, backups, "original\n")

	run.alive = false

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: time.Hour,
		LivenessCmd: "probe", RestoreCmd: "reload",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	cancel()

	won, err := mgr.Disarm(w.ID)
	if err != nil {
		t.Fatalf("Disarm() error = %v", err)
	}
	if !won {
		t.Fatal("first Disarm() lost the race")
	}

	// A late fire, a second disarm and a Wait past deadline are all no-ops
	if err := mgr.fire(context.Background(), w.ID); err != nil {
		t.Errorf("fire() after disarm error = %v, want nil no-op", err)
	}
	if won, err := mgr.Disarm(w.ID); err != nil || won {
		t.Errorf("second Disarm() = (%v, %v), want losing no-op", won, err)
	}
	if err := mgr.Wait(context.Background(), w.ID); err != nil {
		t.Errorf("Wait() after disarm error = %v, want nil no-op", err)
	}

	os.WriteFile(path, []byte("kept\n"), 0644)
	got, _ := os.ReadFile(path)
	if string(got) != "kept\n" || run.ran("reload") {
		t.Error("resolved watchdog still produced side effects")
	}
}

func TestWaitFiresAtDeadline(t *testing.T) {
	mgr, backups, run, _ := newTestManager(t)
	path, backupID := captureArtifact(t, backups, "original\n")

	run.alive = false

	w, cancel, err := mgr.Arm(context.Background(), ArmSpec{
		BackupID: backupID, Timeout: 30 * time.Millisecond,
		LivenessCmd: "probe", RestoreCmd: "reload",
	})
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	cancel() // In-process timer off; Wait is the only path, as for a detached helper

	os.WriteFile(path, []byte("severed\n"), 0644)

	if err := mgr.Wait(context.Background(), w.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "original\n" {
		t.Errorf("artifact = %q, want restored by deadline wait", got)
	}

	if len(mgr.Pending()) != 0 {
		t.Error("Pending() still lists the fired watchdog")
	}
}
