package tx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/store"
)

func quietLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return log
}

// recordingRunner captures every command executed, in order
type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]bool
}

func (r *recordingRunner) Run(ctx context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if r.fail[command] {
		return "", errors.New("injected failure")
	}
	return "", nil
}

func newTestManager(t *testing.T) (*Manager, *backup.Store, *recordingRunner, store.Store) {
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

	run := &recordingRunner{fail: map[string]bool{}}
	return NewManager(db, backups, run, quietLogger()), backups, run, db
}

func TestRollbackReverseOrder(t *testing.T) {
	mgr, _, run, _ := newTestManager(t)

	tx, err := mgr.Begin("ordering")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-first"})
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-second"})
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-third"})

	if err := tx.Rollback("test"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	want := []string{"undo-third", "undo-second", "undo-first"}
	if len(run.commands) != len(want) {
		t.Fatalf("executed %d commands, want %d: %v", len(run.commands), len(want), run.commands)
	}
	for i, cmd := range want {
		if run.commands[i] != cmd {
			t.Errorf("commands[%d] = %q, want %q", i, run.commands[i], cmd)
		}
	}
}

func TestRollbackFileRestore(t *testing.T) {
	mgr, backups, _, _ := newTestManager(t)

	artifact := filepath.Join(t.TempDir(), "resolv.conf")
	original := []byte("nameserver 10.0.0.1\n")
	if err := os.WriteFile(artifact, original, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b, err := backups.Capture(artifact)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	tx, err := mgr.Begin("edit-resolv")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	tx.Register(models.ActionFileRestore, models.FileRestorePayload{BackupID: b.ID, Path: artifact})

	// Mutate, then roll back: the live artifact must revert byte for byte
	os.WriteFile(artifact, []byte("nameserver 8.8.8.8\n"), 0644)

	if err := tx.Rollback("test"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	got, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(original) {
		t.Errorf("restored content = %q, want %q", got, original)
	}
}

func TestRollbackContinuesPastFailures(t *testing.T) {
	mgr, _, run, _ := newTestManager(t)
	run.fail["undo-middle"] = true

	tx, _ := mgr.Begin("partial")
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-early"})
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-middle"})
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-late"})

	err := tx.Rollback("test")

	var pfe *PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("Rollback() error = %v, want PartialFailureError", err)
	}
	if pfe.Failed != 1 || pfe.Total != 3 {
		t.Errorf("PartialFailureError = %d/%d, want 1/3", pfe.Failed, pfe.Total)
	}

	// The earlier action still ran despite the middle one failing
	if len(run.commands) != 3 || run.commands[2] != "undo-early" {
		t.Errorf("commands = %v, want all three attempted LIFO", run.commands)
	}

	if tx.Status() != models.TxStatusRolledBack {
		t.Errorf("Status() = %s, want rolledback", tx.Status())
	}
}

func TestBeginRejectsNesting(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	tx, err := mgr.Begin("outer")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback("cleanup")

	_, err = mgr.Begin("inner")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("nested Begin() error = %v, want StateError", err)
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	tx, _ := mgr.Begin("closed")
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	err := tx.Register(models.ActionCommand, models.CommandPayload{Command: "late"})
	var se *StateError
	if !errors.As(err, &se) {
		t.Errorf("Register() after commit error = %v, want StateError", err)
	}
}

func TestDoubleCloseIsNoOp(t *testing.T) {
	mgr, _, run, _ := newTestManager(t)

	tx, _ := mgr.Begin("idempotent")
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-once"})

	if err := tx.Rollback("first"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if err := tx.Rollback("second"); err != nil {
		t.Errorf("second Rollback() error = %v, want nil no-op", err)
	}
	if err := tx.Commit(); err != nil {
		t.Errorf("Commit() after rollback error = %v, want nil no-op", err)
	}

	if len(run.commands) != 1 {
		t.Errorf("undo executed %d times, want 1", len(run.commands))
	}
}

func TestConcurrentRegisterAndRollback(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	tx, err := mgr.Begin("interrupted")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// One goroutine registers in a loop while another rolls back, as when
	// the signal guard fires mid-apply. The register loop must end with a
	// clean StateError, never a torn ledger.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			err := tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo"})
			if err == nil {
				continue
			}
			var se *StateError
			if !errors.As(err, &se) {
				t.Errorf("Register() during rollback error = %v, want StateError", err)
			}
			return
		}
	}()

	if err := tx.Rollback("interrupted by signal"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	<-done

	if got := tx.Status(); got != models.TxStatusRolledBack {
		t.Errorf("Status() = %q, want %q", got, models.TxStatusRolledBack)
	}
	if n := len(tx.Actions()); n != 0 {
		t.Errorf("Actions() returned %d entries after rollback, want 0", n)
	}
}

func TestCommitClearsLedgerMirror(t *testing.T) {
	mgr, _, _, db := newTestManager(t)

	tx, _ := mgr.Begin("clean-commit")
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo"})
	id := tx.ID()

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	actions, err := db.LedgerActions(id)
	if err != nil {
		t.Fatalf("LedgerActions() error = %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("mirrored ledger has %d rows after commit, want 0", len(actions))
	}

	if len(db.OpenTransactions()) != 0 {
		t.Error("transaction still open in store after commit")
	}

	// A new transaction can open once the previous one closed
	if _, err := mgr.Begin("next"); err != nil {
		t.Errorf("Begin() after commit error = %v", err)
	}
}

func TestCloseFinalizer(t *testing.T) {
	t.Run("commits on nil error", func(t *testing.T) {
		mgr, _, run, _ := newTestManager(t)

		func() {
			tx, err := mgr.Begin("ok-path")
			if err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			defer tx.Close(&err)
			tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo"})
		}()

		if len(run.commands) != 0 {
			t.Errorf("undo ran on success path: %v", run.commands)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mgr, _, run, _ := newTestManager(t)

		func() (err error) {
			tx, err := mgr.Begin("err-path")
			if err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			defer tx.Close(&err)
			tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo"})
			return errors.New("apply went sideways")
		}()

		if len(run.commands) != 1 || run.commands[0] != "undo" {
			t.Errorf("commands = %v, want implicit rollback", run.commands)
		}
	})
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	mgr, _, _, db := newTestManager(t)

	tx, _ := mgr.Begin("audited")
	tx.Rollback("operator abort")

	events, err := db.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("History() returned %d events, want 2", len(events))
	}

	// Newest first
	if events[0].Event != models.HistoryRollback || events[0].Reason != "operator abort" {
		t.Errorf("events[0] = %+v, want rollback with reason", events[0])
	}
	if events[1].Event != models.HistoryBegin {
		t.Errorf("events[1].Event = %s, want begin", events[1].Event)
	}
}

func TestRecoverOrphans(t *testing.T) {
	mgr, _, run, db := newTestManager(t)

	// Simulate a crashed process: open transaction with a mirrored ledger
	// and nothing in memory
	orphan := &models.Transaction{ID: "orphan-1", Name: "crashed", Status: models.TxStatusOpen}
	if err := db.CreateTransaction(orphan); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	for seq, cmd := range []string{"undo-a", "undo-b"} {
		payload, _ := json.Marshal(models.CommandPayload{Command: cmd})
		if err := db.AppendLedger(orphan.ID, models.RollbackAction{
			Type: models.ActionCommand, Payload: payload, Seq: seq,
		}); err != nil {
			t.Fatalf("AppendLedger() error = %v", err)
		}
	}

	n, err := mgr.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverOrphans() = %d, want 1", n)
	}

	want := []string{"undo-b", "undo-a"}
	if len(run.commands) != 2 || run.commands[0] != want[0] || run.commands[1] != want[1] {
		t.Errorf("commands = %v, want %v", run.commands, want)
	}

	if len(db.OpenTransactions()) != 0 {
		t.Error("orphan still open after recovery")
	}
}

func TestRecoverOrphansSkipsLiveTransaction(t *testing.T) {
	mgr, _, run, _ := newTestManager(t)

	tx, _ := mgr.Begin("live")
	defer tx.Rollback("cleanup")
	tx.Register(models.ActionCommand, models.CommandPayload{Command: "undo-live"})

	n, err := mgr.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RecoverOrphans() = %d, want 0", n)
	}
	if len(run.commands) != 0 {
		t.Errorf("live transaction ledger replayed: %v", run.commands)
	}
}
