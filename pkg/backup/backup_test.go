package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/store"
)

func quietLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return log
}

func newTestBackupStore(t *testing.T) (*Store, store.Store) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "hardctl.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bs, err := New(filepath.Join(dir, "backups"), db, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return bs, db
}

func TestCaptureMutateRestore(t *testing.T) {
	bs, _ := newTestBackupStore(t)

	src := filepath.Join(t.TempDir(), "sshd_config")
	original := []byte("PermitRootLogin no\nPasswordAuthentication no\n")
	if err := os.WriteFile(src, original, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b, err := bs.Capture(src)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if b.Checksum == "" {
		t.Fatal("Capture() produced empty checksum")
	}
	if b.Mode != 0600 {
		t.Errorf("Capture() recorded mode %o, want 0600", b.Mode)
	}

	// Arbitrary mutation of the live artifact
	if err := os.WriteFile(src, []byte("PermitRootLogin yes\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := bs.Restore(b, ""); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	restored, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Errorf("restored content = %q, want %q", restored, original)
	}

	sum, err := Checksum(src)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if sum != b.Checksum {
		t.Errorf("restored checksum = %s, want %s", sum, b.Checksum)
	}
}

func TestCaptureDirectory(t *testing.T) {
	bs, _ := newTestBackupStore(t)

	src := filepath.Join(t.TempDir(), "pam.d")
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	os.WriteFile(filepath.Join(src, "sshd"), []byte("auth required\n"), 0644)
	os.WriteFile(filepath.Join(src, "nested", "login"), []byte("session optional\n"), 0644)

	b, err := bs.Capture(src)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !b.IsDir {
		t.Error("Capture() did not mark directory backup")
	}

	os.WriteFile(filepath.Join(src, "sshd"), []byte("tampered\n"), 0644)
	os.Remove(filepath.Join(src, "nested", "login"))

	if err := bs.Restore(b, ""); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	sum, err := ChecksumTree(src)
	if err != nil {
		t.Fatalf("ChecksumTree() error = %v", err)
	}
	if sum != b.Checksum {
		t.Errorf("restored tree checksum = %s, want %s", sum, b.Checksum)
	}
}

func TestCaptureUnreadableSource(t *testing.T) {
	bs, _ := newTestBackupStore(t)

	if _, err := bs.Capture(filepath.Join(t.TempDir(), "no-such-file")); err == nil {
		t.Error("Capture(missing) error = nil, want non-nil")
	}
}

func TestRestoreToAlternateTarget(t *testing.T) {
	bs, _ := newTestBackupStore(t)

	src := filepath.Join(t.TempDir(), "limits.conf")
	os.WriteFile(src, []byte("* hard core 0\n"), 0644)

	b, err := bs.Capture(src)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	target := filepath.Join(t.TempDir(), "limits.restored")
	if err := bs.Restore(b, target); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, _ := os.ReadFile(target)
	if string(got) != "* hard core 0\n" {
		t.Errorf("restored content = %q", got)
	}
}

func TestSweep(t *testing.T) {
	bs, db := newTestBackupStore(t)

	src := filepath.Join(t.TempDir(), "hosts")
	os.WriteFile(src, []byte("127.0.0.1 localhost\n"), 0644)

	old, err := bs.Capture(src)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	fresh, err := bs.Capture(src)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	// Age the first backup past the retention window
	old.Timestamp = time.Now().Add(-48 * time.Hour).UTC()
	if err := db.DeleteBackup(old.ID); err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if err := db.AppendBackup(old); err != nil {
		t.Fatalf("AppendBackup() error = %v", err)
	}

	if deleted := bs.Sweep(24 * time.Hour); deleted != 1 {
		t.Errorf("Sweep() = %d, want 1", deleted)
	}

	if _, err := db.GetBackup(old.ID); err != store.ErrBackupNotFound {
		t.Errorf("expired backup still in manifest: %v", err)
	}
	if _, err := db.GetBackup(fresh.ID); err != nil {
		t.Errorf("fresh backup pruned: %v", err)
	}
	if _, err := os.Stat(old.StoredPath); !os.IsNotExist(err) {
		t.Errorf("expired backup content still on disk: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	bs, db := newTestBackupStore(t)

	artifact := filepath.Join(t.TempDir(), "sysctl.conf")
	os.WriteFile(artifact, []byte("net.ipv4.ip_forward=0\n"), 0644)

	fakeRun := runner.Func(func(ctx context.Context, command string) (string, error) {
		return "# fake iptables-save output", nil
	})

	snapper := NewSnapshotter(bs, db, fakeRun, []string{artifact}, quietLogger())

	snap, err := snapper.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	for _, name := range []string{"index.txt", "firewall.rules", "processes.txt", "mounts.txt"} {
		if _, err := os.Stat(filepath.Join(snap.Dir, name)); err != nil {
			t.Errorf("snapshot missing %s: %v", name, err)
		}
	}

	os.WriteFile(artifact, []byte("net.ipv4.ip_forward=1\n"), 0644)

	if err := snapper.Restore(snap.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, _ := os.ReadFile(artifact)
	if string(got) != "net.ipv4.ip_forward=0\n" {
		t.Errorf("restored artifact = %q", got)
	}

	if len(snapper.List()) != 1 {
		t.Errorf("List() returned %d snapshots, want 1", len(snapper.List()))
	}
}
