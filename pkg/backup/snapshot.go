package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/internal/sysinfo"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/store"
)

// Snapshotter takes broader point-in-time captures: a configured set of
// critical artifacts plus current firewall rules, process list, mount table
// and listening sockets. Snapshots are a safety net independent of any
// transaction ledger.
type Snapshotter struct {
	backups *Store
	db      store.Store
	run     runner.Runner
	paths   []string
	log     *logging.Logger
}

// NewSnapshotter creates a snapshotter capturing the given artifact paths
func NewSnapshotter(backups *Store, db store.Store, run runner.Runner, paths []string, log *logging.Logger) *Snapshotter {
	return &Snapshotter{backups: backups, db: db, run: run, paths: paths, log: log}
}

// Snapshot captures artifacts and system facts under a timestamped
// directory and records an index row. Missing artifacts are skipped with a
// warning; fact collection failures are recorded inside the fact files.
func (s *Snapshotter) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	snap.Dir = filepath.Join(s.backups.Dir(), "snapshots", snap.ID)

	artifactDir := filepath.Join(snap.Dir, "artifacts")
	if err := os.MkdirAll(artifactDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	var index []string
	for i, path := range s.paths {
		info, err := os.Stat(path)
		if err != nil {
			s.log.Warn("Skipping missing snapshot artifact", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
			continue
		}

		stored := fmt.Sprintf("%03d_%s", i, filepath.Base(path))
		target := filepath.Join(artifactDir, stored)

		if info.IsDir() {
			err = copyTree(path, target)
		} else {
			err = copyFile(path, target, info.Mode().Perm())
		}
		if err != nil {
			os.RemoveAll(snap.Dir)
			return nil, fmt.Errorf("failed to snapshot %s: %w", path, err)
		}

		index = append(index, stored+"\t"+path)
	}

	indexPath := filepath.Join(snap.Dir, "index.txt")
	if err := os.WriteFile(indexPath, []byte(strings.Join(index, "\n")+"\n"), 0600); err != nil {
		os.RemoveAll(snap.Dir)
		return nil, fmt.Errorf("failed to write snapshot index: %w", err)
	}

	// Firewall rules via the native dump tool; absence is informational
	if out, err := s.run.Run(ctx, "iptables-save"); err != nil {
		s.log.Warn("Failed to record firewall rules", map[string]interface{}{"error": err.Error()})
	} else {
		os.WriteFile(filepath.Join(snap.Dir, "firewall.rules"), []byte(out+"\n"), 0600)
	}

	if err := sysinfo.Collect().WriteTo(snap.Dir); err != nil {
		s.log.Warn("Failed to record system facts", map[string]interface{}{"error": err.Error()})
	}

	if err := s.db.AppendSnapshot(snap); err != nil {
		os.RemoveAll(snap.Dir)
		return nil, fmt.Errorf("failed to index snapshot: %w", err)
	}

	s.log.Info("Captured snapshot", map[string]interface{}{
		"snapshot_id": snap.ID, "artifacts": len(index),
	})

	return snap, nil
}

// Restore copies the snapshot's artifact captures back to their original
// paths. The recorded system facts are context for the operator, not
// inputs to the restore.
func (s *Snapshotter) Restore(id string) error {
	snap, err := s.db.GetSnapshot(id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(snap.Dir, "index.txt"))
	if err != nil {
		return fmt.Errorf("failed to read snapshot index: %w", err)
	}

	restored := 0
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed snapshot index line: %q", line)
		}
		stored := filepath.Join(snap.Dir, "artifacts", parts[0])
		source := parts[1]

		info, err := os.Stat(stored)
		if err != nil {
			return fmt.Errorf("snapshot artifact %s missing: %w", parts[0], err)
		}

		if info.IsDir() {
			os.RemoveAll(source)
			err = copyTree(stored, source)
		} else {
			err = copyFile(stored, source, info.Mode().Perm())
		}
		if err != nil {
			return fmt.Errorf("failed to restore %s from snapshot: %w", source, err)
		}
		restored++
	}

	s.log.Info("Restored snapshot", map[string]interface{}{
		"snapshot_id": id, "artifacts": restored,
	})

	return nil
}

// List returns all snapshot index rows, newest first
func (s *Snapshotter) List() []*models.Snapshot {
	return s.db.ListSnapshots()
}

// Sweep deletes snapshots older than maxAge and prunes their index rows
func (s *Snapshotter) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, snap := range s.db.ListSnapshots() {
		if !snap.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(snap.Dir); err != nil {
			s.log.Warn("Failed to delete expired snapshot", map[string]interface{}{
				"snapshot_id": snap.ID, "error": err.Error(),
			})
			continue
		}
		if err := s.db.DeleteSnapshot(snap.ID); err != nil {
			s.log.Warn("Failed to prune snapshot row", map[string]interface{}{
				"snapshot_id": snap.ID, "error": err.Error(),
			})
			continue
		}
		deleted++
	}

	return deleted
}
