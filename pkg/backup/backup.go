// Package backup implements the timestamped, checksummed backup store and
// its append-only manifest. Backups are immutable once written; the only
// thing that deletes them is the retention sweep.
package backup

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/store"
)

// Store captures and restores artifact backups under a base directory,
// indexing them through the durable manifest.
type Store struct {
	dir string
	db  store.Store
	log *logging.Logger
}

// New creates a backup store rooted at dir
func New(dir string, db store.Store, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	return &Store{dir: dir, db: db, log: log}, nil
}

// Dir returns the backup base directory
func (s *Store) Dir() string {
	return s.dir
}

// Capture copies path into the store preserving permissions and ownership,
// computes a content checksum and appends a manifest row. The manifest row
// is written last: a backup is only considered to exist once both the bytes
// and the row are durable.
func (s *Store) Capture(path string) (*models.Backup, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source %s is not readable: %w", path, err)
	}

	b := &models.Backup{
		ID:         uuid.New().String(),
		SourcePath: path,
		Timestamp:  time.Now().UTC(),
		Mode:       uint32(info.Mode().Perm()),
		IsDir:      info.IsDir(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		b.UID = int(st.Uid)
		b.GID = int(st.Gid)
	}

	b.StoredPath = filepath.Join(s.dir, b.ID)

	if b.IsDir {
		err = copyTree(path, b.StoredPath)
	} else {
		err = copyFile(path, b.StoredPath, info.Mode().Perm())
	}
	if err != nil {
		os.RemoveAll(b.StoredPath)
		return nil, fmt.Errorf("failed to copy %s into backup store: %w", path, err)
	}

	b.Checksum, err = Checksum(b.StoredPath)
	if err != nil {
		os.RemoveAll(b.StoredPath)
		return nil, err
	}

	if err := s.db.AppendBackup(b); err != nil {
		os.RemoveAll(b.StoredPath)
		return nil, fmt.Errorf("failed to append manifest row: %w", err)
	}

	metrics.BackupsCreated.Inc()
	s.log.Info("Captured backup", map[string]interface{}{
		"backup_id": b.ID,
		"source":    path,
		"checksum":  b.Checksum[:12],
	})

	return b, nil
}

// Get retrieves a backup handle from the manifest
func (s *Store) Get(id string) (*models.Backup, error) {
	return s.db.GetBackup(id)
}

// List returns all manifest rows, newest first
func (s *Store) List() []*models.Backup {
	return s.db.ListBackups()
}

// Restore copies backup content back to target (the original source path
// when target is empty), reapplies mode and ownership, then re-verifies the
// checksum. A checksum mismatch after the copy is logged, not fatal: a
// partially restored access path still beats none at all.
func (s *Store) Restore(b *models.Backup, target string) error {
	if target == "" {
		target = b.SourcePath
	}

	var err error
	if b.IsDir {
		os.RemoveAll(target)
		err = copyTree(b.StoredPath, target)
	} else {
		err = copyFile(b.StoredPath, target, fs.FileMode(b.Mode))
	}
	if err != nil {
		return fmt.Errorf("failed to restore backup %s to %s: %w", b.ID, target, err)
	}

	if err := os.Chmod(target, fs.FileMode(b.Mode)); err != nil {
		s.log.Warn("Failed to restore mode", map[string]interface{}{
			"backup_id": b.ID, "target": target, "error": err.Error(),
		})
	}
	if err := os.Chown(target, b.UID, b.GID); err != nil {
		// Expected when not running as root
		s.log.Debug("Failed to restore ownership", map[string]interface{}{
			"backup_id": b.ID, "target": target, "error": err.Error(),
		})
	}

	sum, err := Checksum(target)
	if err != nil {
		s.log.Warn("Failed to re-verify restored content", map[string]interface{}{
			"backup_id": b.ID, "target": target, "error": err.Error(),
		})
	} else if sum != b.Checksum {
		s.log.Warn("Checksum mismatch after restore", map[string]interface{}{
			"backup_id": b.ID, "target": target, "want": b.Checksum[:12], "got": sum[:12],
		})
	}

	s.log.Info("Restored backup", map[string]interface{}{
		"backup_id": b.ID, "target": target,
	})

	return nil
}

// Sweep deletes backups older than maxAge and prunes their manifest rows.
// Returns the number of backups removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	return s.SweepExcept(maxAge, nil)
}

// SweepExcept is Sweep with a pin set: backups whose ID is in keep are
// never removed regardless of age. The retention sweep pins backups still
// referenced by unresolved watchdogs.
func (s *Store) SweepExcept(maxAge time.Duration, keep map[string]bool) int {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, b := range s.db.ListBackups() {
		if !b.Timestamp.Before(cutoff) || keep[b.ID] {
			continue
		}
		if err := os.RemoveAll(b.StoredPath); err != nil {
			s.log.Warn("Failed to delete expired backup content", map[string]interface{}{
				"backup_id": b.ID, "error": err.Error(),
			})
			continue
		}
		if err := s.db.DeleteBackup(b.ID); err != nil {
			s.log.Warn("Failed to prune manifest row", map[string]interface{}{
				"backup_id": b.ID, "error": err.Error(),
			})
			continue
		}
		deleted++
	}

	return deleted
}

// copyFile copies src to dst with the given mode, fsyncing before close so
// the backup is durable before anything depends on it
func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// copyTree copies a directory tree preserving per-file permissions
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}
