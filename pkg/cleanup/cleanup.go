// Package cleanup runs the retention sweep: aged backups and snapshots are
// pruned on an interval and the store file is periodically compacted.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/store"
)

// Config defines retention policy and sweep intervals
type Config struct {
	Enabled        bool
	RetentionDays  int
	SweepInterval  time.Duration
	VacuumInterval time.Duration
	InitialDelay   time.Duration
}

// DefaultConfig returns sensible defaults for the retention sweep
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RetentionDays:  30,
		SweepInterval:  24 * time.Hour,
		VacuumInterval: 7 * 24 * time.Hour,
		InitialDelay:   time.Minute,
	}
}

// Manager handles automatic pruning of aged backups and snapshots
type Manager struct {
	config   Config
	backups  *backup.Store
	snapper  *backup.Snapshotter
	db       store.Store
	log      *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks sweep operations
type Stats struct {
	LastSweepTime     time.Time
	LastVacuumTime    time.Time
	BackupsDeleted    int64
	SnapshotsDeleted  int64
	VacuumRuns        int64
	LastSweepDuration time.Duration
}

// NewManager creates a retention sweep manager
func NewManager(config Config, backups *backup.Store, snapper *backup.Snapshotter, db store.Store, log *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		backups: backups,
		snapper: snapper,
		db:      db,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the sweep and vacuum loops
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.log.Info("Retention sweep disabled", nil)
		return
	}

	m.log.Info("Starting retention sweep", map[string]interface{}{
		"retention_days": m.config.RetentionDays,
		"interval":       m.config.SweepInterval.String(),
	})

	m.wg.Add(2)
	go m.sweepLoop()
	go m.vacuumLoop()
}

// Stop gracefully stops the sweep loops
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("Retention sweep stopped", nil)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Initial sweep after a short delay so startup is not penalized
	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
		m.SweepNow()
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SweepNow()
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.vacuum()
		}
	}
}

// SweepNow prunes backups and snapshots past the retention window.
// Backups referenced by an unresolved watchdog are kept regardless of age;
// the sweep never removes a restore path that may still be needed.
func (m *Manager) SweepNow() (int, int) {
	start := time.Now()
	maxAge := time.Duration(m.config.RetentionDays) * 24 * time.Hour

	pinned := make(map[string]bool)
	for _, w := range m.db.ListWatchdogs(true) {
		pinned[w.BackupID] = true
	}

	deletedBackups := m.backups.SweepExcept(maxAge, pinned)
	deletedSnapshots := m.snapper.Sweep(maxAge)

	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastSweepTime = time.Now()
	m.stats.LastSweepDuration = duration
	m.stats.BackupsDeleted += int64(deletedBackups)
	m.stats.SnapshotsDeleted += int64(deletedSnapshots)
	m.mu.Unlock()

	m.log.Info("Retention sweep complete", map[string]interface{}{
		"backups_deleted":   deletedBackups,
		"snapshots_deleted": deletedSnapshots,
		"duration":          duration.String(),
	})

	return deletedBackups, deletedSnapshots
}

func (m *Manager) vacuum() {
	start := time.Now()

	if err := m.db.Vacuum(); err != nil {
		m.log.Error("Store vacuum failed", map[string]interface{}{"error": err.Error()})
		return
	}

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.VacuumRuns++
	m.mu.Unlock()

	m.log.Info("Store vacuum complete", map[string]interface{}{
		"duration": time.Since(start).String(),
	})
}

// GetStats returns current sweep statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
