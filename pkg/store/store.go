package store

import (
	"errors"

	"github.com/hardctl/hardctl/pkg/models"
)

// Sentinel errors returned by store implementations
var (
	ErrBackupNotFound      = errors.New("backup not found")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWatchdogNotFound    = errors.New("watchdog not found")
)

// Store is the durable state behind the engine: the append-only backup
// manifest, snapshot index, per-transaction ledger mirror, rollback history
// and armed watchdog records. Everything a deferred watchdog needs to act
// after the foreground process dies lives here.
type Store interface {
	// Backup manifest (append-only; rows removed only by retention sweep)
	AppendBackup(b *models.Backup) error
	GetBackup(id string) (*models.Backup, error)
	ListBackups() []*models.Backup
	DeleteBackup(id string) error

	// Snapshot index
	AppendSnapshot(s *models.Snapshot) error
	GetSnapshot(id string) (*models.Snapshot, error)
	ListSnapshots() []*models.Snapshot
	DeleteSnapshot(id string) error

	// Transactions and their ledger mirror
	CreateTransaction(tx *models.Transaction) error
	UpdateTransactionStatus(id string, status models.TxStatus) error
	OpenTransactions() []*models.Transaction
	AppendLedger(txID string, a models.RollbackAction) error
	LedgerActions(txID string) ([]models.RollbackAction, error)
	TrimLedger(txID string, keep int) error
	ClearLedger(txID string) error

	// Rollback history log
	AppendHistory(e models.HistoryEvent) error
	History(limit int) ([]models.HistoryEvent, error)

	// Watchdog records. TryResolveWatchdog is the single-assignment
	// "resolved" marker: exactly one caller wins. MarkWatchdogRestored
	// records that the fire path performed its restore, so losing racers
	// can tell a watchdog that restored from one that kept the change.
	ArmWatchdog(w *models.Watchdog) error
	GetWatchdog(id string) (*models.Watchdog, error)
	TryResolveWatchdog(id string) (bool, error)
	MarkWatchdogRestored(id string) error
	ListWatchdogs(unresolvedOnly bool) []*models.Watchdog

	Vacuum() error
	Close() error
}
