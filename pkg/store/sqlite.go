package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hardctl/hardctl/pkg/models"
)

// SQLiteStore is the SQLite-based implementation of the engine store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string for safe concurrent access
	// - _journal_mode=WAL: Write-Ahead Logging so a crash mid-write cannot
	//   corrupt the manifest the watchdog depends on
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _synchronous=FULL: durability over speed; a backup row must survive
	//   power loss before its watchdog is armed
	// - _txlock=immediate: acquire the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=FULL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY between the foreground and a
	// concurrently firing watchdog timer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		stored_path TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		checksum TEXT NOT NULL,
		mode INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		gid INTEGER NOT NULL,
		is_dir BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		dir TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger (
		tx_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (tx_id, seq)
	);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS watchdogs (
		id TEXT PRIMARY KEY,
		tx_id TEXT,
		backup_id TEXT NOT NULL,
		deadline DATETIME NOT NULL,
		liveness_cmd TEXT NOT NULL,
		restore_cmd TEXT,
		armed BOOLEAN NOT NULL DEFAULT 1,
		resolved BOOLEAN NOT NULL DEFAULT 0,
		restored BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_backups_timestamp ON backups(timestamp);
	CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AppendBackup adds a manifest row for a captured backup
func (s *SQLiteStore) AppendBackup(b *models.Backup) error {
	_, err := s.db.Exec(`
		INSERT INTO backups
		(id, source_path, stored_path, timestamp, checksum, mode, uid, gid, is_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.SourcePath, b.StoredPath, b.Timestamp, b.Checksum, b.Mode, b.UID, b.GID, b.IsDir)

	return err
}

// GetBackup retrieves a backup by ID
func (s *SQLiteStore) GetBackup(id string) (*models.Backup, error) {
	var b models.Backup

	err := s.db.QueryRow(`
		SELECT id, source_path, stored_path, timestamp, checksum, mode, uid, gid, is_dir
		FROM backups WHERE id = ?
	`, id).Scan(&b.ID, &b.SourcePath, &b.StoredPath, &b.Timestamp, &b.Checksum,
		&b.Mode, &b.UID, &b.GID, &b.IsDir)

	if err == sql.ErrNoRows {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// ListBackups returns all manifest rows, newest first
func (s *SQLiteStore) ListBackups() []*models.Backup {
	rows, err := s.db.Query(`
		SELECT id, source_path, stored_path, timestamp, checksum, mode, uid, gid, is_dir
		FROM backups ORDER BY timestamp DESC
	`)
	if err != nil {
		return []*models.Backup{}
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		var b models.Backup
		if err := rows.Scan(&b.ID, &b.SourcePath, &b.StoredPath, &b.Timestamp,
			&b.Checksum, &b.Mode, &b.UID, &b.GID, &b.IsDir); err != nil {
			continue
		}
		backups = append(backups, &b)
	}

	return backups
}

// DeleteBackup prunes a manifest row (retention sweep only)
func (s *SQLiteStore) DeleteBackup(id string) error {
	result, err := s.db.Exec(`DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBackupNotFound
	}

	return nil
}

// AppendSnapshot adds an index row for a system snapshot
func (s *SQLiteStore) AppendSnapshot(snap *models.Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (id, dir, timestamp) VALUES (?, ?, ?)
	`, snap.ID, snap.Dir, snap.Timestamp)

	return err
}

// GetSnapshot retrieves a snapshot by ID
func (s *SQLiteStore) GetSnapshot(id string) (*models.Snapshot, error) {
	var snap models.Snapshot

	err := s.db.QueryRow(`
		SELECT id, dir, timestamp FROM snapshots WHERE id = ?
	`, id).Scan(&snap.ID, &snap.Dir, &snap.Timestamp)

	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

// ListSnapshots returns all snapshots, newest first
func (s *SQLiteStore) ListSnapshots() []*models.Snapshot {
	rows, err := s.db.Query(`SELECT id, dir, timestamp FROM snapshots ORDER BY timestamp DESC`)
	if err != nil {
		return []*models.Snapshot{}
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.ID, &snap.Dir, &snap.Timestamp); err != nil {
			continue
		}
		snaps = append(snaps, &snap)
	}

	return snaps
}

// DeleteSnapshot prunes a snapshot index row (retention sweep only)
func (s *SQLiteStore) DeleteSnapshot(id string) error {
	result, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSnapshotNotFound
	}

	return nil
}

// CreateTransaction records a newly opened transaction
func (s *SQLiteStore) CreateTransaction(tx *models.Transaction) error {
	_, err := s.db.Exec(`
		INSERT INTO transactions (id, name, start_time, status) VALUES (?, ?, ?, ?)
	`, tx.ID, tx.Name, tx.StartTime, tx.Status)

	return err
}

// UpdateTransactionStatus moves a transaction to a new status
func (s *SQLiteStore) UpdateTransactionStatus(id string, status models.TxStatus) error {
	result, err := s.db.Exec(`UPDATE transactions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// OpenTransactions returns transactions still marked open. After a crash
// these are the orphans whose mirrored ledgers must be replayed.
func (s *SQLiteStore) OpenTransactions() []*models.Transaction {
	rows, err := s.db.Query(`
		SELECT id, name, start_time, status FROM transactions WHERE status = ?
	`, models.TxStatusOpen)
	if err != nil {
		return []*models.Transaction{}
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.Name, &tx.StartTime, &tx.Status); err != nil {
			continue
		}
		txs = append(txs, &tx)
	}

	return txs
}

// AppendLedger mirrors a registered rollback action into the store
func (s *SQLiteStore) AppendLedger(txID string, a models.RollbackAction) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO ledger (tx_id, seq, type, payload) VALUES (?, ?, ?, ?)
	`, txID, a.Seq, a.Type, string(payload))

	return err
}

// LedgerActions returns the mirrored ledger for a transaction in apply order
func (s *SQLiteStore) LedgerActions(txID string) ([]models.RollbackAction, error) {
	rows, err := s.db.Query(`
		SELECT seq, type, payload FROM ledger WHERE tx_id = ? ORDER BY seq ASC
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []models.RollbackAction
	for rows.Next() {
		var a models.RollbackAction
		var payload string
		if err := rows.Scan(&a.Seq, &a.Type, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// TrimLedger deletes mirrored entries with seq >= keep, resetting the
// ledger to a checkpoint prefix
func (s *SQLiteStore) TrimLedger(txID string, keep int) error {
	_, err := s.db.Exec(`DELETE FROM ledger WHERE tx_id = ? AND seq >= ?`, txID, keep)
	return err
}

// ClearLedger removes all mirrored entries for a closed transaction
func (s *SQLiteStore) ClearLedger(txID string) error {
	_, err := s.db.Exec(`DELETE FROM ledger WHERE tx_id = ?`, txID)
	return err
}

// AppendHistory adds a row to the rollback history log
func (s *SQLiteStore) AppendHistory(e models.HistoryEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO history (timestamp, event, tx_id, reason) VALUES (?, ?, ?, ?)
	`, e.Timestamp, e.Event, e.TransactionID, e.Reason)

	return err
}

// History returns the most recent history events, newest first.
// A limit <= 0 returns everything.
func (s *SQLiteStore) History(limit int) ([]models.HistoryEvent, error) {
	query := `SELECT timestamp, event, tx_id, reason FROM history ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.HistoryEvent
	for rows.Next() {
		var e models.HistoryEvent
		var reason sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.Event, &e.TransactionID, &reason); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ArmWatchdog persists an armed watchdog record. The row must be durable
// before the mutating reload is triggered.
func (s *SQLiteStore) ArmWatchdog(w *models.Watchdog) error {
	_, err := s.db.Exec(`
		INSERT INTO watchdogs
		(id, tx_id, backup_id, deadline, liveness_cmd, restore_cmd, armed, resolved, restored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.TransactionID, w.BackupID, w.Deadline, w.LivenessCmd, w.RestoreCmd,
		w.Armed, w.Resolved, w.Restored)

	return err
}

// GetWatchdog retrieves a watchdog record by ID
func (s *SQLiteStore) GetWatchdog(id string) (*models.Watchdog, error) {
	var w models.Watchdog
	var txID, restoreCmd sql.NullString

	err := s.db.QueryRow(`
		SELECT id, tx_id, backup_id, deadline, liveness_cmd, restore_cmd, armed, resolved, restored
		FROM watchdogs WHERE id = ?
	`, id).Scan(&w.ID, &txID, &w.BackupID, &w.Deadline, &w.LivenessCmd, &restoreCmd,
		&w.Armed, &w.Resolved, &w.Restored)

	if err == sql.ErrNoRows {
		return nil, ErrWatchdogNotFound
	}
	if err != nil {
		return nil, err
	}

	if txID.Valid {
		w.TransactionID = txID.String
	}
	if restoreCmd.Valid {
		w.RestoreCmd = restoreCmd.String
	}

	return &w, nil
}

// TryResolveWatchdog atomically flips the single-assignment resolved flag.
// Returns true for exactly one caller; the synchronous disarm and the
// deferred timer race through here and the loser becomes a no-op.
func (s *SQLiteStore) TryResolveWatchdog(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE watchdogs SET resolved = 1, armed = 0 WHERE id = ? AND resolved = 0
	`, id)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// MarkWatchdogRestored records that the fire path put the backup back. Read
// by foreground paths that lost the resolved race to decide whether their
// own restore is still owed.
func (s *SQLiteStore) MarkWatchdogRestored(id string) error {
	result, err := s.db.Exec(`UPDATE watchdogs SET restored = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWatchdogNotFound
	}

	return nil
}

// ListWatchdogs returns watchdog records, optionally only unresolved ones
func (s *SQLiteStore) ListWatchdogs(unresolvedOnly bool) []*models.Watchdog {
	query := `
		SELECT id, tx_id, backup_id, deadline, liveness_cmd, restore_cmd, armed, resolved, restored
		FROM watchdogs
	`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY deadline ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return []*models.Watchdog{}
	}
	defer rows.Close()

	var dogs []*models.Watchdog
	for rows.Next() {
		var w models.Watchdog
		var txID, restoreCmd sql.NullString
		if err := rows.Scan(&w.ID, &txID, &w.BackupID, &w.Deadline, &w.LivenessCmd,
			&restoreCmd, &w.Armed, &w.Resolved, &w.Restored); err != nil {
			continue
		}
		if txID.Valid {
			w.TransactionID = txID.String
		}
		if restoreCmd.Valid {
			w.RestoreCmd = restoreCmd.String
		}
		dogs = append(dogs, &w)
	}

	return dogs
}

// Vacuum performs database maintenance
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure the implementation satisfies the interface
var _ Store = (*SQLiteStore)(nil)
