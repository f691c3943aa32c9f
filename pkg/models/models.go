package models

import (
	"encoding/json"
	"time"
)

// TxStatus represents the lifecycle state of a transaction
type TxStatus string

const (
	TxStatusOpen       TxStatus = "open"       // Transaction accepting rollback actions
	TxStatusCommitted  TxStatus = "committed"  // Transaction closed successfully, ledger discarded
	TxStatusRolledBack TxStatus = "rolledback" // Transaction undone, ledger replayed in reverse
)

// Transaction is the scoping unit for begin/commit/rollback over a set of
// related mutations. Exactly one transaction may be open per manager.
type Transaction struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Status    TxStatus  `json:"status"`
}

// ActionType identifies the undo handler for a rollback action
type ActionType string

const (
	ActionFileRestore  ActionType = "file_restore"  // Restore a file from its backup
	ActionCommand      ActionType = "command"       // Re-execute a captured inverse command
	ActionServiceState ActionType = "service_state" // Drive a service back to its prior state
	ActionFirewallRule ActionType = "firewall_rule" // Re-apply a captured rule insertion/removal
	ActionSysctlParam  ActionType = "sysctl_param"  // Rewrite a kernel parameter to its prior value
)

// RollbackAction is one typed undo entry in the ledger. Actions are appended
// in apply order and replayed in strict reverse order.
type RollbackAction struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Seq     int             `json:"seq"`
}

// FileRestorePayload restores a path from a backup handle
type FileRestorePayload struct {
	BackupID string `json:"backup_id"`
	Path     string `json:"path"`
}

// CommandPayload re-executes a captured inverse shell command
type CommandPayload struct {
	Command string `json:"command"`
}

// ServiceStatePayload drives a service unit back to its prior state
type ServiceStatePayload struct {
	Unit       string `json:"unit"`
	WasRunning bool   `json:"was_running"`
}

// FirewallRulePayload re-applies a captured firewall rule operation.
// UndoCommand is the full inverse invocation captured at apply time.
type FirewallRulePayload struct {
	UndoCommand string `json:"undo_command"`
}

// SysctlParamPayload rewrites a kernel parameter to its prior value
type SysctlParamPayload struct {
	Key        string `json:"key"`
	PriorValue string `json:"prior_value"`
}

// Checkpoint is a named, immutable snapshot of the ledger at a point in
// time. Checkpoints form a monotonic prefix chain: checkpoint N's contents
// are a prefix of checkpoint N+1's.
type Checkpoint struct {
	Name    string
	Actions []RollbackAction
}

// Backup is a captured, checksummed copy of an artifact. Backups are
// immutable once written and deleted only by the retention sweep.
type Backup struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path"`
	StoredPath string    `json:"stored_path"`
	Timestamp  time.Time `json:"timestamp"`
	Checksum   string    `json:"checksum"`
	Mode       uint32    `json:"mode"`
	UID        int       `json:"uid"`
	GID        int       `json:"gid"`
	IsDir      bool      `json:"is_dir"`
}

// Snapshot is a broader point-in-time capture of critical artifacts plus
// recorded system facts (firewall rules, processes, mounts, sockets). It is
// an independent safety net separate from the transaction ledger.
type Snapshot struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEventType enumerates rollback history events
type HistoryEventType string

const (
	HistoryBegin    HistoryEventType = "BEGIN"
	HistoryCommit   HistoryEventType = "COMMIT"
	HistoryRollback HistoryEventType = "ROLLBACK"
)

// HistoryEvent is one row in the append-only rollback history log
type HistoryEvent struct {
	Timestamp     time.Time        `json:"timestamp"`
	Event         HistoryEventType `json:"event"`
	TransactionID string           `json:"transaction_id"`
	Reason        string           `json:"reason,omitempty"`
}

// Watchdog is the durable record of an armed dead-man's switch. The record
// carries everything a deferred timer needs so it can act after the
// foreground process is gone: the backup to restore, the liveness probe and
// the command that brings the consuming service back to its prior config.
// Resolved flips exactly once; Restored records whether the fire path
// actually put the backup back (a fire whose deadline probe passes keeps
// the change and leaves Restored false).
type Watchdog struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	BackupID      string    `json:"backup_id"`
	Deadline      time.Time `json:"deadline"`
	LivenessCmd   string    `json:"liveness_cmd"`
	RestoreCmd    string    `json:"restore_cmd,omitempty"`
	Armed         bool      `json:"armed"`
	Resolved      bool      `json:"resolved"`
	Restored      bool      `json:"restored"`
}
