package models

import "fmt"

// validTransitions maps from-status to allowed to-statuses
var validTransitions = map[TxStatus]map[TxStatus]bool{
	TxStatusOpen: {
		TxStatusCommitted:  true, // Open → Committed (explicit or implicit commit)
		TxStatusRolledBack: true, // Open → RolledBack (explicit rollback or exit guard)
	},
	// Terminal states (no transitions allowed)
	TxStatusCommitted:  {},
	TxStatusRolledBack: {},
}

// ValidateTransition checks if a transaction status transition is valid
func ValidateTransition(from, to TxStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}

	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalStatus returns true if the status is terminal (transaction closed)
func IsTerminalStatus(status TxStatus) bool {
	return status == TxStatusCommitted || status == TxStatusRolledBack
}

// HistoryEventFor maps a terminal status to its history event
func HistoryEventFor(status TxStatus) HistoryEventType {
	if status == TxStatusRolledBack {
		return HistoryRollback
	}
	return HistoryCommit
}
