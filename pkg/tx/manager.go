// Package tx implements the rollback ledger and its begin/commit/rollback
// transaction lifecycle. A transaction owns an ordered ledger of typed undo
// actions, appended in apply order and replayed in strict reverse order.
package tx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/models"
	"github.com/hardctl/hardctl/pkg/store"
)

// Manager creates transactions and enforces that at most one is open at a
// time. Ledger operations go through an explicit *Tx handle; there is no
// process-wide current transaction.
type Manager struct {
	db      store.Store
	backups *backup.Store
	run     runner.Runner
	log     *logging.Logger

	mu      sync.Mutex
	current *Tx
}

// NewManager creates a transaction manager
func NewManager(db store.Store, backups *backup.Store, run runner.Runner, log *logging.Logger) *Manager {
	return &Manager{db: db, backups: backups, run: run, log: log}
}

// Tx is one open transaction: its identity, its in-memory ledger and the
// checkpoints taken against it. The ledger is mirrored row by row into the
// store so a crashed process leaves enough behind to be rolled back.
// The mutex serializes ledger and status access: the signal guard rolls
// back from its own goroutine while the foreground may be mid-register.
type Tx struct {
	m *Manager

	mu          sync.Mutex
	model       models.Transaction
	ledger      []models.RollbackAction
	checkpoints []models.Checkpoint
	guard       *guard
}

// Begin opens a transaction. Fails with StateError if one is already open:
// nesting is not supported. An exit guard is installed so that a signal
// arriving while the transaction is open triggers an implicit rollback.
func (m *Manager) Begin(name string) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, &StateError{Op: "begin", Reason: fmt.Sprintf("transaction %q already open", m.current.model.Name)}
	}

	t := &Tx{
		m: m,
		model: models.Transaction{
			ID:        uuid.New().String(),
			Name:      name,
			StartTime: time.Now().UTC(),
			Status:    models.TxStatusOpen,
		},
	}

	if err := m.db.CreateTransaction(&t.model); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	if err := m.db.AppendHistory(models.HistoryEvent{
		Timestamp:     time.Now().UTC(),
		Event:         models.HistoryBegin,
		TransactionID: t.model.ID,
	}); err != nil {
		return nil, fmt.Errorf("failed to record history: %w", err)
	}

	t.guard = newGuard(t, m.log)
	m.current = t

	m.log.Info("Transaction opened", map[string]interface{}{
		"tx_id": t.model.ID, "name": name,
	})

	return t, nil
}

// ID returns the transaction id
func (t *Tx) ID() string {
	return t.model.ID
}

// Status returns the current transaction status
func (t *Tx) Status() models.TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.Status
}

// Actions returns a copy of the current ledger in apply order
func (t *Tx) Actions() []models.RollbackAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.RollbackAction, len(t.ledger))
	copy(out, t.ledger)
	return out
}

// Register appends a typed undo action to the ledger. Valid only while the
// transaction is open.
func (t *Tx) Register(actionType models.ActionType, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		return &StateError{Op: "register", Reason: "no open transaction"}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", actionType, err)
	}

	a := models.RollbackAction{
		Type:    actionType,
		Payload: raw,
		Seq:     len(t.ledger),
	}

	if err := t.m.db.AppendLedger(t.model.ID, a); err != nil {
		return fmt.Errorf("failed to mirror ledger entry: %w", err)
	}
	t.ledger = append(t.ledger, a)

	t.m.log.Debug("Registered rollback action", map[string]interface{}{
		"tx_id": t.model.ID, "type": string(actionType), "seq": a.Seq,
	})

	return nil
}

// Commit clears the ledger, closes the transaction and removes the exit
// guard. Committing an already-closed transaction is a warned no-op.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		t.m.log.Warn("Commit on closed transaction ignored", map[string]interface{}{
			"tx_id": t.model.ID, "status": string(t.model.Status),
		})
		return nil
	}

	return t.close(models.TxStatusCommitted, "")
}

// Rollback replays the ledger in reverse order through the typed undo
// handlers, then closes the transaction. Handler failures are logged and
// counted but do not abort the remaining sequence; if any handler failed
// the returned error is a PartialFailureError. Rolling back a closed
// transaction is a warned no-op.
func (t *Tx) Rollback(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		t.m.log.Warn("Rollback on closed transaction ignored", map[string]interface{}{
			"tx_id": t.model.ID, "status": string(t.model.Status),
		})
		return nil
	}

	t.m.log.Info("Rolling back transaction", map[string]interface{}{
		"tx_id": t.model.ID, "reason": reason, "actions": len(t.ledger),
	})

	failed := t.m.replayReverse(context.Background(), t.model.ID, t.ledger)
	metrics.RollbacksExecuted.Inc()

	if err := t.close(models.TxStatusRolledBack, reason); err != nil {
		return err
	}

	if failed > 0 {
		return &PartialFailureError{Failed: failed, Total: len(t.ledger)}
	}
	return nil
}

// Discard closes the transaction as rolled back WITHOUT replaying the
// ledger. For when another actor (a fired watchdog) already performed the
// restore and replaying would apply it twice. Discarding a closed
// transaction is a warned no-op.
func (t *Tx) Discard(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		t.m.log.Warn("Discard on closed transaction ignored", map[string]interface{}{
			"tx_id": t.model.ID, "status": string(t.model.Status),
		})
		return nil
	}

	t.m.log.Info("Discarding ledger without replay", map[string]interface{}{
		"tx_id": t.model.ID, "reason": reason, "actions": len(t.ledger),
	})

	return t.close(models.TxStatusRolledBack, reason)
}

// close transitions the transaction to a terminal status, appends the
// history row, clears the mirrored ledger and releases the guard and the
// manager's open slot. Callers hold t.mu.
func (t *Tx) close(status models.TxStatus, reason string) error {
	if err := models.ValidateTransition(t.model.Status, status); err != nil {
		return err
	}
	t.model.Status = status

	if err := t.m.db.UpdateTransactionStatus(t.model.ID, status); err != nil {
		t.m.log.Error("Failed to persist transaction status", map[string]interface{}{
			"tx_id": t.model.ID, "error": err.Error(),
		})
	}
	if err := t.m.db.AppendHistory(models.HistoryEvent{
		Timestamp:     time.Now().UTC(),
		Event:         models.HistoryEventFor(status),
		TransactionID: t.model.ID,
		Reason:        reason,
	}); err != nil {
		t.m.log.Error("Failed to record history", map[string]interface{}{
			"tx_id": t.model.ID, "error": err.Error(),
		})
	}
	if err := t.m.db.ClearLedger(t.model.ID); err != nil {
		t.m.log.Error("Failed to clear mirrored ledger", map[string]interface{}{
			"tx_id": t.model.ID, "error": err.Error(),
		})
	}

	t.ledger = nil
	t.checkpoints = nil
	t.guard.stop()

	t.m.mu.Lock()
	if t.m.current == t {
		t.m.current = nil
	}
	t.m.mu.Unlock()

	t.m.log.Info("Transaction closed", map[string]interface{}{
		"tx_id": t.model.ID, "status": string(status),
	})

	return nil
}

// Close is the deferred finalizer forming the exit-time safety net. Use as
//
//	tx, err := mgr.Begin("change")
//	defer tx.Close(&err)
//
// On a nil error path it commits; on an error path it rolls back. Both are
// no-ops when the transaction was already closed explicitly.
func (t *Tx) Close(errp *error) {
	if models.IsTerminalStatus(t.Status()) {
		return
	}

	if errp != nil && *errp != nil {
		if rbErr := t.Rollback((*errp).Error()); rbErr != nil {
			t.m.log.Error("Implicit rollback failed", map[string]interface{}{
				"tx_id": t.model.ID, "error": rbErr.Error(),
			})
		}
		return
	}

	if err := t.Commit(); err != nil {
		t.m.log.Error("Implicit commit failed", map[string]interface{}{
			"tx_id": t.model.ID, "error": err.Error(),
		})
	}
}

// replayReverse undoes actions LIFO through the typed handlers, returning
// the number of handlers that failed. Best effort: there is no
// rollback-of-a-rollback.
func (m *Manager) replayReverse(ctx context.Context, txID string, actions []models.RollbackAction) int {
	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := m.undo(ctx, a); err != nil {
			failed++
			metrics.RollbackActionFailures.Inc()
			m.log.Error("Undo handler failed, continuing", map[string]interface{}{
				"tx_id": txID, "type": string(a.Type), "seq": a.Seq, "error": err.Error(),
			})
		}
	}
	return failed
}
