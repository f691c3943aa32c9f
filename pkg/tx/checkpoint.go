package tx

import (
	"context"
	"fmt"

	"github.com/hardctl/hardctl/pkg/models"
)

// Checkpoint stores an immutable copy of the ledger's current contents
// under name. Requires an open transaction. Checkpoints form a monotonic
// prefix chain: a later checkpoint always contains an earlier one as a
// prefix.
func (t *Tx) Checkpoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		return &StateError{Op: "checkpoint", Reason: "no open transaction"}
	}

	for _, cp := range t.checkpoints {
		if cp.Name == name {
			return fmt.Errorf("checkpoint %q already exists", name)
		}
	}

	actions := make([]models.RollbackAction, len(t.ledger))
	copy(actions, t.ledger)

	t.checkpoints = append(t.checkpoints, models.Checkpoint{Name: name, Actions: actions})

	t.m.log.Info("Checkpoint taken", map[string]interface{}{
		"tx_id": t.model.ID, "name": name, "actions": len(actions),
	})

	return nil
}

// RollbackTo undoes exactly the actions registered after the named
// checkpoint, in reverse order, then resets the ledger to the checkpoint's
// stored contents. The transaction stays open: partial undo does not
// discard the whole transaction. Checkpoints taken after the named one are
// dropped since their contents no longer describe the ledger.
func (t *Tx) RollbackTo(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models.IsTerminalStatus(t.model.Status) {
		return &StateError{Op: "rollback_to", Reason: "no open transaction"}
	}

	idx := -1
	for i, cp := range t.checkpoints {
		if cp.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("checkpoint %q not found", name)
	}
	cp := t.checkpoints[idx]

	suffix := t.ledger[len(cp.Actions):]
	t.m.log.Info("Rolling back to checkpoint", map[string]interface{}{
		"tx_id": t.model.ID, "checkpoint": name, "undo_actions": len(suffix),
	})

	failed := t.m.replayReverse(context.Background(), t.model.ID, suffix)

	// Reset the ledger to exactly the checkpoint contents, memory and mirror
	restored := make([]models.RollbackAction, len(cp.Actions))
	copy(restored, cp.Actions)
	t.ledger = restored
	t.checkpoints = t.checkpoints[:idx+1]

	if err := t.m.db.TrimLedger(t.model.ID, len(cp.Actions)); err != nil {
		t.m.log.Error("Failed to trim mirrored ledger", map[string]interface{}{
			"tx_id": t.model.ID, "error": err.Error(),
		})
	}

	if failed > 0 {
		return &PartialFailureError{Failed: failed, Total: len(suffix)}
	}
	return nil
}
