package tx

import (
	"context"
	"time"

	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/models"
)

// RecoverOrphans rolls back transactions left open by a crashed process.
// The mirrored ledger in the store is all it needs: each orphan's entries
// are replayed in reverse through the same undo handlers, then the
// transaction is closed as rolled back. Returns the number of orphans
// recovered.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	recovered := 0
	for _, orphan := range m.db.OpenTransactions() {
		if current != nil && orphan.ID == current.model.ID {
			continue // Still legitimately open in this process
		}

		actions, err := m.db.LedgerActions(orphan.ID)
		if err != nil {
			m.log.Error("Failed to load orphaned ledger", map[string]interface{}{
				"tx_id": orphan.ID, "error": err.Error(),
			})
			continue
		}

		m.log.Warn("Recovering orphaned transaction", map[string]interface{}{
			"tx_id": orphan.ID, "name": orphan.Name, "actions": len(actions),
		})

		failed := m.replayReverse(ctx, orphan.ID, actions)
		metrics.RollbacksExecuted.Inc()

		if err := m.db.UpdateTransactionStatus(orphan.ID, models.TxStatusRolledBack); err != nil {
			m.log.Error("Failed to close orphaned transaction", map[string]interface{}{
				"tx_id": orphan.ID, "error": err.Error(),
			})
			continue
		}
		if err := m.db.AppendHistory(models.HistoryEvent{
			Timestamp:     time.Now().UTC(),
			Event:         models.HistoryRollback,
			TransactionID: orphan.ID,
			Reason:        "recovered orphaned transaction",
		}); err != nil {
			m.log.Error("Failed to record recovery history", map[string]interface{}{
				"tx_id": orphan.ID, "error": err.Error(),
			})
		}
		if err := m.db.ClearLedger(orphan.ID); err != nil {
			m.log.Error("Failed to clear orphaned ledger", map[string]interface{}{
				"tx_id": orphan.ID, "error": err.Error(),
			})
		}

		if failed > 0 {
			m.log.Warn("Orphan recovered with partial failures", map[string]interface{}{
				"tx_id": orphan.ID, "failed": failed, "total": len(actions),
			})
		}
		recovered++
	}

	return recovered, nil
}
