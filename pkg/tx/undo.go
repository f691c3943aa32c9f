package tx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hardctl/hardctl/pkg/models"
)

// undo dispatches one ledger entry to its type-specific handler
func (m *Manager) undo(ctx context.Context, a models.RollbackAction) error {
	switch a.Type {
	case models.ActionFileRestore:
		var p models.FileRestorePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("bad file_restore payload: %w", err)
		}
		b, err := m.backups.Get(p.BackupID)
		if err != nil {
			return fmt.Errorf("backup %s for %s: %w", p.BackupID, p.Path, err)
		}
		return m.backups.Restore(b, p.Path)

	case models.ActionCommand:
		var p models.CommandPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("bad command payload: %w", err)
		}
		_, err := m.run.Run(ctx, p.Command)
		return err

	case models.ActionServiceState:
		var p models.ServiceStatePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("bad service_state payload: %w", err)
		}
		verb := "stop"
		if p.WasRunning {
			verb = "start"
		}
		_, err := m.run.Run(ctx, fmt.Sprintf("systemctl %s %s", verb, p.Unit))
		return err

	case models.ActionFirewallRule:
		var p models.FirewallRulePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("bad firewall_rule payload: %w", err)
		}
		_, err := m.run.Run(ctx, p.UndoCommand)
		return err

	case models.ActionSysctlParam:
		var p models.SysctlParamPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("bad sysctl_param payload: %w", err)
		}
		_, err := m.run.Run(ctx, fmt.Sprintf("sysctl -w %s=%s", p.Key, p.PriorValue))
		return err

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}
