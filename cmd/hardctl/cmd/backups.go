package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var restoreTarget string

// backupsCmd represents the backups command
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage captured backups",
	Long:  `Commands for listing, restoring and pruning the checksummed backups in the manifest.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all backups",
	RunE:  runBackupsList,
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup to its source path",
	Long:  `Restore a backup's content, mode and ownership to its original path, or to an alternate path given with --target.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupsRestore,
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups past the retention window",
	RunE:  runBackupsPrune,
}

func init() {
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRestoreCmd)
	backupsCmd.AddCommand(backupsPruneCmd)

	backupsRestoreCmd.Flags().StringVar(&restoreTarget, "target", "", "restore to this path instead of the source path")
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	backups := e.backups.List()

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(backups)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Source", "Captured", "Checksum", "Type")

	for _, b := range backups {
		kind := "file"
		if b.IsDir {
			kind = "dir"
		}
		table.Append(b.ID, b.SourcePath, b.Timestamp.Format(time.RFC3339), shortSum(b.Checksum), kind)
	}

	table.Render()
	return nil
}

func runBackupsRestore(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	b, err := e.backups.Get(args[0])
	if err != nil {
		return fmt.Errorf("backup %s: %w", args[0], err)
	}

	if err := e.backups.Restore(b, restoreTarget); err != nil {
		return err
	}

	target := restoreTarget
	if target == "" {
		target = b.SourcePath
	}
	fmt.Printf("Restored backup %s to %s\n", b.ID, target)
	return nil
}

func runBackupsPrune(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	maxAge := time.Duration(e.cfg.RetentionDays) * 24 * time.Hour

	// Backups referenced by unresolved watchdogs stay
	pinned := make(map[string]bool)
	for _, w := range e.db.ListWatchdogs(true) {
		pinned[w.BackupID] = true
	}

	deleted := e.backups.SweepExcept(maxAge, pinned)
	fmt.Printf("Pruned %d backups older than %d days\n", deleted, e.cfg.RetentionDays)
	return nil
}

// shortSum truncates a checksum for table display
func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
