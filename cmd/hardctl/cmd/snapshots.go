package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// snapshotsCmd represents the snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage system snapshots",
	Long:  `Commands for creating, listing and restoring point-in-time captures of the configured critical artifacts plus recorded system facts.`,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all snapshots",
	RunE:  runSnapshotsList,
}

var snapshotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a snapshot now",
	RunE:  runSnapshotsCreate,
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore all artifacts from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotsRestore,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsCreateCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	snaps := e.snapper.List()

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(snaps)
	}

	if len(snaps) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Captured", "Location")

	for _, s := range snaps {
		table.Append(s.ID, s.Timestamp.Format(time.RFC3339), s.Dir)
	}

	table.Render()
	return nil
}

func runSnapshotsCreate(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	snap, err := e.snapper.Snapshot(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Snapshot %s captured at %s\n", snap.ID, snap.Dir)
	return nil
}

func runSnapshotsRestore(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.snapper.Restore(args[0]); err != nil {
		return err
	}

	fmt.Printf("Restored snapshot %s\n", args[0])
	return nil
}
