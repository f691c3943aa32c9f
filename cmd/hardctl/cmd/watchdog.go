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

// watchdogCmd represents the watchdog command
var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Inspect armed watchdogs",
}

var watchdogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved watchdogs",
	RunE:  runWatchdogList,
}

// watchdogWaitCmd is the detached helper entrypoint: it reconstructs the
// armed watchdog from the store, sleeps to its deadline and fires. Spawned
// by the engine itself, not meant for operators.
var watchdogWaitCmd = &cobra.Command{
	Use:    "wait <watchdog-id>",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWatchdogWait,
}

var watchdogDisarmCmd = &cobra.Command{
	Use:   "disarm <watchdog-id>",
	Short: "Resolve a watchdog before its deadline",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatchdogDisarm,
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
	watchdogCmd.AddCommand(watchdogListCmd)
	watchdogCmd.AddCommand(watchdogWaitCmd)
	watchdogCmd.AddCommand(watchdogDisarmCmd)
}

func runWatchdogList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	pending := e.wd.Pending()

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(pending)
	}

	if len(pending) == 0 {
		fmt.Println("No unresolved watchdogs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Deadline", "Backup", "Liveness Probe")

	for _, w := range pending {
		table.Append(w.ID, w.Deadline.Format(time.RFC3339), w.BackupID, w.LivenessCmd)
	}

	table.Render()
	return nil
}

func runWatchdogWait(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	return e.wd.Wait(context.Background(), args[0])
}

func runWatchdogDisarm(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	won, err := e.wd.Disarm(args[0])
	if err != nil {
		return err
	}
	if won {
		fmt.Printf("Watchdog %s disarmed\n", args[0])
	} else {
		fmt.Printf("Watchdog %s was already resolved\n", args[0])
	}
	return nil
}
