package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyLimit int

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the rollback history log",
	Long:  `Show the append-only BEGIN/COMMIT/ROLLBACK log, newest first.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of events to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	events, err := e.db.History(historyLimit)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No history recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Timestamp", "Event", "Transaction", "Reason")

	for _, ev := range events {
		table.Append(ev.Timestamp.Format(time.RFC3339), string(ev.Event), ev.TransactionID, ev.Reason)
	}

	table.Render()
	return nil
}
