package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Roll back transactions orphaned by a crashed process",
	Long: `Find transactions left open in the store, replay their mirrored
ledgers in reverse order and close them as rolled back. Run after an
unclean exit, or from a boot-time unit.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	n, err := e.txm.RecoverOrphans(context.Background())
	if err != nil {
		return err
	}

	if n == 0 {
		fmt.Println("No orphaned transactions found")
	} else {
		fmt.Printf("Recovered %d orphaned transaction(s)\n", n)
	}
	return nil
}
