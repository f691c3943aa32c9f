package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardctl/hardctl/pkg/safeapply"
)

var (
	applyPath        string
	applyContentFile string
	applyValidateCmd string
	applyReloadCmd   string
	applyLivenessCmd string
	applyRestoreCmd  string
	applyTimeout     time.Duration
	applySettleDelay time.Duration
)

// applyCmd represents the apply command
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a guarded mutation to a critical artifact",
	Long: `Apply new content to a critical configuration file behind the full
safety protocol: validate a scratch copy, capture a backup, arm the
connectivity watchdog, swap atomically, reload the consumer and prove the
access path still answers. Any failure leaves the artifact at its
pre-mutation state.`,
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().StringVar(&applyPath, "path", "", "live artifact to mutate (required)")
	applyCmd.Flags().StringVar(&applyContentFile, "content", "", "file holding the replacement content, or - for stdin (required)")
	applyCmd.Flags().StringVar(&applyValidateCmd, "validate-cmd", "", "validator for the candidate; {file} expands to the scratch path")
	applyCmd.Flags().StringVar(&applyReloadCmd, "reload-cmd", "", "command that makes the consumer pick up the artifact")
	applyCmd.Flags().StringVar(&applyLivenessCmd, "liveness-cmd", "", "probe proving the access path still works")
	applyCmd.Flags().StringVar(&applyRestoreCmd, "restore-cmd", "", "reload used when restoring prior config (default: reload-cmd)")
	applyCmd.Flags().DurationVar(&applyTimeout, "timeout", 0, "watchdog deadline offset (default from config)")
	applyCmd.Flags().DurationVar(&applySettleDelay, "settle", 0, "pause before the liveness probe (default from config)")
	applyCmd.MarkFlagRequired("path")
	applyCmd.MarkFlagRequired("content")
}

func runApply(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	content, err := readContent(applyContentFile)
	if err != nil {
		return err
	}

	timeout := applyTimeout
	if timeout == 0 {
		timeout = e.cfg.WatchdogTimeout
	}
	settle := applySettleDelay
	if settle == 0 {
		settle = e.cfg.SettleDelay
	}

	req := safeapply.Request{
		Path:        applyPath,
		NewContent:  content,
		ValidateCmd: applyValidateCmd,
		ReloadCmd:   applyReloadCmd,
		LivenessCmd: applyLivenessCmd,
		RestoreCmd:  applyRestoreCmd,
		Timeout:     timeout,
		SettleDelay: settle,
	}

	if err := e.orch.Apply(context.Background(), req); err != nil {
		return err
	}

	fmt.Printf("Applied %s\n", applyPath)
	return nil
}

func readContent(source string) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read content from %s: %w", source, err)
	}
	return data, nil
}
