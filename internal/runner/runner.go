// Package runner executes collaborator-supplied commands: validators,
// liveness probes, reload triggers and captured inverse actions. It also
// spawns detached helper processes that outlive the foreground, which is
// how a watchdog deadline survives the invoking process dying.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Runner executes a shell command and returns its combined output
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Exec runs commands through /bin/sh on the local host
type Exec struct{}

// Run executes command with sh -c and returns combined stdout/stderr
func (Exec) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, fmt.Errorf("command %q exited %d: %s", command, exitErr.ExitCode(), output)
		}
		return output, fmt.Errorf("command %q failed: %w", command, err)
	}

	return output, nil
}

// Func adapts a function to the Runner interface (test seam)
type Func func(ctx context.Context, command string) (string, error)

// Run implements Runner
func (f Func) Run(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// StartDetached spawns a helper process in its own session so it survives
// the death of the foreground process. The child is handed no pipes and no
// in-memory state; everything it needs must already be durable.
func StartDetached(binary string, args ...string) (int, error) {
	cmd := exec.Command(binary, args...)

	// New session: not our process group, not our controlling terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start detached helper: %w", err)
	}

	pid := cmd.Process.Pid

	// Release so the child is reparented instead of waiting on us
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release detached helper: %w", err)
	}

	return pid, nil
}

// SelfPath returns the path of the running binary for detached re-invocation
func SelfPath() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve own binary path: %w", err)
	}
	return path, nil
}
