package safeapply

import "fmt"

// ValidationError means the scratch copy failed the consumer's own checker.
// The live artifact was never touched and no backup was consumed.
type ValidationError struct {
	Path   string
	Output string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Path, e.Output)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ApplyError means the swap or reload failed after validation passed. The
// orchestrator has already rolled the artifact back when this is returned.
type ApplyError struct {
	Step string // "swap" or "reload"
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed at %s: %v", e.Step, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// LivenessLost means the new configuration took effect but the operator's
// access path stopped answering. The prior configuration has been restored
// and reloaded when this is returned.
type LivenessLost struct {
	Probe string
	Err   error
}

func (e *LivenessLost) Error() string {
	return fmt.Sprintf("liveness lost after apply (probe %q): %v", e.Probe, e.Err)
}

func (e *LivenessLost) Unwrap() error { return e.Err }

// BackupError means the pre-mutation backup could not be captured. Fatal
// before any mutation: the engine never proceeds without a restore path.
type BackupError struct {
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("failed to back up %s: %v", e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }
