package tx

import "fmt"

// StateError is a usage error: registering with no open transaction,
// nesting begin, or checkpointing a closed transaction. It fails fast and
// never touches live state.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Op, e.Reason)
}

// PartialFailureError reports a best-effort rollback in which one or more
// undo handlers failed. The remaining entries were still replayed; the
// overall result is failed-but-recovered-best-effort.
type PartialFailureError struct {
	Failed int
	Total  int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("rollback completed with %d of %d undo handlers failing", e.Failed, e.Total)
}
