package workflow

import (
	"fmt"

	"github.com/sells-group/bidflow/internal/model"
)

// ValidationError rejects malformed input before any session state is
// created or mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow: invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError signals an operation that the session's current
// stage and status do not permit.
type InvalidTransitionError struct {
	SessionID string
	Stage     model.Stage
	Status    model.SessionStatus
	Op        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: session %s cannot %s at stage %s (status %s)",
		e.SessionID, e.Op, e.Stage, e.Status)
}

// StageExecutionError reports a work stage that failed after retries were
// exhausted or a fatal condition was hit. The session is already marked
// failed when this is returned.
type StageExecutionError struct {
	SessionID string
	Stage     model.Stage
	Err       error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("workflow: session %s failed at stage %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// GateReplayError signals a gate decision that conflicts with an already
// recorded outcome for the same (session, gate) pair. Duplicate signals with
// the SAME decision are not errors; they are answered from the stored
// outcome without side effects.
type GateReplayError struct {
	SessionID string
	Gate      model.Stage
	Recorded  model.Decision
	Received  model.Decision
}

func (e *GateReplayError) Error() string {
	return fmt.Sprintf("workflow: gate %s of session %s already resolved as %s, got conflicting %s",
		e.Gate, e.SessionID, e.Recorded, e.Received)
}
