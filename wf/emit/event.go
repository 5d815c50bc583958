package emit

import "time"

// Event represents an observability event emitted during workflow execution.
//
// Events provide detailed insight into engine behavior:
//   - Workflow creation and termination
//   - Timer firing and activity scheduling
//   - Lease reservations, extensions, and takeovers
//   - Retry decisions and CAS conflicts
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Buffer in memory for test inspection
type Event struct {
	// WorkflowID identifies the workflow that emitted this event.
	WorkflowID string

	// TaskID identifies the task involved, if any.
	// Empty string for workflow-level events.
	TaskID string

	// Msg is a short machine-friendly description, e.g. "activity_scheduled".
	Msg string

	// At is the engine time at which the event was emitted.
	At time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "error": Failure details
	//   - "after_seconds": Retry backoff delay
	//   - "owner": Lease owner
	//   - "token": Fencing token
	Meta map[string]interface{}
}
