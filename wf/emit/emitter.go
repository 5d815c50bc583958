// Package emit provides event emission and observability for workflow execution.
package emit

import "context"

// Emitter receives and processes observability events from workflow execution.
//
// Emitters enable pluggable observability backends:
// - Logging: stdout, files, syslog.
// - Distributed tracing: OpenTelemetry, Jaeger, Zipkin.
// - In-memory capture for tests.
//
// Implementations should be:
// - Non-blocking: Avoid slowing down the engine's CAS loop.
// - Thread-safe: May be called concurrently from multiple workers.
// - Resilient: Handle failures gracefully (never fail the workflow).
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not block engine operations and must not panic.
	// Errors should be handled internally.
	Emit(event Event)

	// Flush ensures all buffered events are sent to the backend.
	//
	// Call this before shutdown to prevent event loss. Implementations
	// should respect context cancellation and be safe to call repeatedly.
	Flush(ctx context.Context) error
}
