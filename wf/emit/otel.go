package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a point-in-time span with:
//   - Span name: event.Msg (e.g., "activity_scheduled", "timer_fired")
//   - Attributes: workflow id, task id, and all event.Meta fields
//   - Status: Set to error if event.Meta["error"] exists
//
// Usage:
//
//	tracer := otel.Tracer("duraflow")
//	emitter := emit.NewOTelEmitter(tracer)
//	engine := wf.New(store, deciders, wf.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter from a tracer obtained via
// otel.Tracer("service-name").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
//
// The span is immediately ended; events represent points in time, not
// durations.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("wf.id", event.WorkflowID),
		attribute.String("wf.task_id", event.TaskID),
	)
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("wf."+key, value))
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// Flush is a no-op; span export is owned by the tracer provider.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	return nil
}

// metaAttribute converts an arbitrary meta value to a span attribute,
// falling back to its string form for unsupported types.
func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
