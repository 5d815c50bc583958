package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// NATSQueue is a WorkQueue over core NATS.
//
// Consumers in the same queue group load-balance messages. Publishes inject
// the W3C traceparent header so consumer spans join the producer's trace;
// receives extract it and open a consumer span.
//
// Core NATS delivers at-most-once per connected group member, and a lost
// nudge is not redelivered by this queue. The task stays pending in the
// workflow state, so a later NotifyReady sends a fresh nudge for it and any
// DrainExecs or ProcessWorkMessage on that workflow reserves it. Delete is
// therefore a no-op acknowledgement.
type NATSQueue struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	inbox   chan *nats.Msg
	tracer  trace.Tracer
}

// NewNATSQueue connects a queue over an existing NATS connection.
//
// subject names the work channel; group is the queue group shared by all
// workers so each nudge lands on one of them.
func NewNATSQueue(nc *nats.Conn, subject, group string) (*NATSQueue, error) {
	inbox := make(chan *nats.Msg, 256)
	sub, err := nc.QueueSubscribe(subject, group, func(m *nats.Msg) {
		select {
		case inbox <- m:
		default:
			// Inbox full: drop. The task stays pending in the workflow state.
		}
	})
	if err != nil {
		return nil, err
	}
	return &NATSQueue{
		nc:      nc,
		subject: subject,
		sub:     sub,
		inbox:   inbox,
		tracer:  otel.Tracer("duraflow/queue"),
	}, nil
}

// Send publishes the body with trace context injected into headers.
func (q *NATSQueue) Send(ctx context.Context, body []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: q.subject, Data: body, Header: hdr}
	return q.nc.PublishMsg(msg)
}

// Receive drains up to max buffered messages, waiting up to wait for the
// first. Each message's extracted trace context is recorded as a short
// consumer span.
func (q *NATSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	var out []Message

	collect := func(m *nats.Msg) {
		msgCtx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		_, span := q.tracer.Start(msgCtx, "queue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.End()
		out = append(out, Message{
			ID:      uuid.NewString(),
			Body:    m.Data,
			Receipt: uuid.NewString(),
		})
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-q.inbox:
		collect(m)
	case <-timer.C:
		return nil, nil
	}

	for len(out) < max {
		select {
		case m := <-q.inbox:
			collect(m)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Delete is a no-op acknowledgement under core NATS semantics.
func (q *NATSQueue) Delete(ctx context.Context, id, receipt string) error {
	return ctx.Err()
}

// Close unsubscribes from the work subject. The NATS connection itself is
// owned by the caller.
func (q *NATSQueue) Close() error {
	return q.sub.Unsubscribe()
}
