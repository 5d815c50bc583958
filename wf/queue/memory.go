package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-memory WorkQueue for tests and single-process runs.
//
// Received messages move to an in-flight set until deleted; Requeue returns
// an in-flight message to the queue, which tests use to simulate redelivery
// after a consumer crash.
//
// MemQueue is thread-safe.
type MemQueue struct {
	mu       sync.Mutex
	ready    []Message
	inflight map[string]Message // receipt -> message
	closed   bool
	arrival  chan struct{}
}

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		inflight: make(map[string]Message),
		arrival:  make(chan struct{}, 1),
	}
}

// Send enqueues a message body.
func (q *MemQueue) Send(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	q.ready = append(q.ready, Message{ID: uuid.NewString(), Body: stored})
	select {
	case q.arrival <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to max messages, waiting up to wait for the first.
func (q *MemQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(wait)
	for {
		if msgs := q.take(max); len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.arrival:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (q *MemQueue) take(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil
	}
	n := max
	if n > len(q.ready) {
		n = len(q.ready)
	}
	out := make([]Message, 0, n)
	for _, msg := range q.ready[:n] {
		msg.Receipt = uuid.NewString()
		q.inflight[msg.Receipt] = msg
		out = append(out, msg)
	}
	q.ready = append([]Message(nil), q.ready[n:]...)
	return out
}

// Delete acknowledges an in-flight message. Unknown receipts are no-ops:
// at-least-once delivery makes duplicate acknowledgements routine.
func (q *MemQueue) Delete(ctx context.Context, id, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, receipt)
	return nil
}

// Requeue returns an in-flight message to the ready queue, simulating a
// visibility timeout after a consumer crash.
func (q *MemQueue) Requeue(receipt string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[receipt]
	if !ok {
		return false
	}
	delete(q.inflight, receipt)
	msg.Receipt = ""
	q.ready = append(q.ready, msg)
	select {
	case q.arrival <- struct{}{}:
	default:
	}
	return true
}

// Len reports the number of ready (not in-flight) messages.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Close marks the queue closed for sends.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
