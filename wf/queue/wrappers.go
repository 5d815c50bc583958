package queue

import (
	"context"
	"time"
)

// Validating wraps a WorkQueue and filters malformed work messages out of
// Receive results, deleting them so they cannot poison the consumer loop.
type Validating struct {
	WorkQueue
}

// NewValidating wraps q with work-message validation.
func NewValidating(q WorkQueue) *Validating {
	return &Validating{WorkQueue: q}
}

// Receive filters out messages whose bodies fail DecodeWork. Invalid
// messages are acknowledged (deleted) immediately.
func (v *Validating) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	msgs, err := v.WorkQueue.Receive(ctx, max, wait)
	if err != nil {
		return nil, err
	}
	valid := msgs[:0]
	for _, msg := range msgs {
		if _, err := DecodeWork(msg.Body); err != nil {
			_ = v.WorkQueue.Delete(ctx, msg.ID, msg.Receipt)
			continue
		}
		valid = append(valid, msg)
	}
	return valid, nil
}

// DurableSend wraps a WorkQueue with a caller-supplied pre-send hook,
// typically used to flush state before the nudge becomes visible to other
// workers.
type DurableSend struct {
	WorkQueue
	hook func(ctx context.Context, body []byte) error
}

// NewDurableSend wraps q; hook runs before every Send and a hook error
// aborts the send.
func NewDurableSend(q WorkQueue, hook func(ctx context.Context, body []byte) error) *DurableSend {
	return &DurableSend{WorkQueue: q, hook: hook}
}

// Send runs the pre-send hook, then delegates.
func (d *DurableSend) Send(ctx context.Context, body []byte) error {
	if d.hook != nil {
		if err := d.hook(ctx, body); err != nil {
			return err
		}
	}
	return d.WorkQueue.Send(ctx, body)
}
