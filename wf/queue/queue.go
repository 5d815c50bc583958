// Package queue provides the work-nudge transport between the engine and
// workers, with in-memory and NATS backends.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Message is one received queue entry. ID and Receipt are opaque; Receipt
// identifies the specific delivery for acknowledgement.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// WorkQueue transports work nudges from the engine to workers.
//
// All operations may block up to their declared wait window and honor
// context cancellation. Delivery is at-least-once: consumers must tolerate
// duplicates, which the engine's fencing tokens make safe.
type WorkQueue interface {
	// Send enqueues an opaque JSON payload.
	Send(ctx context.Context, body []byte) error

	// Receive returns up to max messages, waiting up to wait for the first
	// one. An empty result after the wait window is not an error.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a received message so it is not redelivered.
	Delete(ctx context.Context, id, receipt string) error
}

// WorkMessage is the nudge payload: which task of which workflow is ready.
type WorkMessage struct {
	WfID   string `json:"wfId"`
	TaskID string `json:"taskId"`
}

// EncodeWork serializes a work nudge.
func EncodeWork(wfID, taskID string) ([]byte, error) {
	return json.Marshal(WorkMessage{WfID: wfID, TaskID: taskID})
}

// DecodeWork parses a work nudge body. Bodies that are not JSON objects or
// lack wfId are rejected; consumers must delete such messages to avoid
// poison loops.
func DecodeWork(body []byte) (WorkMessage, error) {
	var wm WorkMessage
	if err := json.Unmarshal(body, &wm); err != nil {
		return WorkMessage{}, fmt.Errorf("malformed work message: %w", err)
	}
	if wm.WfID == "" {
		return WorkMessage{}, fmt.Errorf("malformed work message: missing wfId")
	}
	return wm, nil
}
