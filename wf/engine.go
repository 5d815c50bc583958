package wf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/duraflow-go/wf/emit"
	"github.com/dshills/duraflow-go/wf/store"
)

// Engine advances workflows one atomic step at a time.
//
// The engine is lock-free with optimistic concurrency: it owns no background
// threads and no timers. Callers (workers, schedulers) may invoke its
// operations concurrently from any number of processes; all cross-process
// coordination goes through the blob store's compare-and-swap.
//
// Every public operation is an all-or-nothing transition on exactly one
// workflow blob: load, mutate in memory (history appends included), CAS put.
// On conflict the operation retries from a fresh load, so the mutation must
// be deterministic in the loaded state — which the decider contract
// guarantees.
type Engine struct {
	store         store.BlobStore
	deciders      *Registry
	prefix        string
	casRetryLimit int
	metrics       *Metrics
	emitter       emit.Emitter
	clock         Clock
}

// DefaultMaxTries is the retry budget for exec tasks that don't override it.
const DefaultMaxTries = 3

// maxBackoffSeconds caps the exponential backoff schedule.
const maxBackoffSeconds = 300

// New creates an engine over the given blob store and decider registry.
func New(bs store.BlobStore, deciders *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:         bs,
		deciders:      deciders,
		prefix:        "wf/",
		casRetryLimit: 16,
		emitter:       emit.NewNullEmitter(),
		clock:         SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TickResult reports the outcome of a tick.
type TickResult struct {
	Rev      int64
	NextWake *time.Time
	Status   Status
}

// ActivityCompletion describes the outcome a worker reports for a leased
// exec task.
type ActivityCompletion struct {
	// Success selects between Result and Failure.
	Success bool

	// Result is the activity's result payload when Success is true.
	Result json.RawMessage

	// Failure is the activity's error when Success is false. It is
	// normalized before being recorded.
	Failure *Failure

	// LeaseToken, when non-nil, must equal the task's current lease token;
	// a mismatch makes the call a stale no-op.
	LeaseToken *int64
}

// CompleteResult reports the outcome of CompleteActivity.
type CompleteResult struct {
	// Already is true when the call was a stale or duplicate no-op: the
	// task was missing, terminal, unleased, or the token mismatched.
	Already bool
	Rev     int64
	Status  Status
}

func (e *Engine) key(wfID string) string {
	return e.prefix + wfID
}

// Create initializes and persists a new workflow with need_decide set, so
// the first tick runs the decider.
//
// Returns ErrWorkflowExists if the id already has a blob.
func (e *Engine) Create(ctx context.Context, wfID, decider string, initialCtx json.RawMessage) (*State, error) {
	if len(initialCtx) == 0 {
		initialCtx = json.RawMessage("{}")
	}
	now := e.clock.Now()
	s := &State{
		ID:         wfID,
		Rev:        1,
		Status:     StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
		Ctx:        initialCtx,
		Tasks:      make(map[string]*Task),
		NeedDecide: true,
		Decider:    decider,
	}
	s.appendEvent(Event{Type: EventWFCreated, TS: now})

	raw, err := s.encode()
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Put(ctx, e.key(wfID), raw, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %q", ErrWorkflowExists, wfID)
		}
		return nil, err
	}
	e.emit("workflow_created", wfID, "", now, map[string]interface{}{"decider": decider})
	return s, nil
}

// GetState loads the current persisted state of a workflow.
func (e *Engine) GetState(ctx context.Context, wfID string) (*State, error) {
	rec, err := e.store.Get(ctx, e.key(wfID))
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", wfID, err)
	}
	s, err := decodeState(rec.State)
	if err != nil {
		return nil, err
	}
	s.Rev = rec.Rev
	return s, nil
}

// Tick performs one atomic engine step at time now:
//
//  1. Fire every due sleep task (TIMER_FIRED, need_decide).
//  2. If running and need_decide, invoke the decider and apply its commands.
//  3. Recompute next_wake.
//  4. Persist under CAS.
func (e *Engine) Tick(ctx context.Context, wfID string, now time.Time) (TickResult, error) {
	started := e.clock.Now()
	s, err := e.update(ctx, "tick", wfID, func(s *State) (bool, error) {
		dirty := false

		for _, id := range s.TaskIDs() {
			task := s.Tasks[id]
			if task.Type != TaskSleep || task.Status != TaskPending {
				continue
			}
			if task.RunAfter.After(now) {
				continue
			}
			task.Status = TaskCompleted
			s.appendEvent(Event{Type: EventTimerFired, TS: now, TaskID: id, Label: task.Label})
			s.NeedDecide = true
			dirty = true
			e.emit("timer_fired", wfID, id, now, nil)
		}

		if s.Status == StatusRunning && s.NeedDecide {
			decider, err := e.deciders.Lookup(s.Decider)
			if err != nil {
				return false, err
			}
			cmds, err := decider(s.Ctx, s.History)
			if err != nil {
				return false, fmt.Errorf("decider %q: %w", s.Decider, err)
			}
			if err := e.applyCommands(s, cmds, now); err != nil {
				return false, err
			}
			s.NeedDecide = false
			dirty = true
		}

		if e.recomputeNextWake(s) {
			dirty = true
		}
		return dirty, nil
	})
	if err != nil {
		return TickResult{}, err
	}
	e.metrics.observeTick(s.Status, e.clock.Now().Sub(started))
	return TickResult{Rev: s.Rev, NextWake: s.NextWake, Status: s.Status}, nil
}

// ReserveReadyActivities leases up to maxN due exec tasks for workerID.
//
// Tasks are scanned in ascending id order. A task is ready when it is not
// terminal, holds no live lease, and its run_after has passed. Each
// reservation increments the task's fence and installs a lease whose token
// equals the new fence.
//
// The returned tasks are deep copies; mutating them does not touch engine
// state. An empty result consumes no store write.
func (e *Engine) ReserveReadyActivities(ctx context.Context, wfID, workerID string, maxN int, leaseSecs int64, now time.Time) ([]*Task, error) {
	if maxN <= 0 {
		return nil, nil
	}
	var reserved []*Task
	_, err := e.update(ctx, "reserve", wfID, func(s *State) (bool, error) {
		reserved = reserved[:0]
		for _, id := range s.TaskIDs() {
			if len(reserved) >= maxN {
				break
			}
			task := s.Tasks[id]
			if task.Type != TaskExec || task.Status.Terminal() {
				continue
			}
			takeover := false
			if task.Status == TaskLeased {
				if task.Lease != nil && task.Lease.ExpiresAt.After(now) {
					continue // still leased
				}
				takeover = true
			}
			if task.RunAfter.After(now) {
				continue
			}
			task.Status = TaskLeased
			task.Fence++
			task.Lease = &Lease{
				Owner:     workerID,
				Token:     task.Fence,
				ExpiresAt: now.Add(time.Duration(leaseSecs) * time.Second),
			}
			clone, err := task.Clone()
			if err != nil {
				return false, err
			}
			reserved = append(reserved, clone)
			msg := "lease_reserved"
			if takeover {
				msg = "lease_takeover"
			}
			e.emit(msg, wfID, id, now, map[string]interface{}{
				"owner": workerID,
				"token": task.Fence,
			})
		}
		if len(reserved) == 0 {
			return false, nil
		}
		e.recomputeNextWake(s)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// CompleteActivity records the outcome of a leased exec task.
//
// The call is idempotent and fencing-safe: a missing or terminal task, an
// unleased task, or a mismatched lease token all return Already=true with no
// state change. On success the task completes with its result; on failure
// the retry policy either reschedules the task with backoff or fails the
// task and the workflow.
func (e *Engine) CompleteActivity(ctx context.Context, wfID, taskID string, comp ActivityCompletion, now time.Time) (CompleteResult, error) {
	already := false
	s, err := e.update(ctx, "complete", wfID, func(s *State) (bool, error) {
		already = false
		task, ok := s.Tasks[taskID]
		if !ok || task.Status.Terminal() {
			already = true
			return false, nil
		}
		if task.Status != TaskLeased || task.Lease == nil {
			already = true
			return false, nil
		}
		if comp.LeaseToken != nil && *comp.LeaseToken != task.Lease.Token {
			already = true
			return false, nil
		}

		if comp.Success {
			task.Status = TaskCompleted
			task.Result = comp.Result
			task.Lease = nil
			task.Error = nil
			s.appendEvent(Event{Type: EventActivityCompleted, TS: now, TaskID: taskID, Result: comp.Result})
			s.NeedDecide = true
			e.metrics.observeActivityDone()
			e.emit("activity_completed", wfID, taskID, now, nil)
		} else {
			task.Tries++
			failure := comp.Failure.Normalize()
			task.Error = failure
			maxTries := task.MaxTries
			if maxTries <= 0 {
				maxTries = DefaultMaxTries
			}
			if task.Tries >= maxTries {
				task.Status = TaskFailed
				task.Lease = nil
				s.appendEvent(Event{Type: EventActivityFailed, TS: now, TaskID: taskID, Error: failure, Tries: task.Tries})
				s.Status = StatusFailed
				s.appendEvent(Event{Type: EventWFFailed, TS: now, Error: failure})
				e.metrics.observeActivityFailed()
				e.emit("activity_failed", wfID, taskID, now, map[string]interface{}{"error": failure.Message})
			} else {
				backoff := backoffSeconds(task)
				task.Status = TaskPending
				task.Lease = nil
				task.RunAfter = now.Add(time.Duration(backoff) * time.Second)
				s.appendEvent(Event{Type: EventActivityRetry, TS: now, TaskID: taskID, Error: failure, Tries: task.Tries, AfterSeconds: backoff})
				s.NeedDecide = true
				e.metrics.observeActivityRetry()
				e.emit("activity_retry", wfID, taskID, now, map[string]interface{}{"after_seconds": backoff})
			}
		}
		e.recomputeNextWake(s)
		return true, nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Already: already, Rev: s.Rev, Status: s.Status}, nil
}

// ExtendLease heartbeats a lease, advancing expires_at by extraSecs from the
// current expiry (not from now).
//
// Lease-state violations surface as hard errors: ErrTaskNotFound,
// ErrNotLeased, ErrLeaseMismatch, or ErrLeaseExpired.
func (e *Engine) ExtendLease(ctx context.Context, wfID, taskID, owner string, token int64, extraSecs int64, now time.Time) error {
	_, err := e.update(ctx, "extend", wfID, func(s *State) (bool, error) {
		task, ok := s.Tasks[taskID]
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
		}
		if task.Status != TaskLeased || task.Lease == nil {
			return false, fmt.Errorf("%w: %q", ErrNotLeased, taskID)
		}
		if task.Lease.Owner != owner || task.Lease.Token != token {
			return false, fmt.Errorf("%w: task %q", ErrLeaseMismatch, taskID)
		}
		if task.Lease.ExpiresAt.Before(now) {
			return false, fmt.Errorf("%w: task %q", ErrLeaseExpired, taskID)
		}
		task.Lease.ExpiresAt = task.Lease.ExpiresAt.Add(time.Duration(extraSecs) * time.Second)
		e.recomputeNextWake(s)
		e.metrics.observeLeaseExtension()
		e.emit("lease_extended", wfID, taskID, now, map[string]interface{}{"owner": owner, "token": token})
		return true, nil
	})
	return err
}

// Signal records an external event in the workflow's signal list and
// history, and marks the decider to run.
//
// Signals are accepted regardless of workflow status; a terminal workflow
// records them but the decider will not run again, so no new tasks result.
func (e *Engine) Signal(ctx context.Context, wfID, name string, payload json.RawMessage, now time.Time) (*State, error) {
	s, err := e.update(ctx, "signal", wfID, func(s *State) (bool, error) {
		s.Signals = append(s.Signals, Signal{TS: now, Name: name, Payload: payload})
		s.appendEvent(Event{Type: EventSignal, TS: now, Name: name, Payload: payload})
		s.NeedDecide = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit("signal_received", wfID, "", now, map[string]interface{}{"name": name})
	return s, nil
}

// Cancel terminates a running workflow without running its decider again.
// Cancelling a terminal workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, wfID string, reason *Failure, now time.Time) (*State, error) {
	s, err := e.update(ctx, "cancel", wfID, func(s *State) (bool, error) {
		if s.Status.Terminal() {
			return false, nil
		}
		s.Status = StatusCancelled
		s.appendEvent(Event{Type: EventWFCancelled, TS: now, Error: reason.Normalize()})
		e.recomputeNextWake(s)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit("workflow_cancelled", wfID, "", now, nil)
	return s, nil
}

// applyCommands applies decider output to the in-memory state.
//
// Once the workflow reaches a terminal status, later schedule commands in
// the same batch are dropped: terminal workflows never gain new tasks.
func (e *Engine) applyCommands(s *State, cmds []Command, now time.Time) error {
	for _, cmd := range cmds {
		e.metrics.observeCommand(cmd.Type)
		switch cmd.Type {
		case CmdSet:
			value := cmd.Value
			if len(value) == 0 {
				value = json.RawMessage("null")
			}
			newCtx, err := SetCtxPath(s.Ctx, cmd.Key, value)
			if err != nil {
				return err
			}
			s.Ctx = newCtx
			// $wf.* writes are interpreter bookkeeping, not user state;
			// they are applied but kept out of history.
			if !strings.HasPrefix(cmd.Key, "$wf") {
				s.appendEvent(Event{Type: EventCtxSet, TS: now, Key: cmd.Key})
			}

		case CmdSleep:
			if s.Status.Terminal() {
				continue
			}
			if (cmd.Seconds == nil) == (cmd.Until == nil) {
				return fmt.Errorf("sleep command requires exactly one of seconds/until")
			}
			var runAfter time.Time
			if cmd.Seconds != nil {
				runAfter = now.Add(time.Duration(*cmd.Seconds) * time.Second)
			} else {
				runAfter = *cmd.Until
			}
			id := s.mintTaskID()
			s.Tasks[id] = &Task{
				ID:       id,
				Type:     TaskSleep,
				Status:   TaskPending,
				RunAfter: runAfter,
				Label:    cmd.Label,
			}
			s.appendEvent(Event{Type: EventTimerScheduled, TS: now, TaskID: id, Label: cmd.Label, RunAfter: &runAfter})
			e.emit("timer_scheduled", s.ID, id, now, nil)

		case CmdExec:
			if s.Status.Terminal() {
				continue
			}
			runAfter := now
			if cmd.RunAfter != nil {
				runAfter = *cmd.RunAfter
			}
			maxTries := cmd.MaxTries
			if maxTries <= 0 {
				maxTries = DefaultMaxTries
			}
			id := s.mintTaskID()
			s.Tasks[id] = &Task{
				ID:          id,
				Type:        TaskExec,
				Status:      TaskPending,
				RunAfter:    runAfter,
				Name:        cmd.Name,
				Code:        cmd.Code,
				IdemKey:     cmd.IdemKey,
				MaxTries:    maxTries,
				RetryDelays: cmd.RetryDelays,
			}
			s.appendEvent(Event{Type: EventActivityScheduled, TS: now, TaskID: id, Name: cmd.Name})
			e.emit("activity_scheduled", s.ID, id, now, map[string]interface{}{"name": cmd.Name})

		case CmdCompleteWorkflow:
			if s.Status.Terminal() {
				continue
			}
			s.Status = StatusCompleted
			s.appendEvent(Event{Type: EventWFCompleted, TS: now})
			e.emit("workflow_completed", s.ID, "", now, nil)

		case CmdFailWorkflow:
			if s.Status.Terminal() {
				continue
			}
			reason := cmd.Reason.Normalize()
			s.Status = StatusFailed
			s.appendEvent(Event{Type: EventWFFailed, TS: now, Error: reason})
			e.emit("workflow_failed", s.ID, "", now, map[string]interface{}{"error": reason.Message})

		default:
			return fmt.Errorf("unknown command type %q", cmd.Type)
		}
	}
	return nil
}

// update is the CAS retry loop shared by all mutating operations: load,
// mutate via fn, persist. When fn reports no mutation the loop exits without
// a write. The loop is bounded by casRetryLimit.
func (e *Engine) update(ctx context.Context, op, wfID string, fn func(*State) (bool, error)) (*State, error) {
	key := e.key(wfID)
	for attempt := 0; attempt < e.casRetryLimit; attempt++ {
		rec, err := e.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load workflow %q: %w", wfID, err)
		}
		s, err := decodeState(rec.State)
		if err != nil {
			return nil, err
		}
		s.Rev = rec.Rev

		dirty, err := fn(s)
		if err != nil {
			return nil, err
		}
		if !dirty {
			return s, nil
		}

		s.Rev = rec.Rev + 1
		s.UpdatedAt = e.clock.Now()
		raw, err := s.encode()
		if err != nil {
			return nil, err
		}
		newRev, err := e.store.Put(ctx, key, raw, rec.CAS)
		if errors.Is(err, store.ErrConflict) {
			e.metrics.observeConflict(op)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist workflow %q: %w", wfID, err)
		}
		s.Rev = newRev
		return s, nil
	}
	return nil, fmt.Errorf("%w: op=%s workflow=%q", ErrCASRetryLimit, op, wfID)
}

// recomputeNextWake refreshes s.NextWake and reports whether it changed.
func (e *Engine) recomputeNextWake(s *State) bool {
	prev := s.NextWake
	s.computeNextWake()
	switch {
	case prev == nil && s.NextWake == nil:
		return false
	case prev != nil && s.NextWake != nil && prev.Equal(*s.NextWake):
		return false
	}
	return true
}

// backoffSeconds picks the retry delay for a task whose Tries was just
// incremented: the per-attempt override when present, else min(300, 2^tries).
func backoffSeconds(task *Task) int64 {
	if n := task.Tries; n >= 1 && n <= len(task.RetryDelays) {
		return task.RetryDelays[n-1]
	}
	if task.Tries >= 9 { // 2^9 already exceeds the cap
		return maxBackoffSeconds
	}
	backoff := int64(1) << uint(task.Tries)
	if backoff > maxBackoffSeconds {
		backoff = maxBackoffSeconds
	}
	return backoff
}

func (e *Engine) emit(msg, wfID, taskID string, at time.Time, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		WorkflowID: wfID,
		TaskID:     taskID,
		Msg:        msg,
		At:         at,
		Meta:       meta,
	})
}
