// Package runner provides stateless orchestration around the engine:
// reserving ready activities, executing them against a local registry,
// and consuming work nudges from a queue.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/duraflow-go/wf"
	"github.com/dshills/duraflow-go/wf/queue"
	"github.com/dshills/duraflow-go/wf/store"
)

// Runner drives workflows forward by pairing engine ticks with activity
// execution. A Runner holds no per-workflow state; any number of runners
// may work the same workflows concurrently, coordinated only by leases.
type Runner struct {
	engine     *wf.Engine
	activities *Registry
	queue      queue.WorkQueue
	workerID   string
	leaseSecs  int64
	batch      int
	wait       time.Duration
	clock      wf.Clock
}

// Option configures a Runner.
type Option func(*Runner)

// WithQueue attaches a work queue for dispatch and consumption.
func WithQueue(q queue.WorkQueue) Option {
	return func(r *Runner) { r.queue = q }
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return func(r *Runner) { r.workerID = id }
}

// WithLeaseSeconds sets the lease duration for reservations (default 30).
func WithLeaseSeconds(secs int64) Option {
	return func(r *Runner) { r.leaseSecs = secs }
}

// WithBatchSize sets the maximum tasks reserved per round (default 10).
func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batch = n }
}

// WithClock injects a clock; tests use wf.ManualClock so RunToCompletion
// can step simulated time to next_wake instead of sleeping.
func WithClock(c wf.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithReceiveWait sets how long ConsumeLoop blocks per receive (default 5s).
func WithReceiveWait(d time.Duration) Option {
	return func(r *Runner) { r.wait = d }
}

// New creates a runner over an engine and an activity registry.
func New(engine *wf.Engine, activities *Registry, opts ...Option) *Runner {
	r := &Runner{
		engine:     engine,
		activities: activities,
		workerID:   "worker-" + uuid.NewString(),
		leaseSecs:  30,
		batch:      10,
		wait:       5 * time.Second,
		clock:      wf.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the id this runner reserves leases under.
func (r *Runner) WorkerID() string {
	return r.workerID
}

// DrainExecs repeatedly reserves ready exec tasks and executes them locally
// until no task is ready. Each completion carries the lease's fencing token
// and is followed by a tick so the decider reacts before the next round.
func (r *Runner) DrainExecs(ctx context.Context, wfID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := r.clock.Now()
		tasks, err := r.engine.ReserveReadyActivities(ctx, wfID, r.workerID, r.batch, r.leaseSecs, now)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		if err := r.executeReserved(ctx, wfID, tasks); err != nil {
			return err
		}
	}
}

// executeReserved runs each leased task against the activity registry and
// reports the outcome to the engine. An unregistered activity counts as a
// retryable failure: the registration may exist on another worker or a
// later deploy.
func (r *Runner) executeReserved(ctx context.Context, wfID string, tasks []*wf.Task) error {
	for _, task := range tasks {
		var code struct {
			Action string          `json:"action"`
			Input  json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(task.Code, &code); err != nil {
			code.Action = task.Name
		}

		var result json.RawMessage
		var failure *wf.Failure
		handler, err := r.activities.Lookup(code.Action)
		if err != nil {
			failure = &wf.Failure{Type: wf.KindRetryable, Message: err.Error()}
		} else {
			result, err = handler(ctx, code.Input)
			if err != nil {
				failure = wf.FailureFromError(wf.KindRetryable, err)
			}
		}

		token := task.Lease.Token
		comp := wf.ActivityCompletion{
			Success:    failure == nil,
			Result:     result,
			Failure:    failure,
			LeaseToken: &token,
		}
		if _, err := r.engine.CompleteActivity(ctx, wfID, task.ID, comp, r.clock.Now()); err != nil {
			return err
		}
		if _, err := r.engine.Tick(ctx, wfID, r.clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

// RunToCompletion ticks, drains ready activities, and advances to next_wake
// until the workflow reaches a terminal status or has nothing scheduled (no
// pending or leased task), so that only an external signal can move it on.
// A task leased by another worker keeps next_wake at the lease expiry; the
// runner waits until then and takes the task over if it is still leased.
//
// With a wf.ManualClock the simulated time steps directly to next_wake;
// with a real clock the runner sleeps until it, honoring cancellation.
func (r *Runner) RunToCompletion(ctx context.Context, wfID string) (*wf.State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.engine.Tick(ctx, wfID, r.clock.Now())
		if err != nil {
			return nil, err
		}
		if res.Status.Terminal() {
			return r.engine.GetState(ctx, wfID)
		}
		if err := r.DrainExecs(ctx, wfID); err != nil {
			return nil, err
		}

		s, err := r.engine.GetState(ctx, wfID)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return s, nil
		}
		if s.NextWake == nil {
			// Nothing scheduled: no pending or leased task remains, so the
			// workflow is waiting on a signal. The caller decides what to do
			// next.
			return s, nil
		}
		if err := r.waitUntil(ctx, *s.NextWake); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) waitUntil(ctx context.Context, wake time.Time) error {
	if mc, ok := r.clock.(*wf.ManualClock); ok {
		mc.SetTo(wake)
		return nil
	}
	delay := time.Until(wake)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NotifyReady ticks the workflow and sends one work nudge per ready pending
// exec task, so queue consumers pick them up. Requires a configured queue.
func (r *Runner) NotifyReady(ctx context.Context, wfID string) error {
	if r.queue == nil {
		return errors.New("runner has no queue configured")
	}
	now := r.clock.Now()
	if _, err := r.engine.Tick(ctx, wfID, now); err != nil {
		return err
	}
	s, err := r.engine.GetState(ctx, wfID)
	if err != nil {
		return err
	}
	for _, id := range s.TaskIDs() {
		task := s.Tasks[id]
		if task.Type != wf.TaskExec || task.Status != wf.TaskPending || task.RunAfter.After(now) {
			continue
		}
		body, err := queue.EncodeWork(wfID, id)
		if err != nil {
			return err
		}
		if err := r.queue.Send(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// ProcessWorkMessage handles one work nudge: tick, reserve whatever is
// ready (the nudged task included), execute, and tick again through the
// completions. Stale nudges — task already done, leased elsewhere, or
// workflow terminal — are no-ops.
func (r *Runner) ProcessWorkMessage(ctx context.Context, wfID, taskID string) error {
	now := r.clock.Now()
	if _, err := r.engine.Tick(ctx, wfID, now); err != nil {
		return err
	}
	tasks, err := r.engine.ReserveReadyActivities(ctx, wfID, r.workerID, r.batch, r.leaseSecs, now)
	if err != nil {
		return err
	}
	return r.executeReserved(ctx, wfID, tasks)
}

// ConsumeLoop receives work nudges until the context is cancelled.
//
// Malformed payloads are deleted without processing so they cannot poison
// the loop. A nudge for a vanished workflow is also deleted; everything
// else is acknowledged only after processing, preserving at-least-once
// handling.
func (r *Runner) ConsumeLoop(ctx context.Context) error {
	if r.queue == nil {
		return errors.New("runner has no queue configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := r.queue.Receive(ctx, r.batch, r.wait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			continue
		}
		for _, msg := range msgs {
			work, err := queue.DecodeWork(msg.Body)
			if err != nil {
				_ = r.queue.Delete(ctx, msg.ID, msg.Receipt)
				continue
			}
			err = r.ProcessWorkMessage(ctx, work.WfID, work.TaskID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				// Leave the message for redelivery.
				continue
			}
			_ = r.queue.Delete(ctx, msg.ID, msg.Receipt)
		}
	}
}
