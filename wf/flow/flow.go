// Package flow compiles workflow bodies into pure deciders.
//
// A workflow body is an ordinary function over an IO handle:
//
//	func greet(io *flow.IO) {
//		r := io.Exec("fetch_user", map[string]string{"id": "u1"})
//		io.Set("name", r.Get("name").Value())
//		io.Sleep(60)
//		io.Complete(map[string]string{"greeting": "hello " + r.Get("name").String()})
//	}
//
// Compile turns the body into a wf.Decider by deterministic replay: every
// tick the body re-executes from the top, each effect either returns its
// recorded outcome from history or suspends the run, and the commands
// accumulated up to the suspension point become the decider's output. The
// body therefore needs no goroutines, no saved continuations, and nothing
// beyond the workflow's own history to resume on any worker.
package flow

import (
	"encoding/json"
	"fmt"

	"github.com/dshills/duraflow-go/wf"
)

// Body is a user-authored workflow function.
type Body func(io *IO)

// CompileOption configures workflow-level defaults applied to every exec
// effect that doesn't override them.
type CompileOption func(*execOpts)

// WithDefaultMaxTries sets the workflow-level retry budget for exec effects.
func WithDefaultMaxTries(n int) CompileOption {
	return func(o *execOpts) { o.maxTries = n }
}

// WithDefaultRetryDelays sets the workflow-level per-attempt backoff
// overrides, in seconds.
func WithDefaultRetryDelays(delays ...int64) CompileOption {
	return func(o *execOpts) { o.retryDelays = delays }
}

// Compile turns a workflow body into a pure decider.
//
// The returned decider is deterministic in (ctx, history): replaying the
// same history produces the same command sequence, and a history that
// already contains every scheduled effect yields no duplicate scheduling.
//
// A panic inside the body (other than the interpreter's own suspension) is
// converted into a fail_workflow command: a deterministic user bug must
// fail the workflow, not wedge the tick forever.
func Compile(body Body, opts ...CompileOption) wf.Decider {
	var defaults execOpts
	for _, opt := range opts {
		opt(&defaults)
	}
	return func(ctx json.RawMessage, history []wf.Event) (cmds []wf.Command, err error) {
		io := newIO(ctx, history, defaults)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if _, ok := r.(suspendSignal); ok {
				cmds = io.commands()
				return
			}
			cmds = []wf.Command{wf.FailWorkflow(&wf.Failure{
				Type:    wf.KindNonRetryable,
				Message: fmt.Sprintf("workflow body panic: %v", r),
			})}
		}()
		body(io)
		// The body returned without an explicit Complete: the workflow is
		// done.
		io.others = append(io.others, wf.CompleteWorkflow())
		return io.commands(), nil
	}
}

// Register compiles body and installs it in the decider registry under
// name.
func Register(reg *wf.Registry, name string, body Body, opts ...CompileOption) {
	reg.Register(name, Compile(body, opts...))
}
