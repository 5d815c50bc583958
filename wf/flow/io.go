package flow

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/duraflow-go/wf"
)

// IO is the effect handle passed to a workflow body. Every method either
// returns the recorded outcome of the effect (replay) or suspends the body
// until the outcome exists.
//
// Bodies must be deterministic functions of their ctx and the values IO
// returns: no clocks, no randomness, no direct I/O. Side effects belong in
// activities invoked through Exec.
type IO struct {
	ctx    json.RawMessage // live mirror of workflow ctx
	hist   *historyIndex
	cursor int
	staged []wf.Command // set commands, emitted before all others
	others []wf.Command

	// sigConsumed counts signals consumed during THIS replay, from zero.
	// Replay re-consumes the same occurrences positionally every tick, so
	// already-fed signals resolve to the same payloads instead of blocking.
	sigConsumed map[string]int64

	// persistedCursor and persistedSig mirror the $wf subtree as persisted
	// before this tick. Effects below the cursor already had their commands
	// applied in an earlier tick and must not re-emit them.
	persistedCursor int
	persistedSig    map[string]int64

	defaults execOpts
}

// suspendSignal unwinds the body when an effect's outcome is not in history
// yet. It never escapes Compile.
type suspendSignal struct{}

func newIO(ctx json.RawMessage, history []wf.Event, defaults execOpts) *IO {
	if len(ctx) == 0 {
		ctx = json.RawMessage("{}")
	}
	io := &IO{
		ctx:          ctx,
		hist:         indexHistory(history),
		sigConsumed:  make(map[string]int64),
		persistedSig: make(map[string]int64),
		defaults:     defaults,
	}
	if !gjson.GetBytes(ctx, `$wf`).Exists() {
		io.stageSet("$wf", json.RawMessage(`{"cursor":0,"sigCount":{}}`))
	}
	io.persistedCursor = int(gjson.GetBytes(io.ctx, `$wf.cursor`).Int())
	gjson.GetBytes(io.ctx, `$wf.sigCount`).ForEach(func(key, value gjson.Result) bool {
		io.persistedSig[key.String()] = value.Int()
		return true
	})
	return io
}

// Ctx returns the workflow context as seen at this point of the replay,
// including sets staged earlier in the same tick.
func (io *IO) Ctx() gjson.Result {
	return gjson.ParseBytes(io.ctx)
}

// Get reads a dot-path from the workflow context.
func (io *IO) Get(path string) gjson.Result {
	return wf.GetCtxPath(io.ctx, path)
}

// Exec runs the named activity with the given input and returns its result.
// Suspends until the activity completes.
func (io *IO) Exec(name string, input interface{}, opts ...ExecOption) gjson.Result {
	child := ExecChild(name, input, opts...)
	eid := io.nextEID()
	st := io.resolve(eid, child, nil)
	switch st.state {
	case childReady:
		io.advance()
		return gjson.ParseBytes(st.result)
	case childUnscheduled:
		io.schedule(eid, child)
	}
	io.suspend()
	return gjson.Result{}
}

// Sleep pauses the workflow for the given number of seconds via a durable
// timer.
func (io *IO) Sleep(seconds int64) {
	io.timer(SleepChild(seconds))
}

// Until pauses the workflow until an absolute time.
func (io *IO) Until(t time.Time) {
	io.timer(UntilChild(t))
}

func (io *IO) timer(child Child) {
	eid := io.nextEID()
	st := io.resolve(eid, child, nil)
	switch st.state {
	case childReady:
		io.advance()
		return
	case childUnscheduled:
		io.schedule(eid, child)
	}
	io.suspend()
}

// Signal waits for the next unconsumed occurrence of the named signal and
// returns its payload.
func (io *IO) Signal(name string) gjson.Result {
	io.nextEID()
	offsets := map[string]int64{}
	if payload, _, ok := io.peekSignal(name, offsets); ok {
		io.consumeSignal(name)
		io.advance()
		return gjson.ParseBytes(payload)
	}
	io.suspend()
	return gjson.Result{}
}

// All runs the child effects concurrently and returns their results in
// order once every child is done. Timer children yield a zero Result.
func (io *IO) All(children ...Child) []gjson.Result {
	eid := io.nextEID()
	offsets := map[string]int64{}
	states := make([]childStatus, len(children))
	allDone := true
	for i, child := range children {
		st := io.resolve(childEID(eid, strconv.Itoa(i)), child, offsets)
		states[i] = st
		switch st.state {
		case childUnscheduled:
			io.schedule(childEID(eid, strconv.Itoa(i)), child)
			allDone = false
		case childWaiting:
			allDone = false
		}
	}
	if !allDone {
		io.suspend()
	}
	results := make([]gjson.Result, len(children))
	for i, child := range children {
		if child.kind == kindSignal {
			io.consumeSignal(child.name)
		}
		if len(states[i].result) > 0 {
			results[i] = gjson.ParseBytes(states[i].result)
		}
	}
	io.advance()
	return results
}

// RaceResult is the winner of a Race: the winning child's key and its value
// (activity result, signal payload, or zero for timers).
type RaceResult struct {
	Key   string
	Value gjson.Result
}

// Race runs the named child effects concurrently and returns as soon as one
// finishes. An already-delivered signal beats completed tasks; among
// signals the earliest timestamp wins, among tasks the earliest history
// completion wins. Losing children keep running; their outcomes are simply
// never consumed.
func (io *IO) Race(children map[string]Child) RaceResult {
	eid := io.nextEID()
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Schedule any children history has not seen yet.
	states := make(map[string]childStatus, len(children))
	offsets := map[string]int64{}
	for _, key := range keys {
		child := children[key]
		st := io.resolve(childEID(eid, key), child, offsets)
		states[key] = st
		if st.state == childUnscheduled {
			io.schedule(childEID(eid, key), child)
		}
	}

	// An unconsumed signal wins first, earliest timestamp ahead.
	winner := ""
	var winnerTS time.Time
	for _, key := range keys {
		child := children[key]
		st := states[key]
		if child.kind != kindSignal || st.state != childReady {
			continue
		}
		if winner == "" || st.sigTS.Before(winnerTS) {
			winner = key
			winnerTS = st.sigTS
		}
	}
	if winner != "" {
		io.consumeSignal(children[winner].name)
		io.advance()
		return RaceResult{Key: winner, Value: gjson.ParseBytes(states[winner].result)}
	}

	// Then the earliest completed task in history order.
	bestOrder := -1
	for _, key := range keys {
		child := children[key]
		st := states[key]
		if child.kind == kindSignal || st.state != childReady {
			continue
		}
		if bestOrder == -1 || st.orderIdx < bestOrder {
			bestOrder = st.orderIdx
			winner = key
		}
	}
	if winner != "" {
		io.advance()
		return RaceResult{Key: winner, Value: gjson.ParseBytes(states[winner].result)}
	}

	io.suspend()
	return RaceResult{}
}

// Set writes a value at a ctx dot-path. The write is visible to subsequent
// effects in the same tick.
//
// A set replayed from an earlier tick (its position is below the persisted
// cursor) re-applies to the local mirror only; the persisted ctx already
// holds it, so no command is re-emitted.
func (io *IO) Set(key string, value interface{}) {
	pos := io.cursor
	io.nextEID()
	raw := marshalInput(value)
	if pos < io.persistedCursor {
		io.mirrorSet(key, raw)
	} else {
		io.stageSet(key, raw)
	}
	io.advance()
}

// Complete terminates the workflow successfully. A non-nil value is stored
// at ctx path "result" first.
func (io *IO) Complete(value interface{}) {
	io.nextEID()
	if value != nil {
		io.stageSet("result", marshalInput(value))
	}
	io.others = append(io.others, wf.CompleteWorkflow())
	io.suspend()
}

// Fail terminates the workflow with the given reason.
func (io *IO) Fail(reason string) {
	io.nextEID()
	io.others = append(io.others, wf.FailWorkflow(&wf.Failure{Message: reason}))
	io.suspend()
}

// --- internals ---

type resolveState int

const (
	childUnscheduled resolveState = iota
	childWaiting
	childReady
)

type childStatus struct {
	state    resolveState
	result   json.RawMessage
	orderIdx int
	sigTS    time.Time
}

// nextEID mints the effect id for the effect at the current position and
// advances the cursor.
func (io *IO) nextEID() string {
	eid := strconv.Itoa(io.cursor)
	io.cursor++
	return eid
}

func childEID(parent, sub string) string {
	return parent + "." + sub
}

// resolve inspects history for the child's outcome without consuming
// signals. offsets tracks signal occurrences already claimed by sibling
// children within one composite effect; nil means a lone effect.
func (io *IO) resolve(eid string, child Child, offsets map[string]int64) childStatus {
	switch child.kind {
	case kindExec:
		taskID, scheduled := io.hist.execScheduled[eid]
		if !scheduled {
			return childStatus{state: childUnscheduled}
		}
		result, done := io.hist.execCompleted[taskID]
		if !done {
			return childStatus{state: childWaiting}
		}
		return childStatus{state: childReady, result: result, orderIdx: io.hist.order[taskID]}

	case kindSleep, kindUntil:
		taskID, scheduled := io.hist.timerScheduled[eid]
		if !scheduled {
			return childStatus{state: childUnscheduled}
		}
		if !io.hist.timerFired[taskID] {
			return childStatus{state: childWaiting}
		}
		return childStatus{state: childReady, orderIdx: io.hist.order[taskID]}

	default: // kindSignal
		payload, ts, ok := io.peekSignal(child.name, offsets)
		if !ok {
			return childStatus{state: childWaiting}
		}
		return childStatus{state: childReady, result: payload, sigTS: ts}
	}
}

// peekSignal reports the next unconsumed occurrence of the named signal,
// claiming it in offsets so sibling children see the one after.
func (io *IO) peekSignal(name string, offsets map[string]int64) (json.RawMessage, time.Time, bool) {
	idx := io.sigConsumed[name]
	if offsets != nil {
		idx += offsets[name]
	}
	sigs := io.hist.signals[name]
	if int64(len(sigs)) <= idx {
		return nil, time.Time{}, false
	}
	if offsets != nil {
		offsets[name]++
	}
	sig := sigs[idx]
	return sig.Payload, sig.TS, true
}

// consumeSignal advances the replay-local consumption counter for name, and
// stages the durable counter only when this consumption is new progress
// beyond what earlier ticks persisted.
func (io *IO) consumeSignal(name string) {
	io.sigConsumed[name]++
	if io.sigConsumed[name] <= io.persistedSig[name] {
		return
	}
	count, err := json.Marshal(io.sigConsumed[name])
	if err != nil {
		panic(err)
	}
	io.stageSet("$wf.sigCount."+name, count)
}

// schedule emits the command that creates the child's task, tagged with the
// effect id for replay correlation.
func (io *IO) schedule(eid string, child Child) {
	switch child.kind {
	case kindExec:
		code, err := json.Marshal(map[string]json.RawMessage{
			"action": json.RawMessage(strconv.Quote(child.name)),
			"input":  orNull(child.input),
		})
		if err != nil {
			panic(err)
		}
		opts := child.opts
		cmd := wf.Command{
			Type:        wf.CmdExec,
			Name:        execTagPrefix + eid,
			Code:        code,
			IdemKey:     opts.idemKey,
			MaxTries:    opts.maxTries,
			RetryDelays: opts.retryDelays,
			RunAfter:    opts.runAfter,
		}
		if cmd.MaxTries <= 0 {
			cmd.MaxTries = io.defaults.maxTries
		}
		if cmd.RetryDelays == nil {
			cmd.RetryDelays = io.defaults.retryDelays
		}
		io.others = append(io.others, cmd)

	case kindSleep:
		io.others = append(io.others, wf.SleepFor(child.seconds, timerTagPrefix+eid))

	case kindUntil:
		io.others = append(io.others, wf.SleepUntil(child.until, timerTagPrefix+eid))
	}
}

// stageSet stages a set command and applies it to the local ctx mirror so
// later effects in this tick observe it.
func (io *IO) stageSet(key string, value json.RawMessage) {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	io.staged = append(io.staged, wf.Command{Type: wf.CmdSet, Key: key, Value: value})
	io.mirrorSet(key, value)
}

// mirrorSet applies a write to the local ctx mirror without emitting a
// command.
func (io *IO) mirrorSet(key string, value json.RawMessage) {
	next, err := wf.SetCtxPath(io.ctx, key, value)
	if err != nil {
		panic(err)
	}
	io.ctx = next
}

// advance records cursor progress in the reserved $wf subtree. Progress
// already persisted by earlier ticks is not re-staged, so a pure replay
// emits no commands at all.
func (io *IO) advance() {
	if io.cursor <= io.persistedCursor {
		return
	}
	count, err := json.Marshal(io.cursor)
	if err != nil {
		panic(err)
	}
	io.stageSet("$wf.cursor", count)
}

func (io *IO) suspend() {
	panic(suspendSignal{})
}

// commands returns the tick's output: staged sets first, then everything
// else, so context mutations land before any scheduling.
func (io *IO) commands() []wf.Command {
	out := make([]wf.Command, 0, len(io.staged)+len(io.others))
	out = append(out, io.staged...)
	out = append(out, io.others...)
	return out
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
