package flow

import (
	"encoding/json"
	"strings"

	"github.com/dshills/duraflow-go/wf"
)

// historyIndex is the single-pass index the interpreter builds over a
// workflow's history before replaying the body.
//
// Scheduled tasks are correlated back to effect ids through the tags the
// interpreter embedded when scheduling: exec commands carry name "E:<eid>",
// sleep commands carry label "S:<eid>".
type historyIndex struct {
	execScheduled  map[string]string          // effect id -> task id
	execCompleted  map[string]json.RawMessage // task id -> result
	timerScheduled map[string]string          // effect id -> task id
	timerFired     map[string]bool            // task id -> fired
	signals        map[string][]wf.Signal     // name -> signals in arrival order
	order          map[string]int             // task id -> completion/firing order
}

const (
	execTagPrefix  = "E:"
	timerTagPrefix = "S:"
)

func indexHistory(history []wf.Event) *historyIndex {
	idx := &historyIndex{
		execScheduled:  make(map[string]string),
		execCompleted:  make(map[string]json.RawMessage),
		timerScheduled: make(map[string]string),
		timerFired:     make(map[string]bool),
		signals:        make(map[string][]wf.Signal),
		order:          make(map[string]int),
	}
	next := 0
	for _, ev := range history {
		switch ev.Type {
		case wf.EventActivityScheduled:
			if strings.HasPrefix(ev.Name, execTagPrefix) {
				idx.execScheduled[ev.Name[len(execTagPrefix):]] = ev.TaskID
			}
		case wf.EventActivityCompleted:
			idx.execCompleted[ev.TaskID] = ev.Result
			idx.order[ev.TaskID] = next
			next++
		case wf.EventTimerScheduled:
			if strings.HasPrefix(ev.Label, timerTagPrefix) {
				idx.timerScheduled[ev.Label[len(timerTagPrefix):]] = ev.TaskID
			}
		case wf.EventTimerFired:
			idx.timerFired[ev.TaskID] = true
			idx.order[ev.TaskID] = next
			next++
		case wf.EventSignal:
			idx.signals[ev.Name] = append(idx.signals[ev.Name], wf.Signal{
				TS:      ev.TS,
				Name:    ev.Name,
				Payload: ev.Payload,
			})
		}
	}
	return idx
}
