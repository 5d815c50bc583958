package emit

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
)

func TestBufferedEmitter(t *testing.T) {
	t.Run("records events per workflow in order", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{WorkflowID: "wf-1", Msg: "workflow_created"})
		b.Emit(Event{WorkflowID: "wf-1", TaskID: "t000001", Msg: "activity_scheduled"})
		b.Emit(Event{WorkflowID: "wf-2", Msg: "workflow_created"})

		events := b.History("wf-1")
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].Msg != "workflow_created" || events[1].Msg != "activity_scheduled" {
			t.Errorf("order wrong: %+v", events)
		}
		if len(b.History("wf-2")) != 1 {
			t.Error("workflows leaked into each other")
		}
	})

	t.Run("history returns a copy", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{WorkflowID: "wf-1", Msg: "a"})
		events := b.History("wf-1")
		events[0].Msg = "mutated"
		if b.History("wf-1")[0].Msg != "a" {
			t.Error("caller mutation reached the buffer")
		}
	})

	t.Run("concurrent emits are safe", func(t *testing.T) {
		b := NewBufferedEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Emit(Event{WorkflowID: "wf-1", Msg: "tick"})
			}()
		}
		wg.Wait()
		if len(b.History("wf-1")) != 50 {
			t.Errorf("lost events: %d", len(b.History("wf-1")))
		}
	})

	t.Run("clear drops a workflow's events", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{WorkflowID: "wf-1", Msg: "a"})
		b.Clear("wf-1")
		if len(b.History("wf-1")) != 0 {
			t.Error("clear left events behind")
		}
	})
}

func TestLogEmitter(t *testing.T) {
	t.Run("json mode writes structured lines", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, true)
		l.Emit(Event{WorkflowID: "wf-1", TaskID: "t000001", Msg: "timer_fired"})
		out := buf.String()
		if !strings.Contains(out, `"msg":"timer_fired"`) || !strings.Contains(out, `"workflow":"wf-1"`) {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("error meta raises the level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, true)
		l.Emit(Event{WorkflowID: "wf-1", Msg: "activity_failed", Meta: map[string]interface{}{"error": "boom"}})
		if !strings.Contains(buf.String(), `"level":"ERROR"`) {
			t.Errorf("expected ERROR level: %s", buf.String())
		}
	})
}

func TestNullEmitter(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{WorkflowID: "wf-1", Msg: "anything"})
	if err := n.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
