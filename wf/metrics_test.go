package wf

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics(t *testing.T) {
	t.Run("registers on a custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.observeTick(StatusRunning, 5*time.Millisecond)
		m.observeConflict("tick")
		m.observeActivityDone()
		m.observeActivityFailed()
		m.observeActivityRetry()
		m.observeLeaseExtension()
		m.observeCommand(CmdExec)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		names := make(map[string]bool)
		for _, fam := range families {
			names[fam.GetName()] = true
		}
		for _, want := range []string{
			"duraflow_ticks_total",
			"duraflow_cas_conflicts_total",
			"duraflow_activities_completed_total",
			"duraflow_tick_latency_ms",
			"duraflow_decider_commands_total",
		} {
			if !names[want] {
				t.Errorf("metric %s not registered", want)
			}
		}
	})

	t.Run("nil metrics are safe", func(t *testing.T) {
		var m *Metrics
		m.observeTick(StatusRunning, time.Millisecond)
		m.observeConflict("tick")
		m.observeActivityDone()
		m.observeActivityFailed()
		m.observeActivityRetry()
		m.observeLeaseExtension()
		m.observeCommand(CmdSet)
	})
}
