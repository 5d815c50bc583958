package wf

import "testing"

func TestConfigFromEnv(t *testing.T) {
	t.Run("reads and normalizes", func(t *testing.T) {
		t.Setenv("STATE_BUCKET", "wf-state")
		t.Setenv("STATE_PREFIX", "flows")
		t.Setenv("QUEUE_URL", "nats://localhost:4222/work")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv: %v", err)
		}
		if cfg.StateBucket != "wf-state" {
			t.Errorf("bucket: %q", cfg.StateBucket)
		}
		if cfg.StatePrefix != "flows/" {
			t.Errorf("prefix not normalized: %q", cfg.StatePrefix)
		}
		if cfg.QueueURL != "nats://localhost:4222/work" {
			t.Errorf("queue url: %q", cfg.QueueURL)
		}
	})

	t.Run("prefix defaults to wf/", func(t *testing.T) {
		t.Setenv("STATE_BUCKET", "wf-state")
		t.Setenv("STATE_PREFIX", "")
		t.Setenv("QUEUE_URL", "u")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv: %v", err)
		}
		if cfg.StatePrefix != "wf/" {
			t.Errorf("expected default wf/, got %q", cfg.StatePrefix)
		}
	})

	t.Run("missing required vars error", func(t *testing.T) {
		t.Setenv("STATE_BUCKET", "")
		t.Setenv("QUEUE_URL", "u")
		if _, err := ConfigFromEnv(); err == nil {
			t.Error("expected error for missing STATE_BUCKET")
		}

		t.Setenv("STATE_BUCKET", "b")
		t.Setenv("QUEUE_URL", "")
		if _, err := ConfigFromEnv(); err == nil {
			t.Error("expected error for missing QUEUE_URL")
		}
	})
}
