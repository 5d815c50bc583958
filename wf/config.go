package wf

import (
	"fmt"
	"os"
)

// Config carries the environment wiring for object-store/queue deployments.
type Config struct {
	// StateBucket is the name of the state bucket (STATE_BUCKET).
	StateBucket string

	// StatePrefix is the blob key prefix (STATE_PREFIX, default "wf/"),
	// normalized to end with "/".
	StatePrefix string

	// QueueURL is the fully qualified work queue URL (QUEUE_URL).
	QueueURL string
}

// ConfigFromEnv reads engine configuration from the environment.
//
// STATE_BUCKET and QUEUE_URL are required; a missing value is an error, not
// a panic, so callers can fall back to in-process backends.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		StateBucket: os.Getenv("STATE_BUCKET"),
		StatePrefix: normalizePrefix(os.Getenv("STATE_PREFIX")),
		QueueURL:    os.Getenv("QUEUE_URL"),
	}
	if cfg.StateBucket == "" {
		return Config{}, fmt.Errorf("STATE_BUCKET environment variable not set")
	}
	if cfg.QueueURL == "" {
		return Config{}, fmt.Errorf("QUEUE_URL environment variable not set")
	}
	return cfg, nil
}
