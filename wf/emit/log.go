package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogEmitter implements Emitter by writing structured log output via slog.
//
// Supports two output modes:
// - Text mode (default): Human-readable key=value pairs.
// - JSON mode: Machine-readable JSON, one event per line.
//
// Example text output:
//
//	time=2024-01-01T00:00:00.000Z level=INFO msg=activity_scheduled workflow=wf-001 task=t000001
//
// Usage:
//
//	// Text output to stdout.
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to a file.
//	f, _ := os.Create("events.jsonl")
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (nil defaults to os.Stdout).
//   - jsonMode: If true, emit JSON format; if false, emit text format.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: levelFromEnv()})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: levelFromEnv()})
	}
	return &LogEmitter{logger: slog.New(handler)}
}

// levelFromEnv reads WF_LOG_LEVEL (debug|info|warn|error, default info).
func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("WF_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Emit writes the event at info level, or error level when the event
// carries an "error" meta entry.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 8)
	attrs = append(attrs, "workflow", event.WorkflowID)
	if event.TaskID != "" {
		attrs = append(attrs, "task", event.TaskID)
	}
	if !event.At.IsZero() {
		attrs = append(attrs, "at", event.At)
	}
	errored := false
	for k, v := range event.Meta {
		if k == "error" {
			errored = true
		}
		attrs = append(attrs, k, v)
	}
	if errored {
		l.logger.Error(event.Msg, attrs...)
		return
	}
	l.logger.Info(event.Msg, attrs...)
}

// Flush is a no-op: slog handlers write synchronously.
func (l *LogEmitter) Flush(ctx context.Context) error {
	return nil
}
