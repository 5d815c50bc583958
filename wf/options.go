package wf

import "github.com/dshills/duraflow-go/wf/emit"

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithKeyPrefix sets the blob key prefix (default "wf/"). The prefix is
// normalized to end with "/".
func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) {
		e.prefix = normalizePrefix(prefix)
	}
}

// WithCASRetryLimit bounds the number of compare-and-swap attempts per
// engine operation (default 16). Values below 1 are ignored.
func WithCASRetryLimit(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.casRetryLimit = n
		}
	}
}

// WithMetrics attaches Prometheus metrics to the engine.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEmitter attaches an observability emitter (default: NullEmitter).
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) {
		e.emitter = em
	}
}

// WithClock injects a clock. The engine uses it only for the informational
// updated_at stamp and emitted-event timestamps; operation semantics always
// follow the caller-supplied now parameter.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "wf/"
	}
	if prefix[len(prefix)-1] != '/' {
		return prefix + "/"
	}
	return prefix
}
