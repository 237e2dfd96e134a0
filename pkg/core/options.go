package core

import (
	"log/slog"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/observability"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by the engine and the components it builds.
//
// Example:
//
//	engine, _ := core.NewEngine(cfg, core.WithLogger(slog.Default()))
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records engine metrics into m. Without it the engine uses a private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer. Without it spans go to the global tracer provider.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
