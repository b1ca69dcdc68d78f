// Package telemetry defines the logging and metrics contracts used across the
// dialog runtime. Library packages depend on these interfaces so applications
// can plug in clue/OTEL (NewClueLogger, NewClueMetrics) or silence output
// entirely (NewNoopLogger, NewNoopMetrics) without touching runtime code.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with alternating key/value pairs.
	Logger interface {
		// Debug emits a debug-level log message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records runtime instrumentation. Tags are alternating key/value
	// strings applied as metric dimensions.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram/timer metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)
