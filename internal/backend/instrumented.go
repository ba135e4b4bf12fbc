package backend

import (
	"context"
	"time"
)

// MetricsRecorder is an interface for recording inference metrics.
// This avoids import cycles with the metrics package.
type MetricsRecorder interface {
	RecordInference(backend string, latencyMs int64, err error)
}

// Instrumented wraps a Backend with metrics instrumentation.
type Instrumented struct {
	inner   Backend
	metrics MetricsRecorder
}

// NewInstrumented creates a new instrumented backend.
func NewInstrumented(inner Backend, metrics MetricsRecorder) *Instrumented {
	return &Instrumented{
		inner:   inner,
		metrics: metrics,
	}
}

// Name returns the inner backend name.
func (b *Instrumented) Name() string { return b.inner.Name() }

// Answer delegates and records latency and outcome.
func (b *Instrumented) Answer(ctx context.Context, imagePath, question string) (string, error) {
	start := time.Now()
	answer, err := b.inner.Answer(ctx, imagePath, question)
	latencyMs := time.Since(start).Milliseconds()

	if b.metrics != nil {
		b.metrics.RecordInference(b.inner.Name(), latencyMs, err)
	}

	return answer, err
}

// Close closes the inner backend.
func (b *Instrumented) Close() error { return b.inner.Close() }
