package bus

import (
	"context"
	"time"
)

// MetricsRecorder receives bus metrics. Defined here so the bus does not
// import the metrics package.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latencyMs int64, err error)
	RecordBusHandled(topic string, err error)
}

// InstrumentedBus counts published events with their latency and the
// outcome of every handler call on subscribed topics.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder turns it into a pass-through.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, metrics: metrics}
}

// Publish forwards the event and records how long the inner bus took.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	if b.metrics != nil {
		b.metrics.RecordBusPublish(topic, time.Since(start).Milliseconds(), err)
	}
	return err
}

// Subscribe registers handler wrapped so its result is counted.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.metrics == nil {
		return b.inner.Subscribe(ctx, topic, handler)
	}
	return b.inner.Subscribe(ctx, topic, func(ctx context.Context, e Event) error {
		err := handler(ctx, e)
		b.metrics.RecordBusHandled(topic, err)
		return err
	})
}

// Close closes the inner bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
