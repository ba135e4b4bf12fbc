// Package metrics records certification metrics in the Prometheus text
// format and keeps the per-backend accuracy history.
package metrics

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// LatencyBuckets are the default histogram bounds in milliseconds, sized for
// multimodal inference which takes from tens of milliseconds (cache, small
// models) to minutes (CPU llava.cpp).
var LatencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

// series is the identity shared by every metric kind. Labels are fixed at
// creation.
type series struct {
	name   string
	help   string
	labels map[string]string
}

func newSeries(name, help string, labels map[string]string) series {
	return series{name: name, help: help, labels: maps.Clone(labels)}
}

// Name returns the metric name.
func (s *series) Name() string { return s.name }

// Help returns the metric help text.
func (s *series) Help() string { return s.help }

// Labels returns a copy of the series labels.
func (s *series) Labels() map[string]string {
	if s.labels == nil {
		return map[string]string{}
	}
	return maps.Clone(s.labels)
}

// Counter only goes up.
type Counter struct {
	series
	value atomic.Int64
}

// NewCounter creates a counter.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{series: newSeries(name, help, labels)}
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds delta. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Reset sets the count back to zero.
func (c *Counter) Reset() { c.value.Store(0) }

// Gauge holds a float that can move either way. Accuracy and interval bounds
// are fractions, so the value is stored as float64 bits.
type Gauge struct {
	series
	bits atomic.Uint64
}

// NewGauge creates a gauge.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{series: newSeries(name, help, labels)}
}

// Set replaces the value.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Inc adds one.
func (g *Gauge) Inc() { g.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds delta.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	series
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // last slot is +Inf
	sum     float64
	count   int64
}

// NewHistogram creates a histogram. Empty buckets fall back to
// LatencyBuckets.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return newHistogram(name, help, nil, buckets)
}

func newHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = LatencyBuckets
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)

	return &Histogram{
		series:  newSeries(name, help, labels),
		buckets: bounds,
		counts:  make([]int64, len(bounds)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	first := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i := first; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the total of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Buckets returns the upper bounds, without +Inf.
func (h *Histogram) Buckets() []float64 {
	return append([]float64(nil), h.buckets...)
}

// BucketCounts returns the cumulative count per bucket, +Inf last.
func (h *Histogram) BucketCounts() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.counts...)
}

// Vec is a family of series sharing a name and label names.
type Vec[M any] struct {
	name       string
	help       string
	labelNames []string
	create     func(labels map[string]string) M

	mu     sync.RWMutex
	series map[string]M
}

// CounterVec is a labeled counter family.
type CounterVec = Vec[*Counter]

// GaugeVec is a labeled gauge family.
type GaugeVec = Vec[*Gauge]

// HistogramVec is a labeled histogram family.
type HistogramVec = Vec[*Histogram]

func newVec[M any](name, help string, labelNames []string, create func(map[string]string) M) *Vec[M] {
	return &Vec[M]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		create:     create,
		series:     make(map[string]M),
	}
}

// NewCounterVec creates a counter family.
func NewCounterVec(name, help string, labelNames []string) *CounterVec {
	return newVec(name, help, labelNames, func(l map[string]string) *Counter {
		return NewCounter(name, help, l)
	})
}

// NewGaugeVec creates a gauge family.
func NewGaugeVec(name, help string, labelNames []string) *GaugeVec {
	return newVec(name, help, labelNames, func(l map[string]string) *Gauge {
		return NewGauge(name, help, l)
	})
}

// NewHistogramVec creates a histogram family.
func NewHistogramVec(name, help string, labelNames []string, buckets []float64) *HistogramVec {
	return newVec(name, help, labelNames, func(l map[string]string) *Histogram {
		return newHistogram(name, help, l, buckets)
	})
}

// WithLabels returns the series for the given label values, creating it on
// first use. It panics when the number of values does not match.
func (v *Vec[M]) WithLabels(values ...string) M {
	if len(values) != len(v.labelNames) {
		panic(fmt.Sprintf("metric %s: expected %d label values, got %d", v.name, len(v.labelNames), len(values)))
	}

	labels := make(map[string]string, len(values))
	for i, name := range v.labelNames {
		labels[name] = values[i]
	}
	key := labelsToKey(labels)

	v.mu.RLock()
	m, ok := v.series[key]
	v.mu.RUnlock()
	if ok {
		return m
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.series[key]; ok {
		return m
	}
	m = v.create(labels)
	v.series[key] = m
	return m
}

// GetAll returns every series, ordered by label values.
func (v *Vec[M]) GetAll() []M {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]string, 0, len(v.series))
	for k := range v.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]M, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.series[k])
	}
	return out
}

// Name returns the family name.
func (v *Vec[M]) Name() string { return v.name }

// Help returns the family help text.
func (v *Vec[M]) Help() string { return v.help }

// labelsToKey renders labels as k1=v1,k2=v2 in key order.
func labelsToKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}
