package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vlmcert/vlm-certify/internal/config"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Inference metrics
	InferenceRequests *CounterVec   // labels: backend
	InferenceLatency  *HistogramVec // labels: backend
	InferenceErrors   *CounterVec   // labels: backend, code

	// Scoring metrics
	ImagesScored *CounterVec // labels: backend, result
	ImagesFailed *CounterVec // labels: backend

	// Run metrics
	RunsTotal     *CounterVec // labels: backend
	RunAccuracy   *GaugeVec   // labels: backend
	RunLowerBound *GaugeVec   // labels: backend
	RunUpperBound *GaugeVec   // labels: backend
	RunDuration   *GaugeVec   // labels: backend

	// Answer cache metrics
	CacheHits   *CounterVec // labels: type
	CacheMisses *CounterVec // labels: type
	CacheSize   *GaugeVec   // labels: type

	// Bus metrics
	BusEventsPublished *CounterVec   // labels: topic
	BusEventLatency    *HistogramVec // labels: topic
	BusErrors          *CounterVec   // labels: topic
	BusEventsHandled   *CounterVec   // labels: topic, result

	// History of completed runs
	History HistoryStore

	log *logger.Logger
}

// New creates a metrics instance with in-memory history.
func New() *Metrics {
	return NewWithHistory(NewMemoryHistory(0), nil)
}

// NewFromConfig creates a metrics instance with the configured history
// persistence. An unreachable Redis falls back to in-memory history.
func NewFromConfig(cfg config.MetricsConfig, log *logger.Logger) *Metrics {
	if log == nil {
		log = logger.Default()
	}

	var history HistoryStore
	if cfg.Persistence == "redis" && cfg.RedisURL != "" {
		storage, err := NewRedisStorage(cfg.RedisURL)
		if err != nil {
			log.Warn("Failed to connect to Redis for run history, falling back to in-memory",
				"error", err.Error())
		} else {
			if cfg.HistoryTTL > 0 {
				storage.SetTTL(time.Duration(cfg.HistoryTTL) * time.Hour)
			}
			history = storage
		}
	}
	if history == nil {
		history = NewMemoryHistory(0)
	}

	return NewWithHistory(history, log)
}

// NewWithHistory creates a metrics instance backed by history.
func NewWithHistory(history HistoryStore, log *logger.Logger) *Metrics {
	if log == nil {
		log = logger.Default()
	}

	return &Metrics{
		InferenceRequests: NewCounterVec(
			"vlm_inference_requests_total",
			"Total number of backend inference calls",
			[]string{"backend"},
		),
		InferenceLatency: NewHistogramVec(
			"vlm_inference_latency_ms",
			"Backend inference latency in milliseconds",
			[]string{"backend"},
			LatencyBuckets,
		),
		InferenceErrors: NewCounterVec(
			"vlm_inference_errors_total",
			"Total number of failed inference calls",
			[]string{"backend", "code"},
		),

		ImagesScored: NewCounterVec(
			"vlm_images_scored_total",
			"Images answered and scored, by result",
			[]string{"backend", "result"},
		),
		ImagesFailed: NewCounterVec(
			"vlm_images_failed_total",
			"Images excluded from the aggregate after an error",
			[]string{"backend"},
		),

		RunsTotal: NewCounterVec(
			"vlm_runs_total",
			"Completed certification runs",
			[]string{"backend"},
		),
		RunAccuracy: NewGaugeVec(
			"vlm_run_accuracy",
			"Accuracy of the last completed run",
			[]string{"backend"},
		),
		RunLowerBound: NewGaugeVec(
			"vlm_run_ci_lower",
			"Lower confidence bound of the last completed run",
			[]string{"backend"},
		),
		RunUpperBound: NewGaugeVec(
			"vlm_run_ci_upper",
			"Upper confidence bound of the last completed run",
			[]string{"backend"},
		),
		RunDuration: NewGaugeVec(
			"vlm_run_duration_seconds",
			"Wall time of the last completed run",
			[]string{"backend"},
		),

		CacheHits: NewCounterVec(
			"vlm_answer_cache_hits_total",
			"Total number of answer cache hits",
			[]string{"type"},
		),
		CacheMisses: NewCounterVec(
			"vlm_answer_cache_misses_total",
			"Total number of answer cache misses",
			[]string{"type"},
		),
		CacheSize: NewGaugeVec(
			"vlm_answer_cache_size",
			"Current answer cache size",
			[]string{"type"},
		),

		BusEventsPublished: NewCounterVec(
			"vlm_bus_events_published_total",
			"Total number of events published to the bus",
			[]string{"topic"},
		),
		BusEventLatency: NewHistogramVec(
			"vlm_bus_event_latency_seconds",
			"Event bus publish latency in seconds",
			[]string{"topic"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		),
		BusErrors: NewCounterVec(
			"vlm_bus_errors_total",
			"Total number of event bus errors",
			[]string{"topic"},
		),
		BusEventsHandled: NewCounterVec(
			"vlm_bus_events_handled_total",
			"Total number of events delivered to subscribers",
			[]string{"topic", "result"},
		),

		History: history,
		log:     log,
	}
}

// RecordInference records one backend call.
func (m *Metrics) RecordInference(backend string, latencyMs int64, err error) {
	m.InferenceRequests.WithLabels(backend).Inc()
	m.InferenceLatency.WithLabels(backend).Observe(float64(latencyMs))

	if err != nil {
		m.InferenceErrors.WithLabels(backend, errorCode(err)).Inc()
	}
}

// RecordImage records a scored image.
func (m *Metrics) RecordImage(backend string, correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	m.ImagesScored.WithLabels(backend, result).Inc()
}

// RecordImageFailure records an image dropped from the aggregate.
func (m *Metrics) RecordImageFailure(backend string) {
	m.ImagesFailed.WithLabels(backend).Inc()
}

// RecordRun updates the last-run gauges and appends rec to the history.
func (m *Metrics) RecordRun(ctx context.Context, rec RunRecord) error {
	m.RunsTotal.WithLabels(rec.Backend).Inc()
	m.RunAccuracy.WithLabels(rec.Backend).Set(rec.Accuracy)
	m.RunLowerBound.WithLabels(rec.Backend).Set(rec.LowerBound)
	m.RunUpperBound.WithLabels(rec.Backend).Set(rec.UpperBound)
	m.RunDuration.WithLabels(rec.Backend).Set(rec.DurationSeconds)

	if m.History == nil {
		return nil
	}
	if err := m.History.Append(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "saving run history", err)
	}
	return nil
}

// RecordBusPublish records event bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	m.BusEventsPublished.WithLabels(topic).Inc()

	// Prometheus convention is seconds
	m.BusEventLatency.WithLabels(topic).Observe(float64(latencyMs) / 1000.0)

	if err != nil {
		m.BusErrors.WithLabels(topic).Inc()
	}
}

// RecordBusHandled records one subscriber call.
func (m *Metrics) RecordBusHandled(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BusEventsHandled.WithLabels(topic, result).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabels(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabels(cacheType).Inc()
}

// UpdateCacheSize updates the cache size.
func (m *Metrics) UpdateCacheSize(cacheType string, size int) {
	m.CacheSize.WithLabels(cacheType).Set(float64(size))
}

// WriteFile writes the Prometheus exposition to path, replacing any
// previous dump.
func (m *Metrics) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating metrics directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(m.PrometheusFormat()), 0644); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing metrics file: %w", err)
	}
	return nil
}

// errorCode labels an error by its application code.
func errorCode(err error) string {
	if code := apperrors.CodeOf(err); code != "" {
		return code
	}
	return "unknown"
}

// Close releases the history store.
func (m *Metrics) Close() error {
	if m.History != nil {
		return m.History.Close()
	}
	return nil
}

// IsRedisPersisted returns true if run history is persisted to Redis.
func (m *Metrics) IsRedisPersisted() bool {
	_, ok := m.History.(*RedisStorage)
	return ok
}
