package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vlmcert/vlm-certify/internal/config"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "A test counter", nil)

	if c.Value() != 0 {
		t.Errorf("expected initial value 0, got %d", c.Value())
	}

	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("expected value 6, got %d", c.Value())
	}

	// Counters can't decrease
	c.Add(-10)
	if c.Value() != 6 {
		t.Errorf("expected value 6 after Add(-10), got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("expected value 0 after Reset(), got %d", c.Value())
	}
}

func TestGauge_KeepsFractions(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge", nil)

	g.Set(0.8125)
	if g.Value() != 0.8125 {
		t.Errorf("expected 0.8125, got %v", g.Value())
	}

	g.Inc()
	if g.Value() != 1.8125 {
		t.Errorf("expected 1.8125 after Inc(), got %v", g.Value())
	}

	g.Dec()
	g.Add(-0.5)
	if g.Value() != 0.3125 {
		t.Errorf("expected 0.3125, got %v", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_histogram", "A test histogram", []float64{1, 5, 10, 50, 100})

	h.Observe(2.5)
	h.Observe(7.0)
	h.Observe(150.0)

	if h.Count() != 3 {
		t.Errorf("expected count 3, got %d", h.Count())
	}
	if h.Sum() != 159.5 {
		t.Errorf("expected sum 159.5, got %v", h.Sum())
	}

	// Buckets are cumulative
	want := []int64{0, 1, 2, 2, 2, 3}
	got := h.BucketCounts()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bucket %d = %d, want %d (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestHistogram_DefaultBuckets(t *testing.T) {
	h := NewHistogram("latency", "latency", nil)
	if len(h.Buckets()) != len(LatencyBuckets) {
		t.Errorf("expected %d default buckets, got %d", len(LatencyBuckets), len(h.Buckets()))
	}
}

func TestVecs_ReuseSeries(t *testing.T) {
	gv := NewGaugeVec("g", "g", []string{"backend"})
	if gv.WithLabels("qwen") != gv.WithLabels("qwen") {
		t.Error("expected same gauge instance for same labels")
	}

	cv := NewCounterVec("c", "c", []string{"backend", "code"})
	cv.WithLabels("qwen", "TIMEOUT").Inc()
	cv.WithLabels("qwen", "TIMEOUT").Inc()
	cv.WithLabels("gemini", "TIMEOUT").Inc()
	if len(cv.GetAll()) != 2 {
		t.Errorf("expected 2 counters, got %d", len(cv.GetAll()))
	}
	if cv.WithLabels("qwen", "TIMEOUT").Value() != 2 {
		t.Errorf("expected qwen counter 2, got %d", cv.WithLabels("qwen", "TIMEOUT").Value())
	}
}

func TestMetrics_Recording(t *testing.T) {
	m := NewWithHistory(NewMemoryHistory(0), logger.Discard())

	m.RecordInference("qwen", 120, nil)
	m.RecordInference("qwen", 80, apperrors.TimeoutError("deadline"))
	m.RecordInference("qwen", 10, errors.New("plain"))

	if got := m.InferenceRequests.WithLabels("qwen").Value(); got != 3 {
		t.Errorf("inference requests = %d, want 3", got)
	}
	if got := m.InferenceErrors.WithLabels("qwen", apperrors.CodeTimeout).Value(); got != 1 {
		t.Errorf("timeout errors = %d, want 1", got)
	}
	if got := m.InferenceErrors.WithLabels("qwen", "unknown").Value(); got != 1 {
		t.Errorf("unknown errors = %d, want 1", got)
	}
	if got := m.InferenceLatency.WithLabels("qwen").Sum(); got != 210 {
		t.Errorf("latency sum = %v, want 210", got)
	}

	m.RecordImage("qwen", true)
	m.RecordImage("qwen", true)
	m.RecordImage("qwen", false)
	m.RecordImageFailure("qwen")
	if got := m.ImagesScored.WithLabels("qwen", "correct").Value(); got != 2 {
		t.Errorf("correct images = %d, want 2", got)
	}
	if got := m.ImagesScored.WithLabels("qwen", "incorrect").Value(); got != 1 {
		t.Errorf("incorrect images = %d, want 1", got)
	}
	if got := m.ImagesFailed.WithLabels("qwen").Value(); got != 1 {
		t.Errorf("failed images = %d, want 1", got)
	}

	m.RecordCacheHit("memory")
	m.RecordCacheMiss("memory")
	m.UpdateCacheSize("memory", 7)
	if got := m.CacheSize.WithLabels("memory").Value(); got != 7 {
		t.Errorf("cache size = %v, want 7", got)
	}
}

func TestMetrics_RecordRun(t *testing.T) {
	m := NewWithHistory(NewMemoryHistory(0), logger.Discard())
	ctx := context.Background()

	rec := RunRecord{
		RunID:      "run-1",
		Backend:    "gemini",
		Correct:    2,
		Total:      3,
		Accuracy:   2.0 / 3.0,
		LowerBound: 0.0942993,
		UpperBound: 0.9915962,
		Timestamp:  time.Now(),
	}
	if err := m.RecordRun(ctx, rec); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	if got := m.RunAccuracy.WithLabels("gemini").Value(); got != rec.Accuracy {
		t.Errorf("accuracy gauge = %v, want %v", got, rec.Accuracy)
	}
	if got := m.RunLowerBound.WithLabels("gemini").Value(); got != rec.LowerBound {
		t.Errorf("lower gauge = %v, want %v", got, rec.LowerBound)
	}
	if got := m.RunsTotal.WithLabels("gemini").Value(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}

	history, err := m.History.Since(ctx, "gemini", time.Time{})
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(history) != 1 || history[0].RunID != "run-1" {
		t.Errorf("history = %+v, want run-1", history)
	}
}

type failingHistory struct{ MemoryHistory }

func (*failingHistory) Append(context.Context, RunRecord) error { return errors.New("down") }

func TestMetrics_RecordRunHistoryError(t *testing.T) {
	m := NewWithHistory(&failingHistory{}, logger.Discard())
	err := m.RecordRun(context.Background(), RunRecord{Backend: "qwen", Timestamp: time.Now()})
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("RecordRun() error = %v, want service unavailable", err)
	}
	// Gauges are still updated
	if m.RunsTotal.WithLabels("qwen").Value() != 1 {
		t.Error("expected run counter to be incremented")
	}
}

func TestNewFromConfig_FallsBackToMemory(t *testing.T) {
	m := NewFromConfig(config.MetricsConfig{Persistence: "redis", RedisURL: "redis://127.0.0.1:1"}, logger.Discard())
	defer m.Close()

	if m.IsRedisPersisted() {
		t.Error("expected in-memory history when Redis is unreachable")
	}
	if _, ok := m.History.(*MemoryHistory); !ok {
		t.Errorf("History = %T, want *MemoryHistory", m.History)
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.RecordInference("qwen", 50, nil)
	m.RecordImage("qwen", true)
	m.RunAccuracy.WithLabels("qwen").Set(0.75)

	output := m.PrometheusFormat()

	required := []string{
		"# HELP vlm_inference_requests_total",
		"# TYPE vlm_inference_requests_total counter",
		`vlm_inference_requests_total{backend="qwen"} 1`,
		"# TYPE vlm_inference_latency_ms histogram",
		`vlm_inference_latency_ms_bucket{backend="qwen",le="10"} 0`,
		`vlm_inference_latency_ms_bucket{backend="qwen",le="50"} 1`,
		`vlm_inference_latency_ms_bucket{backend="qwen",le="+Inf"} 1`,
		`vlm_inference_latency_ms_sum{backend="qwen"} 50`,
		`vlm_inference_latency_ms_count{backend="qwen"} 1`,
		`vlm_images_scored_total{backend="qwen",result="correct"} 1`,
		"# TYPE vlm_run_accuracy gauge",
		`vlm_run_accuracy{backend="qwen"} 0.75`,
	}
	for _, s := range required {
		if !strings.Contains(output, s) {
			t.Errorf("expected Prometheus output to contain %q\n%s", s, output)
		}
	}

	// Empty vectors are omitted
	if strings.Contains(output, "vlm_bus_errors_total") {
		t.Error("expected unused vectors to be omitted")
	}
}

func TestWriteFile(t *testing.T) {
	m := New()
	m.RecordImage("llava", false)

	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(data), `vlm_images_scored_total{backend="llava",result="incorrect"} 1`) {
		t.Errorf("metrics file missing image counter:\n%s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temporary file to be renamed away")
	}
}

func TestEscapeString(t *testing.T) {
	if got := escapeString("a\"b\\c\nd"); got != `a\"b\\c\nd` {
		t.Errorf("escapeString() = %s", got)
	}
}

func TestLabelsToKey(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"empty", map[string]string{}, ""},
		{"single label", map[string]string{"backend": "qwen"}, "backend=qwen"},
		{"multiple labels", map[string]string{"result": "correct", "backend": "qwen"}, "backend=qwen,result=correct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := labelsToKey(tt.labels); got != tt.want {
				t.Errorf("labelsToKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkCounterInc(b *testing.B) {
	c := NewCounter("bench_counter", "Benchmark counter", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Inc()
	}
}

func BenchmarkHistogramObserve(b *testing.B) {
	h := NewHistogram("bench_histogram", "Benchmark histogram", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Observe(float64(i % 1000))
	}
}

func BenchmarkPrometheusFormat(b *testing.B) {
	m := New()
	m.RecordInference("qwen", 50, nil)
	m.RecordImage("qwen", true)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.PrometheusFormat()
	}
}

func TestRecordBusHandled(t *testing.T) {
	m := New()
	m.RecordBusHandled("certify.image.scored", nil)
	m.RecordBusHandled("certify.image.scored", errors.New("handler failed"))
	m.RecordBusHandled("certify.image.scored", nil)

	if got := m.BusEventsHandled.WithLabels("certify.image.scored", "ok").Value(); got != 2 {
		t.Errorf("ok = %d, want 2", got)
	}
	if !strings.Contains(m.PrometheusFormat(), `vlm_bus_events_handled_total{result="error",topic="certify.image.scored"} 1`) {
		t.Error("exposition missing handled counter")
	}
}
