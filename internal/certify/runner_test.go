package certify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/bus"
	"github.com/vlmcert/vlm-certify/internal/metrics"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

func imageDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

// scripted answers by image name and counts calls.
type scripted struct {
	mu      sync.Mutex
	answers map[string]string
	errs    map[string]error
	calls   []string
}

func (s *scripted) backend() backend.Backend {
	return backend.Func{ID: "fake", Fn: func(_ context.Context, imagePath, _ string) (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		name := filepath.Base(imagePath)
		s.calls = append(s.calls, name)
		if err := s.errs[name]; err != nil {
			return "", err
		}
		return s.answers[name], nil
	}}
}

func request(dir string) Request {
	return Request{
		Question:       "Is there a cat?",
		ExpectedAnswer: "yes",
		ImageDir:       dir,
		Model:          "fake-model",
	}
}

func TestRunner_ScoresInOrder(t *testing.T) {
	dir := imageDir(t, "c.png", "a.jpg", "b.jpeg", "notes.txt")
	s := &scripted{answers: map[string]string{
		"a.jpg":  "Yes, a cat.",
		"b.jpeg": "No",
		"c.png":  "  YES  ",
	}}

	var progress bytes.Buffer
	r := NewRunner(s.backend(), Options{Logger: logger.Discard(), Progress: &progress})

	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.Correct != 2 || out.Total != 3 {
		t.Errorf("Correct/Total = %d/%d, want 2/3", out.Correct, out.Total)
	}
	if len(out.Results) != out.Total {
		t.Errorf("len(Results) = %d, want %d", len(out.Results), out.Total)
	}

	wantOrder := []string{"a.jpg", "b.jpeg", "c.png"}
	for i, want := range wantOrder {
		if out.Results[i].Image != want {
			t.Errorf("Results[%d].Image = %s, want %s", i, out.Results[i].Image, want)
		}
	}
	if out.Results[1].Correct {
		t.Error("expected b.jpeg to be scored incorrect")
	}
	if out.Results[2].Output != "  YES  " {
		t.Errorf("Results[2].Output = %q, want raw output", out.Results[2].Output)
	}

	if out.Backend != "fake" || out.Model != "fake-model" {
		t.Errorf("Backend/Model = %s/%s", out.Backend, out.Model)
	}
	if out.RunID == "" {
		t.Error("expected a run ID")
	}
	if !(0 <= out.LowerBound && out.LowerBound <= out.Accuracy() && out.Accuracy() <= out.UpperBound && out.UpperBound <= 1) {
		t.Errorf("interval (%v, %v) does not bracket %v", out.LowerBound, out.UpperBound, out.Accuracy())
	}
	if out.Confidence != 1-DefaultAlpha {
		t.Errorf("Confidence = %v, want %v", out.Confidence, 1-DefaultAlpha)
	}

	text := progress.String()
	for _, want := range []string{
		"Running certification on 3 images using fake-model...",
		"Question: Is there a cat?",
		"Expected Answer: yes",
		"[1/3] Image: a.jpg | Correct: true | Output: Yes, a cat.",
		"[2/3] Image: b.jpeg | Correct: false | Output: No",
		"[3/3] Image: c.png | Correct: true | Output: YES\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("progress missing %q:\n%s", want, text)
		}
	}
}

func TestRunner_SkipsFailedImage(t *testing.T) {
	dir := imageDir(t, "1.png", "2.png", "3.png")
	s := &scripted{
		answers: map[string]string{"1.png": "yes", "3.png": "no"},
		errs:    map[string]error{"2.png": apperrors.InferenceError("model crashed", errors.New("oom"))},
	}

	var progress bytes.Buffer
	r := NewRunner(s.backend(), Options{Logger: logger.Discard(), Progress: &progress})

	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.Total != 2 || out.Correct != 1 {
		t.Errorf("Correct/Total = %d/%d, want 1/2", out.Correct, out.Total)
	}
	if len(out.Results) != 2 || out.Results[0].Image != "1.png" || out.Results[1].Image != "3.png" {
		t.Errorf("Results = %+v, want 1.png then 3.png", out.Results)
	}
	if len(out.Failed) != 1 || out.Failed[0].Image != "2.png" || out.Failed[0].Code != apperrors.CodeInference {
		t.Errorf("Failed = %+v, want 2.png with %s", out.Failed, apperrors.CodeInference)
	}
	if len(s.calls) != 3 {
		t.Errorf("backend calls = %v, want all three images", s.calls)
	}
	if !strings.Contains(progress.String(), "Error processing 2.png:") {
		t.Errorf("progress missing failure diagnostic:\n%s", progress.String())
	}
	if strings.Contains(progress.String(), "Image: 2.png") {
		t.Error("failed image should not get a scored progress line")
	}
}

func TestRunner_RecoversPanickingAdapter(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png")
	panicky := backend.Func{ID: "panicky", Fn: func(_ context.Context, imagePath, _ string) (string, error) {
		if filepath.Base(imagePath) == "a.png" {
			panic("tensor shape mismatch")
		}
		return "yes", nil
	}}

	r := NewRunner(backend.NewSafe(panicky), Options{Logger: logger.Discard()})
	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Total != 1 || out.Correct != 1 {
		t.Errorf("Correct/Total = %d/%d, want 1/1", out.Correct, out.Total)
	}
	if len(out.Failed) != 1 || out.Failed[0].Code != apperrors.CodeInternal {
		t.Errorf("Failed = %+v, want one internal error", out.Failed)
	}
}

func TestRunner_EmptyImageSet(t *testing.T) {
	dir := imageDir(t, "readme.md", "labels.csv")
	s := &scripted{}

	var progress bytes.Buffer
	r := NewRunner(s.backend(), Options{Logger: logger.Discard(), Progress: &progress})

	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if out != nil {
		t.Errorf("Run() = %+v, want nil outcome", out)
	}
	if len(s.calls) != 0 {
		t.Errorf("backend called %d times for an empty set", len(s.calls))
	}
	if !strings.Contains(progress.String(), "No images found in directory.") {
		t.Errorf("progress missing diagnostic:\n%s", progress.String())
	}
}

func TestRunner_AllImagesFail(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png")
	s := &scripted{errs: map[string]error{
		"a.png": errors.New("boom"),
		"b.png": errors.New("boom"),
	}}

	r := NewRunner(s.backend(), Options{Logger: logger.Discard()})
	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The interval is not computed with zero trials
	if out.Total != 0 || out.LowerBound != 0 || out.UpperBound != 1 {
		t.Errorf("Outcome = total %d, bounds (%v, %v), want 0 and (0, 1)", out.Total, out.LowerBound, out.UpperBound)
	}
	if out.Accuracy() != 0 {
		t.Errorf("Accuracy() = %v, want 0", out.Accuracy())
	}
	if len(out.Failed) != 2 || out.Failed[0].Code != "" {
		t.Errorf("Failed = %+v, want two uncoded failures", out.Failed)
	}
}

func TestRunner_Cancellation(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png", "c.png")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	b := backend.Func{ID: "fake", Fn: func(context.Context, string, string) (string, error) {
		calls++
		cancel()
		return "yes", nil
	}}

	r := NewRunner(b, Options{Logger: logger.Discard()})
	out, err := r.Run(ctx, request(dir))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if out != nil {
		t.Errorf("Run() = %+v, want nil outcome", out)
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
}

func TestRunner_CancelledDuringInference(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := backend.Func{ID: "fake", Fn: func(ctx context.Context, _, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	}}

	r := NewRunner(b, Options{Logger: logger.Discard()})
	if _, err := r.Run(ctx, request(dir)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunner_Validation(t *testing.T) {
	s := &scripted{}
	r := NewRunner(s.backend(), Options{Logger: logger.Discard()})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing question", Request{ExpectedAnswer: "yes", ImageDir: t.TempDir()}},
		{"missing answer", Request{Question: "q", ImageDir: t.TempDir()}},
		{"missing dir", Request{Question: "q", ExpectedAnswer: "yes"}},
		{"unreadable dir", Request{Question: "q", ExpectedAnswer: "yes", ImageDir: filepath.Join(t.TempDir(), "missing")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Run(context.Background(), tt.req); !apperrors.IsValidation(err) {
				t.Errorf("Run() error = %v, want validation error", err)
			}
		})
	}
	if len(s.calls) != 0 {
		t.Errorf("backend called %d times for invalid requests", len(s.calls))
	}
}

type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) handle(_ context.Context, e bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) byTopic() map[string][]bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]bus.Event)
	for _, e := range c.events {
		out[e.Type] = append(out[e.Type], e)
	}
	return out
}

func TestRunner_PublishesEventsAndMetrics(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png", "c.png")
	s := &scripted{
		answers: map[string]string{"a.png": "yes", "c.png": "nope"},
		errs:    map[string]error{"b.png": errors.New("timeout")},
	}

	eventBus := bus.NewMemoryBus(logger.Discard())
	c := &collector{}
	for _, topic := range bus.Topics() {
		if err := eventBus.Subscribe(context.Background(), topic, c.handle); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	m := metrics.NewWithHistory(metrics.NewMemoryHistory(0), logger.Discard())

	r := NewRunner(s.backend(), Options{Bus: eventBus, Metrics: m, Logger: logger.Discard()})
	out, err := r.Run(context.Background(), request(dir))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !eventBus.Drain(5 * time.Second) {
		t.Fatal("handlers did not finish")
	}
	_ = eventBus.Close()

	got := c.byTopic()
	wantCounts := map[string]int{
		bus.TopicRunStarted:   1,
		bus.TopicImageScored:  2,
		bus.TopicImageFailed:  1,
		bus.TopicRunCompleted: 1,
	}
	for topic, want := range wantCounts {
		if len(got[topic]) != want {
			t.Errorf("%s events = %d, want %d", topic, len(got[topic]), want)
		}
		for _, e := range got[topic] {
			if e.CorrelationID != out.RunID {
				t.Errorf("%s correlation = %s, want run %s", topic, e.CorrelationID, out.RunID)
			}
		}
	}

	var rec metrics.RunRecord
	if err := bus.DecodePayload(got[bus.TopicRunCompleted][0], &rec); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if rec.RunID != out.RunID || rec.Correct != 1 || rec.Total != 2 || rec.Failed != 1 {
		t.Errorf("completed payload = %+v", rec)
	}

	var failed ImageFailed
	if err := bus.DecodePayload(got[bus.TopicImageFailed][0], &failed); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if failed.Image != "b.png" || failed.Index != 1 {
		t.Errorf("failed payload = %+v, want b.png at index 1", failed)
	}

	if v := m.ImagesScored.WithLabels("fake", "correct").Value(); v != 1 {
		t.Errorf("correct images = %d, want 1", v)
	}
	if v := m.ImagesScored.WithLabels("fake", "incorrect").Value(); v != 1 {
		t.Errorf("incorrect images = %d, want 1", v)
	}
	if v := m.ImagesFailed.WithLabels("fake").Value(); v != 1 {
		t.Errorf("failed images = %d, want 1", v)
	}
	if v := m.RunAccuracy.WithLabels("fake").Value(); v != 0.5 {
		t.Errorf("run accuracy = %v, want 0.5", v)
	}

	history, _ := m.History.Since(context.Background(), "fake", time.Time{})
	if len(history) != 1 || history[0].RunID != out.RunID {
		t.Errorf("history = %+v, want the completed run", history)
	}
}
