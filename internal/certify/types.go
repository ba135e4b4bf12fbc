// Package certify runs a visual question over an image set, scores every
// answer and bounds the accuracy with an exact binomial interval.
package certify

import (
	"strings"
	"time"

	"github.com/vlmcert/vlm-certify/internal/metrics"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Request describes one certification run. It is not modified while the
// run is in progress.
type Request struct {
	Question       string `json:"question"`
	ExpectedAnswer string `json:"expected_answer"`
	ImageDir       string `json:"image_dir"`
	// Model is the identifier the backend was selected by, reported as-is.
	Model string `json:"model"`
}

// Validate checks that every field a run depends on is set.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Question) == "" {
		missing = append(missing, "question")
	}
	if strings.TrimSpace(r.ExpectedAnswer) == "" {
		missing = append(missing, "answer")
	}
	if strings.TrimSpace(r.ImageDir) == "" {
		missing = append(missing, "image_dir")
	}
	if len(missing) > 0 {
		return apperrors.ValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// ImageResult is the scored answer for one image.
type ImageResult struct {
	Image   string        `json:"image"`
	Output  string        `json:"output"`
	Correct bool          `json:"correct"`
	Latency time.Duration `json:"latency_ns"`
}

// ImageFailure records an image excluded from the aggregate.
type ImageFailure struct {
	Image string `json:"image"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Outcome is the aggregate of a run.
type Outcome struct {
	RunID          string  `json:"run_id"`
	Backend        string  `json:"backend"`
	Model          string  `json:"model"`
	Question       string  `json:"question"`
	ExpectedAnswer string  `json:"expected_answer"`
	Correct        int     `json:"correct"`
	Total          int     `json:"total"`
	Confidence     float64 `json:"confidence"`
	LowerBound     float64 `json:"lower_bound"`
	UpperBound     float64 `json:"upper_bound"`

	Results []ImageResult  `json:"results"`
	Failed  []ImageFailure `json:"failed,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Accuracy returns Correct/Total, or 0 when nothing was scored.
func (o *Outcome) Accuracy() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Correct) / float64(o.Total)
}

// Duration is the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Record summarizes the outcome for the run history.
func (o *Outcome) Record() metrics.RunRecord {
	return metrics.RunRecord{
		RunID:           o.RunID,
		Backend:         o.Backend,
		Model:           o.Model,
		Question:        o.Question,
		ExpectedAnswer:  o.ExpectedAnswer,
		Correct:         o.Correct,
		Total:           o.Total,
		Failed:          len(o.Failed),
		Accuracy:        o.Accuracy(),
		LowerBound:      o.LowerBound,
		UpperBound:      o.UpperBound,
		DurationSeconds: o.Duration().Seconds(),
		Timestamp:       o.FinishedAt,
	}
}
