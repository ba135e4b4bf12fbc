package certify

import (
	"context"

	"github.com/vlmcert/vlm-certify/internal/bus"
)

const eventSource = "certify"

// RunStarted is the payload of certify.run.started.
type RunStarted struct {
	Backend        string `json:"backend"`
	Model          string `json:"model"`
	Question       string `json:"question"`
	ExpectedAnswer string `json:"expected_answer"`
	ImageDir       string `json:"image_dir"`
	Images         int    `json:"images"`
}

// ImageScored is the payload of certify.image.scored.
type ImageScored struct {
	Index     int    `json:"index"`
	Image     string `json:"image"`
	Output    string `json:"output"`
	Correct   bool   `json:"correct"`
	LatencyMs int64  `json:"latency_ms"`
}

// ImageFailed is the payload of certify.image.failed.
type ImageFailed struct {
	Index int    `json:"index"`
	Image string `json:"image"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// publish sends one run event. Delivery problems never affect the run.
func (r *Runner) publish(ctx context.Context, topic, runID string, payload any) {
	if r.bus == nil {
		return
	}

	event := bus.NewEvent(topic, eventSource, runID, payload)
	if err := r.bus.Publish(ctx, topic, event); err != nil {
		r.log.Debug("Failed to publish event", "topic", topic, "error", err)
	}
}
