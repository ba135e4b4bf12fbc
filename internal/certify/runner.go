package certify

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/bus"
	"github.com/vlmcert/vlm-certify/internal/imageset"
	"github.com/vlmcert/vlm-certify/internal/metrics"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
	"github.com/vlmcert/vlm-certify/internal/pkg/security"
)

// Recorder receives per-image and per-run metrics.
type Recorder interface {
	RecordImage(backend string, correct bool)
	RecordImageFailure(backend string)
	RecordRun(ctx context.Context, rec metrics.RunRecord) error
}

// Options configures a Runner. Every field is optional.
type Options struct {
	Bus      bus.Bus
	Metrics  Recorder
	Logger   *logger.Logger
	Progress io.Writer // Receives the run header and per-image lines
	Alpha    float64   // Interval significance, DefaultAlpha when unset
}

// Runner certifies one backend. Images are answered strictly one at a time.
type Runner struct {
	backend  backend.Backend
	bus      bus.Bus
	metrics  Recorder
	log      *logger.Logger
	progress io.Writer
	alpha    float64
}

// NewRunner creates a runner for b.
func NewRunner(b backend.Backend, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultAlpha
	}

	return &Runner{
		backend:  b,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		progress: opts.Progress,
		alpha:    opts.Alpha,
	}
}

// Run answers req.Question for every image in req.ImageDir and aggregates
// the scores.
//
// An empty image set yields a nil Outcome and a nil error. An image whose
// inference fails is reported and left out of both counts. Cancelling ctx
// stops the run and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	names, err := imageset.Resolve(req.ImageDir)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	name := r.backend.Name()
	log := r.log.WithRun(runID).WithBackend(name)

	if len(names) == 0 {
		log.WithError(apperrors.EmptyImageSetError(req.ImageDir)).Warn("No images found in directory")
		fmt.Fprintln(r.progress, "No images found in directory.")
		return nil, nil
	}

	out := &Outcome{
		RunID:          runID,
		Backend:        name,
		Model:          req.Model,
		Question:       req.Question,
		ExpectedAnswer: req.ExpectedAnswer,
		Confidence:     1 - r.alpha,
		Results:        make([]ImageResult, 0, len(names)),
		StartedAt:      time.Now(),
	}

	WriteHeader(r.progress, req, len(names))
	log.Info("Certification started", "images", len(names), "image_dir", req.ImageDir)
	r.publish(ctx, bus.TopicRunStarted, runID, RunStarted{
		Backend:        name,
		Model:          req.Model,
		Question:       req.Question,
		ExpectedAnswer: req.ExpectedAnswer,
		ImageDir:       req.ImageDir,
		Images:         len(names),
	})

	for i, image := range names {
		if err := ctx.Err(); err != nil {
			log.Warn("Certification cancelled", "processed", i, "images", len(names))
			return nil, err
		}

		start := time.Now()
		output, err := r.backend.Answer(ctx, filepath.Join(req.ImageDir, image), req.Question)
		latency := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				log.Warn("Certification cancelled", "processed", i, "images", len(names))
				return nil, ctx.Err()
			}
			r.recordFailure(ctx, log, out, i, image, err)
			continue
		}

		correct := IsCorrect(output, req.ExpectedAnswer)
		if correct {
			out.Correct++
		}
		out.Total++
		out.Results = append(out.Results, ImageResult{
			Image:   image,
			Output:  output,
			Correct: correct,
			Latency: latency,
		})

		log.WithImage(image).Debug("Image scored",
			"correct", correct,
			"output", security.SanitizeForLog(output),
			"latency_ms", latency.Milliseconds(),
		)
		fmt.Fprintf(r.progress, "[%d/%d] Image: %s | Correct: %t | Output: %s\n",
			i+1, len(names), image, correct, strings.TrimSpace(output))

		if r.metrics != nil {
			r.metrics.RecordImage(name, correct)
		}
		r.publish(ctx, bus.TopicImageScored, runID, ImageScored{
			Index:     i,
			Image:     image,
			Output:    output,
			Correct:   correct,
			LatencyMs: latency.Milliseconds(),
		})
	}

	out.FinishedAt = time.Now()
	if err := r.bound(out); err != nil {
		return nil, err
	}
	if out.Total == 0 {
		log.Warn("Every image failed, interval left at [0, 1]", "failed", len(out.Failed))
	}

	rec := out.Record()
	if r.metrics != nil {
		if err := r.metrics.RecordRun(ctx, rec); err != nil {
			log.Warn("Failed to record run", "error", err.Error())
		}
	}
	r.publish(ctx, bus.TopicRunCompleted, runID, rec)

	log.Info("Certification complete",
		"correct", out.Correct,
		"total", out.Total,
		"failed", len(out.Failed),
		"lower_bound", out.LowerBound,
		"upper_bound", out.UpperBound,
		"duration", out.Duration().String(),
	)

	return out, nil
}

// bound fills the interval. With nothing scored there is no estimate and the
// bounds stay uninformative.
func (r *Runner) bound(out *Outcome) error {
	if out.Total == 0 {
		out.LowerBound, out.UpperBound = 0, 1
		return nil
	}

	lo, hi, err := ClopperPearson(out.Correct, out.Total, r.alpha)
	if err != nil {
		return apperrors.InternalError("computing confidence interval", err)
	}
	out.LowerBound, out.UpperBound = lo, hi
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, log *logger.Logger, out *Outcome, index int, image string, err error) {
	code := apperrors.CodeOf(err)

	log.WithImage(image).Error("Image failed", "code", code, "error", security.SanitizeForLogWithLength(err.Error(), 500))
	fmt.Fprintf(r.progress, "Error processing %s: %v\n", image, err)

	out.Failed = append(out.Failed, ImageFailure{
		Image: image,
		Code:  code,
		Error: err.Error(),
	})

	if r.metrics != nil {
		r.metrics.RecordImageFailure(out.Backend)
	}
	r.publish(ctx, bus.TopicImageFailed, out.RunID, ImageFailed{
		Index: index,
		Image: image,
		Code:  code,
		Error: err.Error(),
	})
}
