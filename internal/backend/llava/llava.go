// Package llava answers visual questions with LLaVA-1.5 through the
// llava.cpp command line runner.
package llava

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/vlmcert/vlm-certify/internal/backend"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Config points at the runner binary and model weights.
type Config struct {
	Binary      string
	ModelPath   string
	MMProjPath  string
	Temperature float64
	MaxTokens   int
}

// Backend runs one llava.cpp process per question.
type Backend struct {
	cfg Config

	// Only one inference at a time: a 7B model rarely fits twice in VRAM.
	mu sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

// New checks that the runner and weights exist.
func New(cfg Config) (*Backend, error) {
	for _, f := range []struct{ key, path string }{
		{"binary", cfg.Binary},
		{"model_path", cfg.ModelPath},
		{"mmproj_path", cfg.MMProjPath},
	} {
		if f.path == "" {
			return nil, apperrors.ValidationError("llava " + f.key + " is required")
		}
		if _, err := os.Stat(f.path); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "llava "+f.key+" not accessible", err).
				WithDetail("path", f.path)
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 30
	}
	return &Backend{cfg: cfg}, nil
}

// Name returns "llava".
func (b *Backend) Name() string { return "llava" }

// Answer runs the binary on imagePath and returns the assistant reply.
func (b *Backend) Answer(ctx context.Context, imagePath, question string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(imagePath); err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, "reading image", err).
			WithDetail("image", imagePath)
	}

	cmd := exec.CommandContext(ctx, b.cfg.Binary, b.args(imagePath, question)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(apperrors.CodeTimeout, "llava inference cancelled", ctx.Err())
		}
		return "", apperrors.InferenceError("llava runner failed", err).
			WithDetail("stderr", lastLine(stderr.String()))
	}

	return extractReply(stdout.String()), nil
}

func (b *Backend) args(imagePath, question string) []string {
	return []string{
		"-m", b.cfg.ModelPath,
		"--mmproj", b.cfg.MMProjPath,
		"--image", imagePath,
		"--temp", strconv.FormatFloat(b.cfg.Temperature, 'f', -1, 64),
		"-n", strconv.Itoa(b.cfg.MaxTokens),
		"-p", question,
	}
}

// Close is a no-op; the weights are loaded per process.
func (b *Backend) Close() error { return nil }

const (
	// printed by the CLIP loader right before generation starts
	loaderAnchor = "per image patch)"
	replyMarker  = "ASSISTANT:"
)

// extractReply strips loader noise and the chat template echo.
func extractReply(raw string) string {
	if i := strings.Index(raw, loaderAnchor); i != -1 {
		raw = raw[i+len(loaderAnchor):]
	}
	if i := strings.Index(raw, replyMarker); i != -1 {
		raw = raw[i+len(replyMarker):]
	}
	return strings.TrimSpace(raw)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i != -1 {
		return s[i+1:]
	}
	return s
}
