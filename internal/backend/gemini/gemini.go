// Package gemini answers visual questions with Google Gemini models.
package gemini

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/imageset"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Config holds API settings.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Attempts  int
	Backoff   time.Duration
}

// Backend holds one Gemini client for its whole lifetime.
type Backend struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	attempts int
	backoff  time.Duration
}

var _ backend.Backend = (*Backend)(nil)

// New opens a client for the configured model.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.ValidationError("gemini api_key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, apperrors.ValidationError("gemini model is required")
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 300 * time.Millisecond
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(strings.TrimSpace(cfg.APIKey)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "creating gemini client", err)
	}

	m := client.GenerativeModel(strings.TrimSpace(cfg.Model))
	m.SetTemperature(0)
	if cfg.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(cfg.MaxTokens))
	}

	return &Backend{
		client:   client,
		model:    m,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
	}, nil
}

// Name returns "gemini".
func (b *Backend) Name() string { return "gemini" }

// Answer sends the image and question and returns the first candidate.
// Transient failures are retried with linear backoff.
func (b *Backend) Answer(ctx context.Context, imagePath, question string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, "reading image", err).
			WithDetail("image", imagePath)
	}

	parts := []genai.Part{
		genai.Blob{MIMEType: imageset.DetectMIME(data, imagePath), Data: data},
		genai.Text(question),
	}

	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		resp, err := b.model.GenerateContent(ctx, parts...)
		if err == nil {
			return backend.FirstCandidate(candidateTexts(resp))
		}
		lastErr = err

		if attempt == b.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", apperrors.Wrap(apperrors.CodeTimeout, "gemini inference cancelled", ctx.Err())
		case <-time.After(time.Duration(attempt) * b.backoff):
		}
	}
	return "", apperrors.InferenceError("gemini generate content failed", lastErr)
}

// candidateTexts flattens each candidate's text parts into one string.
func candidateTexts(resp *genai.GenerateContentResponse) []string {
	if resp == nil {
		return nil
	}
	texts := make([]string, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			texts = append(texts, "")
			continue
		}
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		texts = append(texts, sb.String())
	}
	return texts
}

// Close releases the client connection.
func (b *Backend) Close() error {
	return b.client.Close()
}
