// Package qwen answers visual questions with Qwen2-VL served behind an
// OpenAI-compatible chat completions endpoint such as vLLM.
package qwen

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/imageset"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Config holds endpoint settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Backend is a Qwen2-VL client.
type Backend struct {
	client    openai.Client
	model     string
	maxTokens int
}

var _ backend.Backend = (*Backend)(nil)

// New creates a client for the configured endpoint.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.ValidationError("qwen base_url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, apperrors.ValidationError("qwen model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 156
	}

	// vLLM ignores the key but the client always sends one.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "EMPTY"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Backend{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name returns "qwen".
func (b *Backend) Name() string { return "qwen" }

// Answer sends the image as a data URL together with the question and
// returns the first choice.
func (b *Backend) Answer(ctx context.Context, imagePath, question string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, "reading image", err).
			WithDetail("image", imagePath)
	}

	candidates, err := b.generate(ctx, data, imageset.DetectMIME(data, imagePath), question)
	if err != nil {
		return "", err
	}
	return backend.FirstCandidate(candidates)
}

// generate returns every choice the server produced, in order.
func (b *Backend) generate(ctx context.Context, image []byte, mime, question string) ([]string, error) {
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
				openai.TextContentPart(question),
			}),
		},
		MaxTokens: openai.Int(int64(b.maxTokens)),
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, apperrors.InferenceError("qwen chat completion failed", err)
	}

	candidates := make([]string, len(resp.Choices))
	for i, choice := range resp.Choices {
		candidates[i] = choice.Message.Content
	}
	return candidates, nil
}

// Close is a no-op; the model lives in the serving process.
func (b *Backend) Close() error { return nil }
