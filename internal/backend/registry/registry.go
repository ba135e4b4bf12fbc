// Package registry builds a fully decorated backend from a model identifier
// and the application configuration.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/backend/gemini"
	"github.com/vlmcert/vlm-certify/internal/backend/llava"
	"github.com/vlmcert/vlm-certify/internal/backend/qwen"
	"github.com/vlmcert/vlm-certify/internal/config"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

// Recorder receives inference and cache metrics.
type Recorder interface {
	backend.MetricsRecorder
	backend.CacheMetrics
}

// Options carries the optional collaborators for New.
type Options struct {
	Logger  *logger.Logger
	Metrics Recorder
}

// New resolves identifier to a backend kind and builds it.
func New(ctx context.Context, identifier string, cfg *config.Config, opts Options) (backend.Backend, error) {
	kind, err := backend.ParseKind(identifier)
	if err != nil {
		return nil, err
	}
	return NewKind(ctx, kind, cfg, opts)
}

// NewKind builds the adapter for kind and layers the decorators around it.
// From the inside out: panic recovery, metrics, rate limiting, answer cache.
func NewKind(ctx context.Context, kind backend.Kind, cfg *config.Config, opts Options) (backend.Backend, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	adapter, err := newAdapter(ctx, kind, cfg.Backends)
	if err != nil {
		return nil, err
	}

	var b backend.Backend = backend.NewSafe(adapter)
	if opts.Metrics != nil {
		b = backend.NewInstrumented(b, opts.Metrics)
	}
	if rps := cfg.Backends.RequestsPerSecond; rps > 0 {
		b = backend.NewRateLimited(b, rps, 1)
	}

	cache, err := NewCache(cfg.Cache, opts.Metrics)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if cache != nil {
		b = backend.NewCached(b, cache, log.WithBackend(kind.String()))
	}

	log.Debug("Backend ready",
		"backend", kind.String(),
		"cache", cfg.Cache.Type,
		"rps", cfg.Backends.RequestsPerSecond,
	)
	return b, nil
}

func newAdapter(ctx context.Context, kind backend.Kind, cfg config.BackendsConfig) (backend.Backend, error) {
	switch kind {
	case backend.KindQwen:
		return qwen.New(qwen.Config{
			BaseURL:   cfg.Qwen.BaseURL,
			APIKey:    cfg.Qwen.APIKey,
			Model:     cfg.Qwen.Model,
			MaxTokens: cfg.Qwen.MaxTokens,
			Timeout:   cfg.Qwen.Timeout,
		})

	case backend.KindLlava:
		return llava.New(llava.Config{
			Binary:      cfg.Llava.Binary,
			ModelPath:   cfg.Llava.ModelPath,
			MMProjPath:  cfg.Llava.MMProjPath,
			Temperature: cfg.Llava.Temperature,
			MaxTokens:   cfg.Llava.MaxTokens,
		})

	case backend.KindGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey:    cfg.Gemini.APIKey,
			Model:     cfg.Gemini.Model,
			MaxTokens: cfg.Gemini.MaxTokens,
			Attempts:  cfg.Gemini.Attempts,
		})

	default:
		return nil, apperrors.UnknownBackendError(kind.String())
	}
}

// NewCache builds the answer cache named by cfg.Type. It returns nil, nil
// when caching is disabled.
func NewCache(cfg config.CacheConfig, metrics backend.CacheMetrics) (backend.AnswerCache, error) {
	switch strings.ToLower(cfg.Type) {
	case "none", "":
		return nil, nil

	case "memory":
		c := backend.NewMemoryCache(cfg.Size)
		if metrics != nil {
			c.SetMetrics(metrics)
		}
		return c, nil

	case "redis":
		c, err := backend.NewRedisCache(cfg.RedisURL, time.Duration(cfg.TTL)*time.Second)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "connecting answer cache", err)
		}
		if metrics != nil {
			c.SetMetrics(metrics)
		}
		return c, nil

	default:
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown cache type: %s", cfg.Type))
	}
}
