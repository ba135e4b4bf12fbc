package backend

import (
	"context"
	"os"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/hash"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

// Cached serves repeated (backend, question, image) triples from a cache.
// Cache failures are logged and never fail the call. Concurrent misses on the
// same key share one inference.
type Cached struct {
	inner  Backend
	cache  AnswerCache
	log    *logger.Logger
	flight singleflight.Group
}

// NewCached wraps inner with cache.
func NewCached(inner Backend, cache AnswerCache, log *logger.Logger) *Cached {
	if log == nil {
		log = logger.Default()
	}
	return &Cached{
		inner: inner,
		cache: cache,
		log:   log,
	}
}

// Name returns the inner backend name.
func (c *Cached) Name() string { return c.inner.Name() }

// Answer returns a cached answer when present, otherwise calls the inner
// backend and stores the result.
func (c *Cached) Answer(ctx context.Context, imagePath, question string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, "reading image", err).
			WithDetail("image", imagePath)
	}
	key := hash.AnswerKey(c.inner.Name(), question, data)

	if answer, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("Answer cache read failed", "image", imagePath, "error", err.Error())
	} else if ok {
		c.log.Debug("Answer cache hit", "image", imagePath)
		return answer, nil
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		answer, err := c.inner.Answer(ctx, imagePath, question)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(ctx, key, answer); err != nil {
			c.log.Warn("Answer cache write failed", "image", imagePath, "error", err.Error())
		}
		return answer, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.log.Debug("Answer shared with a concurrent request", "image", imagePath)
	}
	return v.(string), nil
}

// Close closes the cache and the inner backend.
func (c *Cached) Close() error {
	if err := c.cache.Close(); err != nil {
		c.log.Warn("Failed to close answer cache", "error", err.Error())
	}
	return c.inner.Close()
}
