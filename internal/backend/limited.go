package backend

import (
	"context"

	"golang.org/x/time/rate"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// RateLimited spaces out calls to a backend, typically a hosted API with a
// request quota.
type RateLimited struct {
	inner   Backend
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerSecond calls with the given burst.
func NewRateLimited(inner Backend, requestsPerSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Name returns the inner backend name.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Answer waits for a token and then delegates.
func (r *RateLimited) Answer(ctx context.Context, imagePath, question string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", apperrors.Wrap(apperrors.CodeRateLimited, "waiting for rate limiter", err)
	}
	return r.inner.Answer(ctx, imagePath, question)
}

// Close closes the inner backend.
func (r *RateLimited) Close() error { return r.inner.Close() }
