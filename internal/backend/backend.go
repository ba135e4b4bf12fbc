// Package backend defines the visual question answering capability and the
// decorators layered around concrete model adapters.
package backend

import (
	"context"
	"fmt"
	"runtime/debug"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Backend answers a question about a single image.
//
// Answer always returns one canonical string. Adapters whose model yields
// several candidates pick the first one themselves.
type Backend interface {
	// Name identifies the backend in logs, metrics and cache keys.
	Name() string

	// Answer runs inference for imagePath and question.
	Answer(ctx context.Context, imagePath, question string) (string, error)

	// Close releases the model or client held by the backend.
	Close() error
}

// Func adapts a plain function to the Backend interface. Close is a no-op.
type Func struct {
	ID string
	Fn func(ctx context.Context, imagePath, question string) (string, error)
}

// Name returns the backend identifier.
func (f Func) Name() string { return f.ID }

// Answer calls the wrapped function.
func (f Func) Answer(ctx context.Context, imagePath, question string) (string, error) {
	return f.Fn(ctx, imagePath, question)
}

// Close does nothing.
func (f Func) Close() error { return nil }

// Safe turns panics raised inside an adapter into errors so a single bad
// image cannot abort a run.
type Safe struct {
	inner Backend
}

// NewSafe wraps inner with panic recovery.
func NewSafe(inner Backend) *Safe {
	return &Safe{inner: inner}
}

// Name returns the inner backend name.
func (s *Safe) Name() string { return s.inner.Name() }

// Answer delegates to the inner backend, recovering any panic.
func (s *Safe) Answer(ctx context.Context, imagePath, question string) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.InternalError(
				fmt.Sprintf("%s backend panicked", s.inner.Name()),
				fmt.Errorf("%v\n%s", r, debug.Stack()),
			)
		}
	}()
	return s.inner.Answer(ctx, imagePath, question)
}

// Close closes the inner backend.
func (s *Safe) Close() error { return s.inner.Close() }
