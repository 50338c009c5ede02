package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/portablesession/psp/state"
)

// WithRetry wraps a backend so transient transport failures are retried
// with exponential backoff. The sync engine itself never retries; retry
// policy is a caller-side wrapper, and this is that wrapper.
//
// ErrNotFound is terminal and never retried. Context cancellation stops the
// loop between attempts.
func WithRetry(b Backend, maxRetries int, baseBackoff time.Duration, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: b, maxRetries: maxRetries, baseBackoff: baseBackoff, logger: logger}
}

type retrying struct {
	next        Backend
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

func (r *retrying) attempt(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}

		if attempt < r.maxRetries {
			wait := r.baseBackoff * (1 << uint(attempt))
			r.logger.WarnContext(ctx, "storage: retrying",
				"op", op,
				"attempt", attempt+1,
				"max_retries", r.maxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

func (r *retrying) Upload(ctx context.Context, id string, body []byte, meta state.Metadata) error {
	return r.attempt(ctx, "upload", func() error {
		return r.next.Upload(ctx, id, body, meta)
	})
}

func (r *retrying) Download(ctx context.Context, id string) ([]byte, state.Metadata, error) {
	var (
		body []byte
		meta state.Metadata
	)
	err := r.attempt(ctx, "download", func() error {
		var err error
		body, meta, err = r.next.Download(ctx, id)
		return err
	})
	return body, meta, err
}

func (r *retrying) List(ctx context.Context) ([]state.Metadata, error) {
	var metas []state.Metadata
	err := r.attempt(ctx, "list", func() error {
		var err error
		metas, err = r.next.List(ctx)
		return err
	})
	return metas, err
}

func (r *retrying) Delete(ctx context.Context, id string) error {
	return r.attempt(ctx, "delete", func() error {
		return r.next.Delete(ctx, id)
	})
}

func (r *retrying) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.attempt(ctx, "exists", func() error {
		var err error
		ok, err = r.next.Exists(ctx, id)
		return err
	})
	return ok, err
}
