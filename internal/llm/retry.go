package llm

import (
	"context"
	"errors"
	"time"

	"promptc/internal/logging"
)

// RetryClient wraps a ModelClient with bounded retries on provider
// failures. Context errors and non-provider errors are never retried.
type RetryClient struct {
	inner    ModelClient
	attempts int
	backoff  time.Duration
}

// NewRetryClient wraps inner with maxRetries additional attempts and a
// linear backoff between them.
func NewRetryClient(inner ModelClient, maxRetries int, backoff time.Duration) *RetryClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryClient{inner: inner, attempts: maxRetries + 1, backoff: backoff}
}

// Complete implements ModelClient.
func (c *RetryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			logging.Get(logging.CategoryAPI).Warnw("retrying provider call",
				"attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrProvider) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
