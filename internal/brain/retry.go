package brain

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/memoryagent/internal/reliability"
)

// RetryConfig bounds how long and how often a collaborator is called.
type RetryConfig struct {
	// Retries is the number of extra attempts after the first.
	Retries     int
	CallTimeout time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// RetryAdapter retries transport failures with capped exponential backoff.
// An attempt that already streamed deltas is never retried.
type RetryAdapter struct {
	inner Adapter
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func WithRetry(inner Adapter, cfg RetryConfig) *RetryAdapter {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 4 * cfg.BaseBackoff
	}
	return &RetryAdapter{inner: inner, cfg: cfg, sleep: reliability.Sleep}
}

func (a *RetryAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, a.cfg.BaseBackoff, a.cfg.MaxBackoff)
			if err := a.sleep(ctx, wait); err != nil {
				return Response{}, err
			}
		}

		resp, streamed, err := a.attempt(ctx, req, onDelta)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		lastErr = err
		if streamed || !Retryable(err) {
			break
		}
	}
	return Response{}, lastErr
}

func (a *RetryAdapter) attempt(ctx context.Context, req Request, onDelta DeltaHandler) (Response, bool, error) {
	callCtx := ctx
	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}
	streamed := false
	resp, err := a.inner.StreamResponse(callCtx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err != nil && !errors.Is(err, ErrTransport) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = transportError("brain", 0, err)
	}
	return resp, streamed, err
}

// Retryable reports whether a collaborator error is a transient transport
// failure.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Status == 0 {
			return true
		}
		return reliability.IsRetryableHTTPStatus(te.Status)
	}
	return reliability.IsRetryableError(err)
}
