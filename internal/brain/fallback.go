package brain

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter tries the primary backend and, when it fails before
// producing any text, replays the request on the secondary.
//
// There is no first-delta deadline here: a stalled primary is bounded by the
// per-call timeout of the RetryAdapter wrapped around this chain, and the
// reflection call does not stream at all.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) Primary() Adapter   { return a.primary }
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	switch {
	case a.primary == nil && a.fallback == nil:
		return Response{}, errors.New("brain: fallback chain has no backends")
	case a.primary == nil:
		return a.fallback.StreamResponse(ctx, req, onDelta)
	}

	var streamed bool
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || !a.shouldFallBack(ctx, err, streamed) {
		return resp, err
	}

	resp, fbErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fbErr != nil {
		return Response{}, fmt.Errorf("brain: primary failed: %w; fallback failed: %v", err, fbErr)
	}
	return resp, nil
}

// shouldFallBack refuses to switch backends after the caller gave up or after
// part of a reply already reached it.
func (a *FallbackAdapter) shouldFallBack(ctx context.Context, err error, streamed bool) bool {
	if a.fallback == nil || streamed || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
