package brain

import (
	"context"
	"fmt"
	"strings"
)

// EmptyProposal is a well-formed reflection reply that proposes nothing.
const EmptyProposal = `{"candidates":[],"revisions":[]}`

// MockAdapter provides deterministic local replies when no backend is
// configured. Generation echoes the newest user message; reflection returns
// ReflectionReply, or EmptyProposal when unset.
type MockAdapter struct {
	ReflectionReply string
}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := a.reply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Model: "mock"}, nil
}

func (a *MockAdapter) reply(req Request) string {
	if req.Purpose == PurposeReflection {
		if strings.TrimSpace(a.ReflectionReply) != "" {
			return a.ReflectionReply
		}
		return EmptyProposal
	}
	base := strings.TrimSpace(req.LastUserText())
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}
