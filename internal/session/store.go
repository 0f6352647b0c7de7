package session

import (
	"context"
	"fmt"
	"strings"
)

// Store persists sessions by id.
type Store interface {
	// Load returns the session or a fresh empty one when none exists.
	Load(ctx context.Context, id string) (*Session, error)
	// Latest returns the most recently updated session or ErrNotFound.
	Latest(ctx context.Context) (*Session, error)
	Persist(ctx context.Context, s *Session) error
	Close() error
}

// Summarizer folds dropped turns into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, dropped []Turn) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, previous string, dropped []Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, previous string, dropped []Turn) (string, error) {
	return f(ctx, previous, dropped)
}

// Append adds exactly one turn to s. Earlier turns are never touched.
func Append(s *Session, t Turn) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidTurn)
	}
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, t.Role)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = timeNow().UTC()
	}
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = t.Timestamp
	return nil
}

// AppendPair appends a user turn followed by an assistant turn. Either both
// are appended or neither.
func AppendPair(s *Session, userText, assistantText string) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidTurn)
	}
	now := timeNow().UTC()
	n := len(s.Turns)
	if err := Append(s, Turn{Role: RoleUser, Text: userText, Timestamp: now}); err != nil {
		return err
	}
	if err := Append(s, Turn{Role: RoleAssistant, Text: assistantText, Timestamp: now}); err != nil {
		s.Turns = s.Turns[:n]
		return err
	}
	return nil
}

// Truncate drops the oldest turns so that at most maxTurns remain. The newest
// turn is always kept. When summarizer is set, dropped turns are folded into
// s.Summary; a summarizer error leaves the summary unchanged but the
// truncation still happens.
func Truncate(ctx context.Context, s *Session, maxTurns int, summarizer Summarizer) error {
	if s == nil || maxTurns <= 0 || len(s.Turns) <= maxTurns {
		return nil
	}
	cut := len(s.Turns) - maxTurns
	dropped := make([]Turn, cut)
	copy(dropped, s.Turns[:cut])
	kept := make([]Turn, maxTurns)
	copy(kept, s.Turns[cut:])
	s.Turns = kept

	if summarizer == nil {
		return nil
	}
	summary, err := summarizer.Summarize(ctx, s.Summary, dropped)
	if err != nil {
		return fmt.Errorf("session: summarize dropped turns: %w", err)
	}
	s.Summary = summary
	return nil
}

// TranscriptSummarizer keeps a bounded plain-text transcript of dropped turns.
type TranscriptSummarizer struct {
	MaxChars int
}

func (t TranscriptSummarizer) Summarize(_ context.Context, previous string, dropped []Turn) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(previous))
	for _, turn := range dropped {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.ToUpper(string(turn.Role)))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(turn.Text))
	}
	out := b.String()
	limit := t.MaxChars
	if limit <= 0 {
		limit = 2000
	}
	if r := []rune(out); len(r) > limit {
		out = string(r[len(r)-limit:])
	}
	return out, nil
}
