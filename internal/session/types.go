package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrStorageCorruption = errors.New("session: storage corrupted")
	ErrInvalidTurn       = errors.New("session: invalid turn")
	ErrInvalidID         = errors.New("session: invalid id")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message. It is never modified after being appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the short-term conversational state for one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	Turns     []Turn    `json:"turns"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"last_updated"`
}

var timeNow = time.Now

// New returns an empty session. An empty id gets a generated one.
func New(id string) *Session {
	if strings.TrimSpace(id) == "" {
		id = NewID()
	}
	now := timeNow().UTC()
	return &Session{ID: id, Turns: []Turn{}, CreatedAt: now, UpdatedAt: now}
}

// NewID returns a sortable, collision-resistant session id.
func NewID() string {
	return fmt.Sprintf("session_%s_%s", timeNow().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	copy(c.Turns, s.Turns)
	return &c
}

// Recent returns up to n of the newest turns, oldest first. n <= 0 returns none.
func (s *Session) Recent(n int) []Turn {
	if s == nil || n <= 0 {
		return nil
	}
	if n > len(s.Turns) {
		n = len(s.Turns)
	}
	out := make([]Turn, n)
	copy(out, s.Turns[len(s.Turns)-n:])
	return out
}

// ValidateID rejects ids that are empty or could escape the session directory.
func ValidateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
