package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound              = errors.New("memory: entry not found")
	ErrUnknownRevisionTarget = errors.New("memory: unknown revision target")
	ErrStorageCorruption     = errors.New("memory: storage corrupted")
	ErrInvalidEntry          = errors.New("memory: invalid entry")
)

// Type classifies what kind of fact an entry records.
type Type string

const (
	TypePreference   Type = "preference"
	TypeRelationship Type = "relationship"
	TypeBoundary     Type = "boundary"
	TypeIdentity     Type = "identity"
	TypeHabit        Type = "habit"
	TypeSkill        Type = "skill"
)

var validTypes = map[Type]struct{}{
	TypePreference:   {},
	TypeRelationship: {},
	TypeBoundary:     {},
	TypeIdentity:     {},
	TypeHabit:        {},
	TypeSkill:        {},
}

// ParseType normalizes s and reports whether it names a known type.
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	_, ok := validTypes[t]
	return t, ok
}

// Subject is who an entry is about.
type Subject string

const (
	SubjectUser      Subject = "user"
	SubjectAssistant Subject = "assistant"
	SubjectOther     Subject = "other"
)

func ParseSubject(s string) (Subject, bool) {
	switch sub := Subject(strings.ToLower(strings.TrimSpace(s))); sub {
	case SubjectUser, SubjectAssistant, SubjectOther:
		return sub, true
	default:
		return sub, false
	}
}

// Action is what a candidate asks the gate to do.
type Action string

const (
	ActionCreate    Action = "create"
	ActionReinforce Action = "reinforce"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionReinforce:
		return a, true
	case "":
		return ActionCreate, true
	default:
		return a, false
	}
}

// RevisionAction is what a revision does to its target.
type RevisionAction string

const (
	RevisionDecreaseConfidence RevisionAction = "decrease_confidence"
	RevisionIncreaseConfidence RevisionAction = "increase_confidence"
	RevisionRevise             RevisionAction = "revise"
)

func ParseRevisionAction(s string) (RevisionAction, bool) {
	switch a := RevisionAction(strings.ToLower(strings.TrimSpace(s))); a {
	case RevisionDecreaseConfidence, RevisionIncreaseConfidence, RevisionRevise:
		return a, true
	default:
		return a, false
	}
}

// Entry is one durable long-term fact.
type Entry struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Subject        Subject   `json:"subject"`
	Content        string    `json:"content"`
	Confidence     float64   `json:"confidence"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastReinforced time.Time `json:"last_reinforced"`
	Strength       int       `json:"strength"`
}

// Candidate is a proposed entry that has not passed the gate yet.
type Candidate struct {
	Type       Type    `json:"type"`
	Subject    Subject `json:"subject"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Action     Action  `json:"action"`
}

// Revision targets an existing entry by id. A nil Confidence keeps the
// current value.
type Revision struct {
	TargetID   string         `json:"target_id"`
	Action     RevisionAction `json:"action"`
	Confidence *float64       `json:"new_confidence,omitempty"`
	Content    string         `json:"content,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Store loads and saves the whole long-term collection.
type Store interface {
	Load(ctx context.Context) (*Collection, error)
	Save(ctx context.Context, c *Collection) error
	Close() error
}

// ClampConfidence bounds v to [0,1]. NaN maps to 0.
func ClampConfidence(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var timeNow = time.Now
