package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Collection is an in-memory snapshot of the long-term store. It is not safe
// for concurrent use; callers serialize turns.
type Collection struct {
	entries []Entry
	index   map[string]int
	dirty   bool
}

func NewCollection(entries []Entry) *Collection {
	c := &Collection{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		if _, dup := c.index[e.ID]; dup {
			continue
		}
		e.Confidence = ClampConfidence(e.Confidence)
		if e.Strength <= 0 {
			e.Strength = 1
		}
		c.index[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c
}

// All returns a copy of every entry in insertion order.
func (c *Collection) All() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

func (c *Collection) Get(id string) (Entry, error) {
	if c == nil {
		return Entry{}, ErrNotFound
	}
	i, ok := c.index[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return c.entries[i], nil
}

// Dirty reports whether the collection changed since it was loaded or last
// marked clean.
func (c *Collection) Dirty() bool { return c != nil && c.dirty }

func (c *Collection) MarkClean() {
	if c != nil {
		c.dirty = false
	}
}

// Create appends a new entry built from cand and returns it with a fresh id.
func (c *Collection) Create(cand Candidate) (Entry, error) {
	content := strings.TrimSpace(cand.Content)
	if content == "" {
		return Entry{}, fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}
	if _, ok := validTypes[cand.Type]; !ok {
		return Entry{}, fmt.Errorf("%w: type %q", ErrInvalidEntry, cand.Type)
	}
	if _, ok := ParseSubject(string(cand.Subject)); !ok {
		return Entry{}, fmt.Errorf("%w: subject %q", ErrInvalidEntry, cand.Subject)
	}

	now := timeNow().UTC()
	e := Entry{
		ID:             c.newID(),
		Type:           cand.Type,
		Subject:        cand.Subject,
		Content:        content,
		Confidence:     ClampConfidence(cand.Confidence),
		Reason:         strings.TrimSpace(cand.Reason),
		CreatedAt:      now,
		LastReinforced: now,
		Strength:       1,
	}
	c.index[e.ID] = len(c.entries)
	c.entries = append(c.entries, e)
	c.dirty = true
	return e, nil
}

// Reinforce raises an entry's confidence to max(current, confidence) and
// bumps its strength. Content is never touched.
func (c *Collection) Reinforce(id string, confidence float64, reason string) (before, after Entry, err error) {
	i, ok := c.index[id]
	if !ok {
		return Entry{}, Entry{}, ErrNotFound
	}
	before = c.entries[i]
	e := &c.entries[i]
	if conf := ClampConfidence(confidence); conf > e.Confidence {
		e.Confidence = conf
	}
	e.Strength++
	e.LastReinforced = timeNow().UTC()
	if r := strings.TrimSpace(reason); r != "" {
		e.Reason = r
	}
	c.dirty = true
	return before, *e, nil
}

// ApplyRevision mutates the target entry. An unknown target leaves the
// collection untouched and returns ErrUnknownRevisionTarget.
func (c *Collection) ApplyRevision(rev Revision) (before, after Entry, err error) {
	i, ok := c.index[rev.TargetID]
	if !ok {
		return Entry{}, Entry{}, fmt.Errorf("%w: %q", ErrUnknownRevisionTarget, rev.TargetID)
	}
	if _, ok := ParseRevisionAction(string(rev.Action)); !ok {
		return Entry{}, Entry{}, fmt.Errorf("%w: revision action %q", ErrInvalidEntry, rev.Action)
	}

	before = c.entries[i]
	e := &c.entries[i]
	if rev.Confidence != nil {
		e.Confidence = ClampConfidence(*rev.Confidence)
	}
	if rev.Action == RevisionRevise {
		if content := strings.TrimSpace(rev.Content); content != "" {
			e.Content = content
		}
	}
	if r := strings.TrimSpace(rev.Reason); r != "" {
		e.Reason = r
	}
	e.LastReinforced = timeNow().UTC()
	c.dirty = true
	return before, *e, nil
}

func (c *Collection) newID() string {
	for {
		id := "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		if _, exists := c.index[id]; !exists {
			return id
		}
	}
}
