// Package gate decides which proposed memory changes are committed.
//
// Filter is a pure function over (candidates, revisions, snapshot). Apply is
// the separate step that mutates a memory.Collection with an approved
// Decision.
package gate

import (
	"fmt"
	"sort"

	"github.com/ent0n29/memoryagent/internal/memory"
)

type Rule string

const (
	RuleBelowThreshold Rule = "below_threshold"
	RuleDuplicate      Rule = "duplicate"
	RuleEphemeral      Rule = "ephemeral"
	RuleCapExceeded    Rule = "cap_exceeded"
	RuleUnknownTarget  Rule = "unknown_target"
)

const (
	KindCandidate = "candidate"
	KindRevision  = "revision"
)

const (
	DefaultMinConfidence = 0.5
	DefaultMaxCreates    = 3
)

type Config struct {
	MinConfidence float64
	MaxCreates    int
	Duplicates    DuplicatePolicy
	Durability    DurabilityPolicy
}

type Gate struct {
	minConfidence float64
	maxCreates    int
	duplicates    DuplicatePolicy
	durability    DurabilityPolicy
}

func New(cfg Config) *Gate {
	g := &Gate{
		minConfidence: memory.ClampConfidence(cfg.MinConfidence),
		maxCreates:    cfg.MaxCreates,
		duplicates:    cfg.Duplicates,
		durability:    cfg.Durability,
	}
	if g.maxCreates <= 0 {
		g.maxCreates = DefaultMaxCreates
	}
	if g.duplicates == nil {
		g.duplicates = JaccardDuplicates{Threshold: 0.8}
	}
	if g.durability == nil {
		g.durability = EphemeralTypes{}
	}
	return g
}

type Create struct {
	Index     int              `json:"index"`
	Candidate memory.Candidate `json:"candidate"`
}

type Reinforcement struct {
	Index     int              `json:"index"`
	TargetID  string           `json:"target_id"`
	Candidate memory.Candidate `json:"candidate"`
}

type Revision struct {
	Index    int             `json:"index"`
	Revision memory.Revision `json:"revision"`
}

type Rejection struct {
	Kind     string `json:"kind"`
	Index    int    `json:"index"`
	Rule     Rule   `json:"rule"`
	Reason   string `json:"reason"`
	TargetID string `json:"target_id,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Decision is the full, explainable gate outcome for one turn. Approved
// items keep proposal order.
type Decision struct {
	Creates        []Create        `json:"creates"`
	Reinforcements []Reinforcement `json:"reinforcements"`
	Revisions      []Revision      `json:"revisions"`
	Rejections     []Rejection     `json:"rejections"`
}

// UnknownTargets lists revision targets missing from the snapshot, once each
// per rejected revision.
func (d Decision) UnknownTargets() []string {
	var out []string
	for _, r := range d.Rejections {
		if r.Rule == RuleUnknownTarget {
			out = append(out, r.TargetID)
		}
	}
	return out
}

func (d Decision) Empty() bool {
	return len(d.Creates) == 0 && len(d.Reinforcements) == 0 && len(d.Revisions) == 0
}

// Trace renders the decision as human readable lines.
func (d Decision) Trace() []string {
	var lines []string
	for _, c := range d.Creates {
		lines = append(lines, fmt.Sprintf("create #%d %s.%s (%.2f): %s", c.Index, c.Candidate.Subject, c.Candidate.Type, c.Candidate.Confidence, c.Candidate.Content))
	}
	for _, r := range d.Reinforcements {
		lines = append(lines, fmt.Sprintf("reinforce #%d %s (%.2f): %s", r.Index, r.TargetID, r.Candidate.Confidence, r.Candidate.Content))
	}
	for _, r := range d.Revisions {
		lines = append(lines, fmt.Sprintf("revise #%d %s %s", r.Index, r.Revision.TargetID, r.Revision.Action))
	}
	for _, r := range d.Rejections {
		subject := r.Content
		if subject == "" {
			subject = r.TargetID
		}
		lines = append(lines, fmt.Sprintf("reject %s #%d [%s] %s: %s", r.Kind, r.Index, r.Rule, subject, r.Reason))
	}
	return lines
}

// Filter applies the rules, in order, to each candidate: minimum confidence,
// duplicate of an existing entry, ephemeral, then the per-turn create cap.
// Revisions bypass the cap but must target an entry in snapshot.
func (g *Gate) Filter(candidates []memory.Candidate, revisions []memory.Revision, snapshot []memory.Entry) Decision {
	d := Decision{
		Creates:        []Create{},
		Reinforcements: []Reinforcement{},
		Revisions:      []Revision{},
		Rejections:     []Rejection{},
	}

	var passed []Create
	reinforced := make(map[string]bool)
	for i, c := range candidates {
		c.Confidence = memory.ClampConfidence(c.Confidence)
		if c.Action == "" {
			c.Action = memory.ActionCreate
		}
		reject := func(rule Rule, reason string) {
			d.Rejections = append(d.Rejections, Rejection{Kind: KindCandidate, Index: i, Rule: rule, Reason: reason, Content: c.Content})
		}

		if c.Confidence < g.minConfidence {
			reject(RuleBelowThreshold, fmt.Sprintf("confidence %.2f below minimum %.2f", c.Confidence, g.minConfidence))
			continue
		}

		if match, ok := g.findDuplicate(c, snapshot); ok {
			if c.Action != memory.ActionReinforce {
				reject(RuleDuplicate, "duplicates "+match.ID)
				continue
			}
			if reinforced[match.ID] {
				reject(RuleDuplicate, "already reinforcing "+match.ID+" this turn")
				continue
			}
			reinforced[match.ID] = true
			d.Reinforcements = append(d.Reinforcements, Reinforcement{Index: i, TargetID: match.ID, Candidate: c})
			continue
		}

		if ok, why := g.durability.Ephemeral(c); ok {
			reject(RuleEphemeral, why)
			continue
		}

		if earlier, ok := g.findBatchDuplicate(c, passed); ok {
			reject(RuleDuplicate, fmt.Sprintf("duplicates candidate #%d in this turn", earlier))
			continue
		}

		// A reinforce with nothing to reinforce is treated as a create.
		c.Action = memory.ActionCreate
		passed = append(passed, Create{Index: i, Candidate: c})
	}

	ranked := make([]Create, len(passed))
	copy(ranked, passed)
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Candidate.Confidence > ranked[b].Candidate.Confidence
	})
	keep := make(map[int]bool, g.maxCreates)
	for i, c := range ranked {
		if i < g.maxCreates {
			keep[c.Index] = true
		}
	}
	for _, c := range passed {
		if keep[c.Index] {
			d.Creates = append(d.Creates, c)
			continue
		}
		d.Rejections = append(d.Rejections, Rejection{
			Kind: KindCandidate, Index: c.Index, Rule: RuleCapExceeded, Content: c.Candidate.Content,
			Reason: fmt.Sprintf("per-turn create cap of %d reached", g.maxCreates),
		})
	}

	known := make(map[string]struct{}, len(snapshot))
	for _, e := range snapshot {
		known[e.ID] = struct{}{}
	}
	for i, rev := range revisions {
		if _, ok := known[rev.TargetID]; !ok {
			d.Rejections = append(d.Rejections, Rejection{
				Kind: KindRevision, Index: i, Rule: RuleUnknownTarget, TargetID: rev.TargetID,
				Reason: "no entry with this id",
			})
			continue
		}
		if rev.Confidence != nil {
			v := memory.ClampConfidence(*rev.Confidence)
			rev.Confidence = &v
		}
		d.Revisions = append(d.Revisions, Revision{Index: i, Revision: rev})
	}

	sort.SliceStable(d.Rejections, func(a, b int) bool {
		ra, rb := d.Rejections[a], d.Rejections[b]
		if ra.Kind != rb.Kind {
			return ra.Kind == KindCandidate
		}
		return ra.Index < rb.Index
	})
	return d
}

func (g *Gate) findDuplicate(c memory.Candidate, snapshot []memory.Entry) (memory.Entry, bool) {
	for _, e := range snapshot {
		if e.Type != c.Type || e.Subject != c.Subject {
			continue
		}
		if g.duplicates.Duplicate(c, e) {
			return e, true
		}
	}
	return memory.Entry{}, false
}

func (g *Gate) findBatchDuplicate(c memory.Candidate, passed []Create) (int, bool) {
	for _, p := range passed {
		if p.Candidate.Type != c.Type || p.Candidate.Subject != c.Subject {
			continue
		}
		pseudo := memory.Entry{Type: p.Candidate.Type, Subject: p.Candidate.Subject, Content: p.Candidate.Content}
		if g.duplicates.Duplicate(c, pseudo) {
			return p.Index, true
		}
	}
	return 0, false
}
