package gate

import (
	"errors"
	"fmt"

	"github.com/ent0n29/memoryagent/internal/memory"
)

// ApplyReport describes what Apply changed.
type ApplyReport struct {
	Created    []memory.Entry `json:"created"`
	Reinforced []memory.Entry `json:"reinforced"`
	Revised    []memory.Entry `json:"revised"`
	// UnknownTargets holds revision targets that vanished between Filter and
	// Apply. Targets already rejected by Filter are not repeated here.
	UnknownTargets []string          `json:"unknown_targets,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
	Events         []memory.LogEvent `json:"-"`
}

func (r ApplyReport) Changed() bool {
	return len(r.Created)+len(r.Reinforced)+len(r.Revised) > 0
}

// Apply commits an approved decision to c and returns the audit events for
// the revision log.
func Apply(c *memory.Collection, d Decision, source memory.LogSource) ApplyReport {
	report := ApplyReport{}
	if source.Stage == "" {
		source.Stage = memory.StageReflectionApply
	}
	event := func(action, target string, before, after *memory.Entry, reason string) {
		report.Events = append(report.Events, memory.LogEvent{
			Source: source, Action: action, TargetID: target, Before: before, After: after, Reason: reason,
		})
	}

	for _, cr := range d.Creates {
		e, err := c.Create(cr.Candidate)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("create #%d: %v", cr.Index, err))
			continue
		}
		report.Created = append(report.Created, e)
		after := e
		event(string(memory.ActionCreate), e.ID, nil, &after, cr.Candidate.Reason)
	}

	for _, rf := range d.Reinforcements {
		before, after, err := c.Reinforce(rf.TargetID, rf.Candidate.Confidence, rf.Candidate.Reason)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("reinforce %s: %v", rf.TargetID, err))
			continue
		}
		report.Reinforced = append(report.Reinforced, after)
		event(string(memory.ActionReinforce), after.ID, &before, &after, rf.Candidate.Reason)
	}

	for _, rv := range d.Revisions {
		before, after, err := c.ApplyRevision(rv.Revision)
		if errors.Is(err, memory.ErrUnknownRevisionTarget) {
			report.UnknownTargets = append(report.UnknownTargets, rv.Revision.TargetID)
			continue
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("revise %s: %v", rv.Revision.TargetID, err))
			continue
		}
		report.Revised = append(report.Revised, after)
		event(string(rv.Revision.Action), after.ID, &before, &after, rv.Revision.Reason)
	}
	return report
}
