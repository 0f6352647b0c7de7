package gate

import (
	"strings"
	"unicode"

	"github.com/ent0n29/memoryagent/internal/memory"
)

// DuplicatePolicy decides whether a candidate restates an existing entry.
// The gate only asks about entries with the same type and subject.
type DuplicatePolicy interface {
	Duplicate(c memory.Candidate, existing memory.Entry) bool
}

// DurabilityPolicy decides whether a candidate describes a passing state
// rather than a durable trait. The reason is surfaced in the decision trace.
type DurabilityPolicy interface {
	Ephemeral(c memory.Candidate) (bool, string)
}

// JaccardDuplicates treats two contents as duplicates when their normalized
// text is equal or their token sets overlap by at least Threshold.
type JaccardDuplicates struct {
	Threshold float64
}

func (p JaccardDuplicates) Duplicate(c memory.Candidate, existing memory.Entry) bool {
	a := normalize(c.Content)
	b := normalize(existing.Content)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	threshold := p.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return Jaccard(tokens(a), tokens(b)) >= threshold
}

// Jaccard returns |a∩b| / |a∪b| over token sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func tokens(normalized string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(normalized) {
		out[f] = struct{}{}
	}
	return out
}

// EphemeralTypes classifies by declared type only.
type EphemeralTypes map[memory.Type]struct{}

func NewEphemeralTypes(types ...memory.Type) EphemeralTypes {
	out := make(EphemeralTypes, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

func (p EphemeralTypes) Ephemeral(c memory.Candidate) (bool, string) {
	if _, ok := p[c.Type]; ok {
		return true, "type " + string(c.Type) + " is configured as ephemeral"
	}
	return false, ""
}

var defaultMomentaryMarkers = []string{
	"right now", "at the moment", "today", "tonight", "this morning",
	"this afternoon", "this evening", "for now", "currently", "just now",
}

// MomentaryMarkers flags content phrased as a passing state.
type MomentaryMarkers struct {
	Markers []string
}

func (p MomentaryMarkers) Ephemeral(c memory.Candidate) (bool, string) {
	markers := p.Markers
	if len(markers) == 0 {
		markers = defaultMomentaryMarkers
	}
	padded := " " + normalize(c.Content) + " "
	for _, m := range markers {
		if strings.Contains(padded, " "+normalize(m)+" ") {
			return true, "content reads as momentary (" + m + ")"
		}
	}
	return false, ""
}

// AnyOf is ephemeral when any member policy says so.
type AnyOf []DurabilityPolicy

func (p AnyOf) Ephemeral(c memory.Candidate) (bool, string) {
	for _, policy := range p {
		if policy == nil {
			continue
		}
		if ok, why := policy.Ephemeral(c); ok {
			return true, why
		}
	}
	return false, ""
}
