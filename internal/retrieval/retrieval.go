// Package retrieval picks which long-term memories are shown to the model.
// Every Retriever is a pure function of its inputs.
package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ent0n29/memoryagent/internal/memory"
)

// TurnContext is what a retriever may look at besides the store snapshot.
type TurnContext struct {
	SessionID string
	Input     string
	Recent    []string
}

type Retriever interface {
	Retrieve(entries []memory.Entry, tc TurnContext) []memory.Entry
}

// ConfidenceRanked returns entries at or above MinConfidence, highest
// confidence first, then most recently reinforced, then by id. At most Limit
// entries are returned; Limit <= 0 means no cap.
type ConfidenceRanked struct {
	Limit         int
	MinConfidence float64
}

func (r ConfidenceRanked) Retrieve(entries []memory.Entry, _ TurnContext) []memory.Entry {
	out := filter(entries, r.MinConfidence)
	sort.SliceStable(out, func(i, j int) bool {
		return byConfidence(out[i], out[j])
	})
	return capped(out, r.Limit)
}

// KeywordOverlap ranks entries sharing more words with the user input first
// and falls back to confidence order.
type KeywordOverlap struct {
	Limit         int
	MinConfidence float64
}

func (r KeywordOverlap) Retrieve(entries []memory.Entry, tc TurnContext) []memory.Entry {
	out := filter(entries, r.MinConfidence)
	query := keywords(tc.Input)
	scores := make(map[string]int, len(out))
	for _, e := range out {
		n := 0
		for w := range keywords(e.Content) {
			if _, ok := query[w]; ok {
				n++
			}
		}
		scores[e.ID] = n
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].ID], scores[out[j].ID]
		if si != sj {
			return si > sj
		}
		return byConfidence(out[i], out[j])
	})
	return capped(out, r.Limit)
}

// New returns the retriever named by policy ("confidence" or "keyword").
func New(policy string, limit int, minConfidence float64) Retriever {
	if strings.EqualFold(strings.TrimSpace(policy), "keyword") {
		return KeywordOverlap{Limit: limit, MinConfidence: minConfidence}
	}
	return ConfidenceRanked{Limit: limit, MinConfidence: minConfidence}
}

func filter(entries []memory.Entry, min float64) []memory.Entry {
	out := make([]memory.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Confidence < min || strings.TrimSpace(e.Content) == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func byConfidence(a, b memory.Entry) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.LastReinforced.Equal(b.LastReinforced) {
		return a.LastReinforced.After(b.LastReinforced)
	}
	return a.ID < b.ID
}

func capped(entries []memory.Entry, limit int) []memory.Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "to": {}, "of": {}, "in": {},
	"is": {}, "are": {}, "i": {}, "you": {}, "me": {}, "my": {}, "it": {}, "for": {},
	"on": {}, "with": {}, "do": {}, "what": {}, "that": {}, "this": {}, "be": {},
}

func keywords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
