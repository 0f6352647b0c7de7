package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memoryagent/internal/memory"
)

func ids(entries []memory.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func fixture() []memory.Entry {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []memory.Entry{
		{ID: "mem_a", Content: "likes tea", Confidence: 0.6, LastReinforced: t0},
		{ID: "mem_b", Content: "plays guitar", Confidence: 0.9, LastReinforced: t0},
		{ID: "mem_c", Content: "lives in Rome", Confidence: 0.6, LastReinforced: t0.Add(time.Hour)},
		{ID: "mem_d", Content: "maybe likes cats", Confidence: 0.2, LastReinforced: t0},
		{ID: "mem_e", Content: "has a sister", Confidence: 0.6, LastReinforced: t0.Add(time.Hour)},
	}
}

func TestConfidenceRankedOrderAndCap(t *testing.T) {
	entries := fixture()
	got := ConfidenceRanked{Limit: 3, MinConfidence: 0.4}.Retrieve(entries, TurnContext{})
	assert.Equal(t, []string{"mem_b", "mem_c", "mem_e"}, ids(got))

	all := ConfidenceRanked{}.Retrieve(entries, TurnContext{})
	assert.Equal(t, []string{"mem_b", "mem_c", "mem_e", "mem_a", "mem_d"}, ids(all))
}

func TestConfidenceRankedIsPure(t *testing.T) {
	entries := fixture()
	before := ids(entries)
	r := ConfidenceRanked{Limit: 2}
	first := r.Retrieve(entries, TurnContext{Input: "x"})
	second := r.Retrieve(entries, TurnContext{Input: "y"})
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, before, ids(entries), "input order must not change")
}

func TestKeywordOverlapPrefersMatchingEntries(t *testing.T) {
	got := KeywordOverlap{Limit: 2}.Retrieve(fixture(), TurnContext{Input: "What tea should I buy for my trip to Rome?"})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"mem_c", "mem_a"}, ids(got))
}

func TestNewSelectsPolicy(t *testing.T) {
	_, ok := New("keyword", 5, 0).(KeywordOverlap)
	assert.True(t, ok)
	_, ok = New("", 5, 0).(ConfidenceRanked)
	assert.True(t, ok)
}
