package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memoryagent/internal/memory"
)

func cand(content string, conf float64) memory.Candidate {
	return memory.Candidate{Type: memory.TypePreference, Subject: memory.SubjectUser, Content: content, Confidence: conf, Action: memory.ActionCreate}
}

func ptr(v float64) *float64 { return &v }

func TestFilterRejectsBelowThreshold(t *testing.T) {
	g := New(Config{MinConfidence: 0.5, MaxCreates: 3})
	d := g.Filter([]memory.Candidate{cand("likes greetings", 0.2)}, nil, nil)

	assert.Empty(t, d.Creates)
	require.Len(t, d.Rejections, 1)
	assert.Equal(t, RuleBelowThreshold, d.Rejections[0].Rule)
}

func TestFilterCapKeepsHighestConfidenceTiesByProposalOrder(t *testing.T) {
	g := New(Config{MinConfidence: 0.5, MaxCreates: 3})
	candidates := []memory.Candidate{
		cand("likes hiking in the alps", 0.6),
		cand("prefers espresso over filter coffee", 0.9),
		cand("enjoys science fiction novels", 0.7),
		cand("plays the piano on weekends", 0.7),
		cand("watches formula one races", 0.7),
	}
	d := g.Filter(candidates, nil, nil)

	require.Len(t, d.Creates, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{d.Creates[0].Index, d.Creates[1].Index, d.Creates[2].Index})

	var capped []int
	for _, r := range d.Rejections {
		if r.Rule == RuleCapExceeded {
			capped = append(capped, r.Index)
		}
	}
	assert.Equal(t, []int{0, 4}, capped)
}

func TestFilterCapNeverExceeded(t *testing.T) {
	for limit := 1; limit <= 3; limit++ {
		g := New(Config{MinConfidence: 0, MaxCreates: limit})
		var cs []memory.Candidate
		for _, c := range []string{"alpha one", "bravo two", "charlie three", "delta four", "echo five", "foxtrot six"} {
			cs = append(cs, cand(c, 0.8))
		}
		d := g.Filter(cs, nil, nil)
		assert.LessOrEqual(t, len(d.Creates), limit)
		assert.Len(t, d.Creates, limit)
	}
}

func TestFilterDuplicateOfExistingEntry(t *testing.T) {
	g := New(Config{MinConfidence: 0.5})
	snapshot := []memory.Entry{{ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "Likes concise answers.", Confidence: 0.6}}

	d := g.Filter([]memory.Candidate{cand("likes concise answers", 0.9)}, nil, snapshot)
	assert.Empty(t, d.Creates)
	require.Len(t, d.Rejections, 1)
	assert.Equal(t, RuleDuplicate, d.Rejections[0].Rule)

	other := cand("likes concise answers", 0.9)
	other.Subject = memory.SubjectAssistant
	d = g.Filter([]memory.Candidate{other}, nil, snapshot)
	assert.Len(t, d.Creates, 1, "different subject is not a duplicate")
}

func TestFilterReinforceTargetsMatchedEntry(t *testing.T) {
	g := New(Config{MinConfidence: 0.5})
	snapshot := []memory.Entry{{ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "likes concise answers", Confidence: 0.6}}
	r := cand("likes concise answers", 0.9)
	r.Action = memory.ActionReinforce
	fresh := cand("collects vintage stamps", 0.8)
	fresh.Action = memory.ActionReinforce

	d := g.Filter([]memory.Candidate{r, r, fresh}, nil, snapshot)
	require.Len(t, d.Reinforcements, 1)
	assert.Equal(t, "mem_001", d.Reinforcements[0].TargetID)
	require.Len(t, d.Creates, 1)
	assert.Equal(t, memory.ActionCreate, d.Creates[0].Candidate.Action)
	require.Len(t, d.Rejections, 1)
	assert.Equal(t, RuleDuplicate, d.Rejections[0].Rule)
}

func TestFilterEphemeralPolicies(t *testing.T) {
	g := New(Config{
		MinConfidence: 0.5,
		Durability:    AnyOf{NewEphemeralTypes(memory.TypeHabit), MomentaryMarkers{}},
	})
	habit := cand("drinks water", 0.9)
	habit.Type = memory.TypeHabit
	d := g.Filter([]memory.Candidate{habit, cand("is tired right now", 0.9), cand("prefers tea", 0.9)}, nil, nil)

	require.Len(t, d.Creates, 1)
	assert.Equal(t, "prefers tea", d.Creates[0].Candidate.Content)
	require.Len(t, d.Rejections, 2)
	for _, r := range d.Rejections {
		assert.Equal(t, RuleEphemeral, r.Rule)
	}
}

func TestFilterRuleOrderThresholdBeforeDuplicate(t *testing.T) {
	g := New(Config{MinConfidence: 0.5})
	snapshot := []memory.Entry{{ID: "m", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "likes tea"}}
	d := g.Filter([]memory.Candidate{cand("likes tea", 0.1)}, nil, snapshot)
	require.Len(t, d.Rejections, 1)
	assert.Equal(t, RuleBelowThreshold, d.Rejections[0].Rule)
}

func TestFilterBatchDuplicatesKeepFirst(t *testing.T) {
	g := New(Config{MinConfidence: 0.5})
	d := g.Filter([]memory.Candidate{cand("likes dark roast coffee", 0.7), cand("Likes dark-roast coffee!", 0.9)}, nil, nil)
	require.Len(t, d.Creates, 1)
	assert.Equal(t, 0, d.Creates[0].Index)
}

func TestFilterRevisionsBypassCapAndValidateTargets(t *testing.T) {
	g := New(Config{MinConfidence: 0.5, MaxCreates: 1})
	snapshot := []memory.Entry{
		{ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "a"},
		{ID: "mem_002", Type: memory.TypeSkill, Subject: memory.SubjectUser, Content: "b"},
	}
	revs := []memory.Revision{
		{TargetID: "mem_001", Action: memory.RevisionIncreaseConfidence, Confidence: ptr(1.4)},
		{TargetID: "mem_002", Action: memory.RevisionDecreaseConfidence, Confidence: ptr(0.1)},
		{TargetID: "mem_404", Action: memory.RevisionRevise, Content: "ghost"},
	}
	d := g.Filter([]memory.Candidate{cand("x y z", 0.9), cand("p q r", 0.9)}, revs, snapshot)

	assert.Len(t, d.Creates, 1)
	require.Len(t, d.Revisions, 2)
	assert.Equal(t, 1.0, *d.Revisions[0].Revision.Confidence)
	assert.Equal(t, []string{"mem_404"}, d.UnknownTargets())
	assert.Equal(t, 1.4, *revs[0].Confidence, "Filter must not mutate its inputs")
}

func TestFilterIsDeterministic(t *testing.T) {
	g := New(Config{MinConfidence: 0.3, MaxCreates: 2})
	cs := []memory.Candidate{cand("a b", 0.5), cand("c d", 0.5), cand("e f", 0.9), cand("g h", 0.2)}
	first := g.Filter(cs, nil, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, g.Filter(cs, nil, nil))
	}
}

func TestApplyCommitsDecisionAndReportsUnknownOnce(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	coll := memory.NewCollection([]memory.Entry{{
		ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser,
		Content: "likes concise answers", Confidence: 0.6, CreatedAt: created, LastReinforced: created, Strength: 1,
	}})
	g := New(Config{MinConfidence: 0.5})
	d := g.Filter(
		[]memory.Candidate{cand("enjoys long walks", 0.8)},
		[]memory.Revision{
			{TargetID: "mem_001", Action: memory.RevisionIncreaseConfidence, Confidence: ptr(0.8)},
			{TargetID: "mem_missing", Action: memory.RevisionDecreaseConfidence, Confidence: ptr(0.1)},
		},
		coll.All(),
	)
	report := Apply(coll, d, memory.LogSource{SessionID: "s1"})

	require.Len(t, report.Created, 1)
	require.Len(t, report.Revised, 1)
	assert.Empty(t, report.UnknownTargets, "filter already reported the unknown target")
	assert.Equal(t, []string{"mem_missing"}, d.UnknownTargets())
	assert.Len(t, report.Events, 2)
	assert.Equal(t, memory.StageReflectionApply, report.Events[0].Source.Stage)

	got, err := coll.Get("mem_001")
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, "likes concise answers", got.Content)
	assert.True(t, got.LastReinforced.After(created))
	assert.Equal(t, 2, coll.Len())
}

func TestApplyReinforceNeverDuplicatesRow(t *testing.T) {
	coll := memory.NewCollection([]memory.Entry{{ID: "mem_1", Type: memory.TypeHabit, Subject: memory.SubjectUser, Content: "runs daily", Confidence: 0.5, Strength: 1}})
	r := memory.Candidate{Type: memory.TypeHabit, Subject: memory.SubjectUser, Content: "runs daily", Confidence: 0.9, Action: memory.ActionReinforce}
	d := New(Config{MinConfidence: 0.5}).Filter([]memory.Candidate{r}, nil, coll.All())
	report := Apply(coll, d, memory.LogSource{})

	require.Len(t, report.Reinforced, 1)
	assert.Equal(t, 1, coll.Len())
	got, _ := coll.Get("mem_1")
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, 2, got.Strength)
}

func TestJaccardDuplicates(t *testing.T) {
	p := JaccardDuplicates{Threshold: 0.6}
	e := memory.Entry{Content: "prefers short direct answers"}
	assert.True(t, p.Duplicate(memory.Candidate{Content: "Prefers short, direct answers."}, e))
	assert.True(t, p.Duplicate(memory.Candidate{Content: "prefers short and direct answers"}, e))
	assert.False(t, p.Duplicate(memory.Candidate{Content: "hates long meetings"}, e))
	assert.False(t, p.Duplicate(memory.Candidate{Content: ""}, e))
}
