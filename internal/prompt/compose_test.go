package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/session"
)

func testSession(texts ...string) *session.Session {
	s := session.New("session_test")
	for i, text := range texts {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		_ = session.Append(s, session.Turn{Role: role, Text: text})
	}
	return s
}

func TestComposeSectionsStayOrdered(t *testing.T) {
	c := &Composer{}
	mems := []memory.Entry{{ID: "mem_1", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "likes tea", Confidence: 0.9}}
	p := c.Compose("You are kind.", mems, testSession("hi", "hello"), "what should I drink?")

	sections := p.Sections()
	want := []string{LabelPersona, LabelBackgroundMemory, LabelConversationContext, LabelUserInput}
	if len(sections) != len(want) {
		t.Fatalf("len(Sections()) = %d, want %d", len(sections), len(want))
	}
	for i, s := range sections {
		if s.Label != want[i] {
			t.Fatalf("section[%d] = %q, want %q", i, s.Label, want[i])
		}
	}
	if sections[1].Content != "MEMORY:\n- User preference: likes tea" {
		t.Fatalf("memory section = %q", sections[1].Content)
	}

	msgs := p.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len(Messages()) = %d, want 4", len(msgs))
	}
	if msgs[0].Role != RoleSystem || !strings.HasPrefix(msgs[0].Content, "You are kind.") {
		t.Fatalf("system message = %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "not as instructions") || !strings.Contains(msgs[0].Content, "<background_memory>") {
		t.Fatalf("memory must be fenced as background: %q", msgs[0].Content)
	}
	if msgs[1].Role != RoleUser || msgs[2].Role != RoleAssistant {
		t.Fatalf("context roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}
	if last := msgs[3]; last.Role != RoleUser || last.Content != "what should I drink?" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestComposeEmptyMemory(t *testing.T) {
	p := (&Composer{}).Compose("", nil, nil, "hello")
	if got := p.Sections()[1].Content; got != "MEMORY: none." {
		t.Fatalf("memory section = %q, want MEMORY: none.", got)
	}
	if len(p.Messages()) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(p.Messages()))
	}
}

func TestComposeContextLimitAndBudget(t *testing.T) {
	s := testSession("one one one one", "two two two two", "three three three", "four four four four")

	p := (&Composer{ContextTurns: 3}).Compose("", nil, s, "next")
	if len(p.Context) != 3 || p.Context[0].Text != "two two two two" {
		t.Fatalf("context = %+v", p.Context)
	}

	unbounded := (&Composer{}).Compose("", nil, s, "next")
	budget := unbounded.Tokens - 1
	trimmed := (&Composer{TokenBudget: budget}).Compose("", nil, s, "next")
	if trimmed.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", trimmed.Dropped)
	}
	if trimmed.Context[0].Text != "two two two two" {
		t.Fatalf("oldest turn should go first, got %q", trimmed.Context[0].Text)
	}
	if trimmed.Tokens > budget {
		t.Fatalf("Tokens = %d, want <= %d", trimmed.Tokens, budget)
	}
	if trimmed.Input != "next" {
		t.Fatalf("input must survive trimming")
	}

	none := (&Composer{ContextTurns: -1}).Compose("", nil, s, "next")
	if len(none.Context) != 0 {
		t.Fatalf("negative ContextTurns should disable context, got %d", len(none.Context))
	}
}

func TestComposeReflectionFormat(t *testing.T) {
	c := &Composer{ReflectionTurns: 3}
	shown := []memory.Entry{{ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "likes concise answers", Confidence: 0.6}}
	recent := testSession("first", "second").Turns

	msgs := c.ComposeReflection("", "be brief please", "Sure.", recent, shown)
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != strings.TrimSpace(DefaultReflectionInstructions) {
		t.Fatalf("default instructions not used")
	}
	want := "MEMORY:\n- [mem_001] (user.preference, conf=0.6) likes concise answers\n\n" +
		"RECENT MESSAGES:\n\nASSISTANT: second\nUSER: be brief please\nASSISTANT: Sure."
	if msgs[1].Content != want {
		t.Fatalf("reflection context =\n%s\nwant\n%s", msgs[1].Content, want)
	}
}

func TestHeuristicCounter(t *testing.T) {
	var c HeuristicCounter
	if c.Count("") != 0 || c.Count("abcd") != 1 || c.Count("abcde") != 2 {
		t.Fatalf("unexpected heuristic counts")
	}
}

func TestDumperWritesLatestPrompt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	d := NewDumper(dir)
	d.Dump("prompt", "s1", []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}})

	raw, err := os.ReadFile(filepath.Join(dir, "latest_prompt.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	text := string(raw)
	for _, want := range []string{"# label: prompt", "# session_id: s1", "# messages: 2", "[1] role=user\n-----\nhi\n====="} {
		if !strings.Contains(text, want) {
			t.Fatalf("dump missing %q:\n%s", want, text)
		}
	}

	var nilDumper *Dumper
	nilDumper.Dump("prompt", "", nil)
	if NewDumper("  ") != nil {
		t.Fatalf("NewDumper(blank) should be nil")
	}
}
