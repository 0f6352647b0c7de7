package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ent0n29/memoryagent/internal/brain"
	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/session"
)

func newTestCLI(t *testing.T, reflection string) (*cli, *bytes.Buffer, *engine.Orchestrator) {
	t.Helper()
	sessions, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	orch, err := engine.New(engine.Options{
		Sessions:  sessions,
		Memories:  memory.NewInMemoryStore(),
		Generator: &brain.MockAdapter{ReflectionReply: reflection},
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	var out bytes.Buffer
	return newCLI(orch, &out), &out, orch
}

const jazzProposal = `{"candidates":[{"type":"preference","subject":"user","content":"likes jazz","confidence":0.9}]}`

func TestREPLTurnAndCommands(t *testing.T) {
	c, out, orch := newTestCLI(t, jazzProposal)

	in := strings.NewReader("/dryrun on\n/dryrun on\nI like jazz\n/dryrun off\nI like jazz\n/memories\n/trace on\n/trace maybe\n/status\n/q\n")
	if err := c.repl(context.Background(), in); err != nil {
		t.Fatalf("repl() error = %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"dry-run on",
		"I heard you: I like jazz",
		"gate (dry-run, nothing written)",
		"create #0",
		"dry-run off",
		"likes jazz",
		"trace on",
		"expected on or off, got maybe",
		"dry-run: off\ntrace: on",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	entries, err := orch.Memories(context.Background())
	if err != nil {
		t.Fatalf("Memories() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (only the non dry-run turn writes)", len(entries))
	}
	if c.sessionID == "" {
		t.Fatalf("session id not tracked after a turn")
	}
}

func TestNewCommandStartsFreshSession(t *testing.T) {
	c, _, _ := newTestCLI(t, "")
	ctx := context.Background()

	if err := c.turn(ctx, "hello"); err != nil {
		t.Fatalf("turn() error = %v", err)
	}
	first := c.sessionID

	c.command(ctx, "/new")
	if err := c.turn(ctx, "hello again"); err != nil {
		t.Fatalf("turn() error = %v", err)
	}
	if c.sessionID == first || c.sessionID == "" {
		t.Fatalf("session after /new = %q, first = %q", c.sessionID, first)
	}
}

func TestSessionCommandSwitchesSession(t *testing.T) {
	c, out, orch := newTestCLI(t, "")
	ctx := context.Background()

	if err := c.turn(ctx, "hello"); err != nil {
		t.Fatalf("turn() error = %v", err)
	}
	first := c.sessionID

	c.command(ctx, "/new")
	c.command(ctx, "/session session_other")
	if c.sessionID != "session_other" || c.newSession {
		t.Fatalf("after /session: id = %q, newSession = %v", c.sessionID, c.newSession)
	}
	if !strings.Contains(out.String(), "session: session_other") {
		t.Fatalf("output = %q", out.String())
	}
	if err := c.turn(ctx, "over here"); err != nil {
		t.Fatalf("turn() error = %v", err)
	}
	sess, err := orch.Session(ctx, "session_other")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if len(sess.Turns) != 2 || sess.Turns[0].Text != "over here" {
		t.Fatalf("session_other turns = %+v", sess.Turns)
	}

	c.command(ctx, "/session ../escape")
	if c.sessionID != "session_other" {
		t.Fatalf("invalid id switched session to %q", c.sessionID)
	}
	c.command(ctx, "/session "+first)
	if c.sessionID != first {
		t.Fatalf("session = %q, want %q", c.sessionID, first)
	}
}

func TestUnknownCommand(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	if quit := c.command(context.Background(), "/bogus"); quit {
		t.Fatalf("unknown command should not quit")
	}
	if !strings.Contains(out.String(), "unknown command /bogus") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRootCommandFlags(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"session", "new-session", "input", "dry-run", "trace", "debug"} {
		if root.Flags().Lookup(name) == nil && root.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "mcp", "memories"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q in %v", want, names)
		}
	}
}
