package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/session"
)

// Engine is what the terminal front end drives.
type Engine interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
	Memories(ctx context.Context) ([]memory.Entry, error)
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	acceptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	rejectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

const helpText = `commands:
  /help             show this help
  /q                quit
  /new              start a new session
  /session [id]     show the current session id, or switch to id
  /status           show session and mode flags
  /dryrun [on|off]  set or toggle dry-run (memory decisions are shown, not written)
  /trace [on|off]   set or toggle retrieval and gate trace output
  /memories         list long-term memories`

type cli struct {
	eng Engine
	out io.Writer

	sessionID  string
	newSession bool
	dryRun     bool
	trace      bool
}

func newCLI(eng Engine, out io.Writer) *cli {
	return &cli{eng: eng, out: out}
}

func (c *cli) repl(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, dimStyle.Render("type /help for commands, /q to quit"))
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(c.out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				return nil
			}
			continue
		}
		if err := c.turn(ctx, line); err != nil {
			fmt.Fprintln(c.out, errorStyle.Render("error: "+err.Error()))
		}
	}
}

// command handles a slash command and reports whether to quit.
func (c *cli) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "/q", "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/new":
		c.sessionID = ""
		c.newSession = true
		fmt.Fprintln(c.out, dimStyle.Render("next message starts a new session"))
	case "/session":
		if len(args) > 0 {
			if err := session.ValidateID(args[0]); err != nil {
				fmt.Fprintln(c.out, errorStyle.Render("error: "+err.Error()))
				break
			}
			c.sessionID = args[0]
			c.newSession = false
		}
		fmt.Fprintln(c.out, "session: "+c.sessionLabel())
	case "/status":
		fmt.Fprintf(c.out, "session: %s\ndry-run: %s\ntrace: %s\n", c.sessionLabel(), onOff(c.dryRun), onOff(c.trace))
	case "/dryrun":
		if c.setFlag(&c.dryRun, args) {
			fmt.Fprintln(c.out, "dry-run "+onOff(c.dryRun))
		}
	case "/trace":
		if c.setFlag(&c.trace, args) {
			fmt.Fprintln(c.out, "trace "+onOff(c.trace))
		}
	case "/memories":
		entries, err := c.eng.Memories(ctx)
		if err != nil {
			fmt.Fprintln(c.out, errorStyle.Render("error: "+err.Error()))
			break
		}
		c.printMemories(entries)
	default:
		fmt.Fprintln(c.out, rejectStyle.Render("unknown command "+line+"; try /help"))
	}
	return false
}

func (c *cli) sessionLabel() string {
	switch {
	case c.newSession:
		return "(new)"
	case c.sessionID == "":
		return "(most recent)"
	}
	return c.sessionID
}

// setFlag toggles v without arguments, or sets it from on/off.
func (c *cli) setFlag(v *bool, args []string) bool {
	if len(args) == 0 {
		*v = !*v
		return true
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		*v = true
	case "off", "false", "0":
		*v = false
	default:
		fmt.Fprintln(c.out, rejectStyle.Render("expected on or off, got "+args[0]))
		return false
	}
	return true
}

func (c *cli) turn(ctx context.Context, input string) error {
	fmt.Fprint(c.out, promptStyle.Render("agent> "))
	res, err := c.eng.ProcessTurn(ctx, engine.TurnRequest{
		SessionID:  c.sessionID,
		NewSession: c.newSession,
		Input:      input,
		DryRun:     c.dryRun,
		OnDelta: func(delta string) error {
			_, err := io.WriteString(c.out, delta)
			return err
		},
	})
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}
	c.sessionID = res.SessionID
	c.newSession = false

	if res.ReflectionError != "" {
		fmt.Fprintln(c.out, rejectStyle.Render("memory unchanged: "+res.ReflectionError))
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(c.out, rejectStyle.Render("warning: "+w))
	}
	if c.trace || res.DryRun {
		c.printTrace(res)
	}
	return nil
}

func (c *cli) printTrace(res engine.TurnResult) {
	fmt.Fprintln(c.out, headerStyle.Render("retrieved"))
	if len(res.Retrieved) == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("  none"))
	}
	for _, e := range res.Retrieved {
		fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf("  [%s] %.2f %s", e.ID, e.Confidence, e.Content)))
	}

	title := "gate"
	if res.DryRun {
		title = "gate (dry-run, nothing written)"
	}
	fmt.Fprintln(c.out, headerStyle.Render(title))
	lines := res.Decision.Trace()
	if len(lines) == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("  no proposals"))
	}
	for _, line := range lines {
		style := acceptStyle
		if strings.HasPrefix(line, "reject") {
			style = rejectStyle
		}
		fmt.Fprintln(c.out, style.Render("  "+line))
	}
	for _, r := range res.ParseRejections {
		fmt.Fprintln(c.out, rejectStyle.Render(fmt.Sprintf("  dropped %s #%d: %s", r.Kind, r.Index, r.Reason)))
	}
}

func (c *cli) printMemories(entries []memory.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("no memories stored"))
		return
	}
	for _, e := range entries {
		fmt.Fprintf(c.out, "%s %s %s\n",
			dimStyle.Render("["+e.ID+"]"),
			acceptStyle.Render(fmt.Sprintf("%s.%s %.2f", e.Subject, e.Type, e.Confidence)),
			e.Content,
		)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
