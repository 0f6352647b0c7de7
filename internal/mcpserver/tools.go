package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
)

// MemoryListTool handles memory_list.
type MemoryListTool struct {
	eng Engine
}

func NewMemoryListTool(eng Engine) *MemoryListTool {
	return &MemoryListTool{eng: eng}
}

func (t *MemoryListTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_list",
		mcp.WithDescription("List long-term memories, most recently reinforced first."),
		mcp.WithNumber("min_confidence",
			mcp.Description("Only include entries at or above this confidence (0-1)"),
		),
		mcp.WithString("subject",
			mcp.Description("Filter by subject: user, assistant or other"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries to return (default: all)"),
		),
	)
}

func (t *MemoryListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := t.eng.Memories(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load memories: %v", err)), nil
	}
	minConf := floatArg(req, "min_confidence", 0)
	subject := strings.ToLower(strings.TrimSpace(req.GetString("subject", "")))
	limit := int(floatArg(req, "limit", 0))

	var b strings.Builder
	n := 0
	for _, e := range entries {
		if e.Confidence < minConf {
			continue
		}
		if subject != "" && string(e.Subject) != subject {
			continue
		}
		if limit > 0 && n >= limit {
			break
		}
		fmt.Fprintf(&b, "- [%s] (%s.%s, conf=%.2f, strength=%d) %s\n", e.ID, e.Subject, e.Type, e.Confidence, e.Strength, e.Content)
		n++
	}
	if n == 0 {
		return mcp.NewToolResultText("No memories stored."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d memories:\n%s", n, b.String())), nil
}

// MemoryGetTool handles memory_get.
type MemoryGetTool struct {
	eng Engine
}

func NewMemoryGetTool(eng Engine) *MemoryGetTool {
	return &MemoryGetTool{eng: eng}
}

func (t *MemoryGetTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_get",
		mcp.WithDescription("Get one long-term memory by id, as JSON."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Memory id, e.g. mem_1a2b3c4d5e6f"),
		),
	)
}

func (t *MemoryGetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("id", ""))
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	e, err := t.eng.Memory(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("memory %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load memory: %v", err)), nil
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// TurnTool handles turn.
type TurnTool struct {
	eng Engine
}

func NewTurnTool(eng Engine) *TurnTool {
	return &TurnTool{eng: eng}
}

func (t *TurnTool) Definition() mcp.Tool {
	return mcp.NewTool("turn",
		mcp.WithDescription(
			"Send one user message through the agent and return its reply together with the memory decisions. "+
				"Without session_id the most recent session is resumed.",
		),
		mcp.WithString("input",
			mcp.Required(),
			mcp.Description("The user message"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session to continue"),
		),
		mcp.WithBoolean("new_session",
			mcp.Description("Start a fresh session"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Compute memory decisions without writing long-term memory"),
		),
	)
}

func (t *TurnTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := strings.TrimSpace(req.GetString("input", ""))
	if input == "" {
		return mcp.NewToolResultError("'input' is required"), nil
	}
	res, err := t.eng.ProcessTurn(ctx, engine.TurnRequest{
		SessionID:  req.GetString("session_id", ""),
		NewSession: boolArg(req, "new_session", false),
		Input:      input,
		DryRun:     boolArg(req, "dry_run", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTurn(res)), nil
}

func formatTurn(res engine.TurnResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\n", res.SessionID)
	if res.DryRun {
		b.WriteString("mode: dry-run\n")
	}
	fmt.Fprintf(&b, "\n%s\n", res.Response)

	trace := res.Decision.Trace()
	if res.ReflectionError != "" {
		fmt.Fprintf(&b, "\nreflection failed: %s\n", res.ReflectionError)
	} else if len(trace) > 0 {
		b.WriteString("\nmemory decisions:\n")
		for _, line := range trace {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if res.Apply != nil && res.Apply.Changed() {
		fmt.Fprintf(&b, "\ncommitted: %d created, %d reinforced, %d revised\n",
			len(res.Apply.Created), len(res.Apply.Reinforced), len(res.Apply.Revised))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return strings.TrimRight(b.String(), "\n")
}

func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
