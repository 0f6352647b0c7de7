// Package mcpserver exposes the memory engine as MCP tools over stdio so
// other agents can inspect long-term memory and run turns.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Engine is what the tools need from the orchestrator.
type Engine interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
	Memories(ctx context.Context) ([]memory.Entry, error)
	Memory(ctx context.Context, id string) (memory.Entry, error)
}

func New(eng Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"memoryagent",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	list := NewMemoryListTool(eng)
	s.AddTool(list.Definition(), list.Handle)

	get := NewMemoryGetTool(eng)
	s.AddTool(get.Definition(), get.Handle)

	turn := NewTurnTool(eng)
	s.AddTool(turn.Definition(), turn.Handle)

	return s
}

const instructions = "memoryagent keeps durable facts about the user across conversations. " +
	"Use memory_list and memory_get to read what is known. " +
	"Use turn to send a message through the agent; set dry_run to see which memories would change without writing them."
