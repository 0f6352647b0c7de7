package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/memoryagent/internal/config"
	"github.com/ent0n29/memoryagent/internal/engine"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DataDir:                  dir,
		SessionDir:               filepath.Join(dir, "sessions"),
		SessionMaxTurns:          60,
		LTMBackend:               "file",
		LTMPath:                  filepath.Join(dir, "long_term_memory.json"),
		RevisionLogPath:          filepath.Join(dir, "memory_revisions.jsonl"),
		MinMemoryConfidence:      0.5,
		MaxCreatesPerTurn:        3,
		DuplicateThreshold:       0.8,
		RetrievalLimit:           20,
		RetrievalMinConfidence:   0.4,
		RetrievalPolicy:          "confidence",
		PromptMessageLimit:       15,
		ReflectionMessageLimit:   10,
		BrainMode:                "mock",
		BrainCallTimeout:         config.Duration(5 * time.Second),
		SessionInactivityTimeout: config.Duration(time.Minute),
		MetricsNamespace:         "test_app",
	}
}

func TestBuildRunsTurnWithMockBrain(t *testing.T) {
	cfg := testConfig(t)
	res, err := BuildWithRegistry(context.Background(), cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("BuildWithRegistry() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	out, err := res.Engine.ProcessTurn(context.Background(), engine.TurnRequest{NewSession: true, Input: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if out.Response != "I heard you: hello" {
		t.Fatalf("Response = %q", out.Response)
	}
	if _, err := os.Stat(filepath.Join(cfg.SessionDir, out.SessionID+".json")); err != nil {
		t.Fatalf("session file missing: %v", err)
	}
}

func TestBuildRejectsUnknownEphemeralType(t *testing.T) {
	cfg := testConfig(t)
	cfg.EphemeralTypes = []string{"mood"}
	if _, err := BuildWithRegistry(context.Background(), cfg, prometheus.NewRegistry()); err == nil {
		t.Fatalf("BuildWithRegistry() expected error for unknown ephemeral type")
	}
}

func TestBuildReadsPersonaFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PersonaPath = filepath.Join(t.TempDir(), "persona.txt")
	if err := os.WriteFile(cfg.PersonaPath, []byte("  You are terse.  \n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := readOptional(cfg.PersonaPath, DefaultPersona)
	if err != nil {
		t.Fatalf("readOptional() error = %v", err)
	}
	if got != "You are terse." {
		t.Fatalf("persona = %q", got)
	}

	cfg.PersonaPath = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := BuildWithRegistry(context.Background(), cfg, prometheus.NewRegistry()); err == nil {
		t.Fatalf("BuildWithRegistry() expected error for missing persona file")
	}
}
