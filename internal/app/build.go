package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/memoryagent/internal/brain"
	"github.com/ent0n29/memoryagent/internal/config"
	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/gate"
	"github.com/ent0n29/memoryagent/internal/httpapi"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/observability"
	"github.com/ent0n29/memoryagent/internal/prompt"
	"github.com/ent0n29/memoryagent/internal/retrieval"
	"github.com/ent0n29/memoryagent/internal/session"
)

const DefaultPersona = "You are a warm, attentive companion. Answer naturally and keep replies concise unless the user asks for detail."

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Engine   *engine.Orchestrator
	Locks    *session.Manager
	Metrics  *observability.Metrics
	Memories memory.Store
	Sessions session.Store

	// Cleanup should be called on shutdown to release stores.
	Cleanup func() error
}

// Build wires the engine and its HTTP surface from cfg, registering metrics
// with the default Prometheus registry.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWithRegistry(ctx, cfg, prometheus.DefaultRegisterer)
}

func BuildWithRegistry(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*BuildResult, error) {
	metrics := observability.NewMetricsWith(cfg.MetricsNamespace, reg)

	persona, err := readOptional(cfg.PersonaPath, DefaultPersona)
	if err != nil {
		return nil, fmt.Errorf("persona load failed: %w", err)
	}
	reflectInst, err := readOptional(cfg.ReflectionPromptPath, "")
	if err != nil {
		return nil, fmt.Errorf("reflection prompt load failed: %w", err)
	}
	g, err := newGate(cfg)
	if err != nil {
		return nil, err
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:             cfg.BrainMode,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		OpenAISiteURL:    cfg.OpenAISiteURL,
		OpenAIAppName:    cfg.OpenAIAppName,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicModel:   cfg.AnthropicModel,
		HTTPURL:          cfg.BrainHTTPURL,
		HTTPStreamStrict: cfg.BrainHTTPStrict,
		HTTPTimeout:      cfg.BrainCallTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	memoryStore, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.LTMBackend,
		Path:        cfg.LTMPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	sessionStore, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SessionDir)
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	revlog, err := memory.NewRevisionLog(cfg.RevisionLogPath)
	if err != nil {
		_ = memoryStore.Close()
		_ = sessionStore.Close()
		return nil, err
	}

	// Exact BPE counts only matter when a budget is enforced.
	var counter prompt.TokenCounter = prompt.HeuristicCounter{}
	if cfg.PromptTokenBudget > 0 {
		counter = prompt.NewTiktokenCounter("cl100k_base")
	}

	locks := session.NewManager(cfg.SessionInactivityTimeout.Std())
	locks.SetExpireHook(func(session.Activity) {
		metrics.SetActiveSessions(locks.ActiveCount())
	})

	orch, err := engine.New(engine.Options{
		Sessions:    sessionStore,
		Memories:    memoryStore,
		RevisionLog: revlog,
		Locks:       locks,
		Generator: brain.WithRetry(adapter, brain.RetryConfig{
			Retries:     cfg.BrainGenerationRetries,
			CallTimeout: cfg.BrainCallTimeout.Std(),
		}),
		Reflector: brain.WithRetry(adapter, brain.RetryConfig{
			Retries:     cfg.BrainReflectionRetries,
			CallTimeout: cfg.BrainCallTimeout.Std(),
		}),
		Retriever: retrieval.New(cfg.RetrievalPolicy, cfg.RetrievalLimit, cfg.RetrievalMinConfidence),
		Composer: &prompt.Composer{
			ContextTurns:    cfg.PromptMessageLimit,
			ReflectionTurns: cfg.ReflectionMessageLimit,
			TokenBudget:     cfg.PromptTokenBudget,
			Counter:         counter,
		},
		Gate:                   g,
		Persona:                persona,
		ReflectionInstructions: reflectInst,
		SessionMaxTurns:        cfg.SessionMaxTurns,
		Summarizer:             session.TranscriptSummarizer{MaxChars: 2000},
		RedactPII:              cfg.RedactPII,
		Dumper:                 prompt.NewDumper(cfg.PromptDumpDir),
		Metrics:                metrics,
	})
	if err != nil {
		_ = memoryStore.Close()
		_ = sessionStore.Close()
		return nil, err
	}

	if c, err := memoryStore.Load(ctx); err == nil {
		metrics.SetMemoryEntries(c.Len())
	}

	api := httpapi.New(cfg, orch, locks, metrics)

	cleanup := func() error {
		var errs []string
		if err := sessionStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Engine:   orch,
		Locks:    locks,
		Metrics:  metrics,
		Memories: memoryStore,
		Sessions: sessionStore,
		Cleanup:  cleanup,
	}, nil
}

func newGate(cfg config.Config) (*gate.Gate, error) {
	var types []memory.Type
	for _, raw := range cfg.EphemeralTypes {
		t, ok := memory.ParseType(raw)
		if !ok {
			return nil, fmt.Errorf("MEMORY_EPHEMERAL_TYPES: unknown type %q", raw)
		}
		types = append(types, t)
	}
	var durability gate.DurabilityPolicy = gate.NewEphemeralTypes(types...)
	if cfg.MomentaryMarkers {
		durability = gate.AnyOf{durability, gate.MomentaryMarkers{}}
	}
	return gate.New(gate.Config{
		MinConfidence: cfg.MinMemoryConfidence,
		MaxCreates:    cfg.MaxCreatesPerTurn,
		Duplicates:    gate.JaccardDuplicates{Threshold: cfg.DuplicateThreshold},
		Durability:    durability,
	}), nil
}

func readOptional(path, fallback string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s, nil
	}
	return fallback, nil
}

// StartJanitor expires idle session locks until ctx is done.
func (r *BuildResult) StartJanitor(ctx context.Context) {
	interval := r.Config.SessionInactivityTimeout.Std() / 4
	if interval < time.Second {
		interval = time.Second
	}
	r.Locks.StartJanitor(ctx, interval)
}
