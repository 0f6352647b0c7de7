// Package engine runs one conversational turn end to end: retrieve memory,
// compose, generate, reflect, gate, persist.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/memoryagent/internal/brain"
	"github.com/ent0n29/memoryagent/internal/gate"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/observability"
	"github.com/ent0n29/memoryagent/internal/policy"
	"github.com/ent0n29/memoryagent/internal/prompt"
	"github.com/ent0n29/memoryagent/internal/reflection"
	"github.com/ent0n29/memoryagent/internal/retrieval"
	"github.com/ent0n29/memoryagent/internal/session"
)

const DefaultSessionMaxTurns = 60

var (
	ErrEmptyInput = errors.New("engine: input is empty")
	ErrEmptyReply = errors.New("empty reply")
)

// Options wires the orchestrator's collaborators. Sessions, Memories and
// Generator are required; everything else has a default.
type Options struct {
	Sessions    session.Store
	Memories    memory.Store
	RevisionLog *memory.RevisionLog
	Locks       *session.Manager

	Generator brain.Adapter
	// Reflector defaults to Generator.
	Reflector brain.Adapter

	Retriever retrieval.Retriever
	Composer  *prompt.Composer
	Gate      *gate.Gate

	Persona                string
	ReflectionInstructions string
	SessionMaxTurns        int
	Summarizer             session.Summarizer
	RedactPII              bool

	Dumper  *prompt.Dumper
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Orchestrator sequences turns. Turns on the same session are serialized by
// the session lock; the long-term store is guarded by ltmMu.
type Orchestrator struct {
	sessions    session.Store
	memories    memory.Store
	revlog      *memory.RevisionLog
	locks       *session.Manager
	generator   brain.Adapter
	reflector   brain.Adapter
	retriever   retrieval.Retriever
	composer    *prompt.Composer
	gate        *gate.Gate
	persona     string
	reflectInst string
	maxTurns    int
	summarizer  session.Summarizer
	redactPII   bool
	dumper      *prompt.Dumper
	metrics     *observability.Metrics
	logger      *slog.Logger

	ltmMu sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("engine: session store is required")
	}
	if opts.Memories == nil {
		return nil, errors.New("engine: memory store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("engine: generator is required")
	}
	o := &Orchestrator{
		sessions:    opts.Sessions,
		memories:    opts.Memories,
		revlog:      opts.RevisionLog,
		locks:       opts.Locks,
		generator:   opts.Generator,
		reflector:   opts.Reflector,
		retriever:   opts.Retriever,
		composer:    opts.Composer,
		gate:        opts.Gate,
		persona:     strings.TrimSpace(opts.Persona),
		reflectInst: strings.TrimSpace(opts.ReflectionInstructions),
		maxTurns:    opts.SessionMaxTurns,
		summarizer:  opts.Summarizer,
		redactPII:   opts.RedactPII,
		dumper:      opts.Dumper,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	if o.locks == nil {
		o.locks = session.NewManager(0)
	}
	if o.reflector == nil {
		o.reflector = o.generator
	}
	if o.retriever == nil {
		o.retriever = retrieval.ConfidenceRanked{Limit: 20, MinConfidence: 0.4}
	}
	if o.composer == nil {
		o.composer = &prompt.Composer{}
	}
	if o.gate == nil {
		o.gate = gate.New(gate.Config{MinConfidence: gate.DefaultMinConfidence})
	}
	if o.maxTurns <= 0 {
		o.maxTurns = DefaultSessionMaxTurns
	}
	if o.summarizer == nil {
		o.summarizer = session.TranscriptSummarizer{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// TurnRequest is one user input. An empty SessionID resumes the most recent
// session unless NewSession is set.
type TurnRequest struct {
	SessionID  string
	NewSession bool
	Input      string
	DryRun     bool
	// OnDelta receives streamed reply fragments.
	OnDelta brain.DeltaHandler
}

// TurnResult reports what happened during a turn. The reply is always set
// when ProcessTurn returns a nil error.
type TurnResult struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	Retrieved []memory.Entry `json:"retrieved"`
	Decision  gate.Decision  `json:"decision"`
	// Apply is nil when nothing was committed.
	Apply *gate.ApplyReport `json:"apply,omitempty"`
	// ReflectionErr is set when reflection failed; the memory state is
	// unchanged in that case.
	ReflectionErr   error                  `json:"-"`
	ReflectionError string                 `json:"reflection_error,omitempty"`
	ParseRejections []reflection.Rejection `json:"parse_rejections,omitempty"`
	UnknownTargets  []string               `json:"unknown_targets,omitempty"`
	DryRun          bool                   `json:"dry_run"`
	// MemoryReadOnly is set when the long-term store could not be read and
	// the turn ran against an empty snapshot.
	MemoryReadOnly bool     `json:"memory_read_only,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

func (r *TurnResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ProcessTurn runs one turn. A generation failure returns an error and
// leaves both stores untouched. Reflection and persistence failures never
// block the reply; they are reported in the result.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	started := time.Now()
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return TurnResult{}, ErrEmptyInput
	}

	sessionID, err := o.resolveSessionID(ctx, req)
	if err != nil {
		o.metrics.ObserveTurn("error")
		return TurnResult{}, err
	}
	release, err := o.locks.Acquire(ctx, sessionID)
	if err != nil {
		o.metrics.ObserveTurn("error")
		return TurnResult{}, fmt.Errorf("engine: acquire session %s: %w", sessionID, err)
	}
	defer release()
	o.metrics.SetActiveSessions(o.locks.ActiveCount())

	sess, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		o.metrics.ObserveStorageError("session")
		o.metrics.ObserveTurn("error")
		return TurnResult{}, fmt.Errorf("engine: load session %s: %w", sessionID, err)
	}

	result := TurnResult{SessionID: sess.ID, DryRun: req.DryRun}
	log := o.logger.With("session_id", sess.ID)

	stageStart := time.Now()
	snapshot := o.loadSnapshot(ctx, &result, log)
	entries := snapshot.All()
	result.Retrieved = o.retriever.Retrieve(entries, retrieval.TurnContext{
		SessionID: sess.ID,
		Input:     input,
		Recent:    turnTexts(sess.Recent(4)),
	})
	composed := o.composer.Compose(o.persona, result.Retrieved, sess, input)
	msgs := composed.Messages()
	o.dumper.Dump("prompt", sess.ID, msgs)
	o.metrics.ObserveStage(observability.StageRetrieve, time.Since(stageStart))
	log.Debug("prompt composed", "retrieved", len(result.Retrieved), "tokens", composed.Tokens, "dropped", composed.Dropped)

	stageStart = time.Now()
	gen, err := o.generator.StreamResponse(ctx, brain.Request{
		SessionID: sess.ID,
		Purpose:   brain.PurposeGeneration,
		Messages:  toBrainMessages(msgs),
	}, req.OnDelta)
	if err == nil && strings.TrimSpace(gen.Text) == "" {
		err = &brain.TransportError{Backend: "generation", Err: ErrEmptyReply}
	}
	o.metrics.ObserveCollaboratorCall(string(brain.PurposeGeneration), outcome(err), time.Since(stageStart))
	o.metrics.ObserveStage(observability.StageGenerate, time.Since(stageStart))
	if err != nil {
		o.metrics.ObserveTurn("generation_failed")
		log.Error("generation failed", "error", err)
		return TurnResult{SessionID: sess.ID, DryRun: req.DryRun}, fmt.Errorf("engine: generation failed: %w", err)
	}
	result.Response = strings.TrimSpace(gen.Text)

	// The reply exists from here on, so the remaining writes outlive a
	// cancelled caller.
	persistCtx := context.WithoutCancel(ctx)

	stageStart = time.Now()
	parsed := o.reflect(ctx, sess, input, result.Response, entries, &result, log)
	o.metrics.ObserveStage(observability.StageReflect, time.Since(stageStart))

	o.ltmMu.Lock()
	defer o.ltmMu.Unlock()

	stageStart = time.Now()
	working := snapshot
	if !result.MemoryReadOnly && parsed != nil {
		// Another session may have committed since the snapshot was taken.
		fresh, err := o.memories.Load(persistCtx)
		if err != nil {
			o.markReadOnly(&result, log, err)
		} else {
			working = fresh
		}
	}
	if parsed != nil {
		result.Decision = o.gate.Filter(parsed.Candidates, parsed.Revisions, working.All())
		result.UnknownTargets = result.Decision.UnknownTargets()
		o.observeDecision(result.Decision)
		if len(result.UnknownTargets) > 0 {
			log.Warn("reflection revised unknown memories", "targets", result.UnknownTargets)
		}
		if !req.DryRun && !result.MemoryReadOnly && !result.Decision.Empty() {
			report := gate.Apply(working, result.Decision, memory.LogSource{SessionID: sess.ID})
			result.Apply = &report
			for _, msg := range report.Errors {
				result.warn("apply: %s", msg)
			}
			result.UnknownTargets = append(result.UnknownTargets, report.UnknownTargets...)
		}
	}
	o.metrics.ObserveStage(observability.StageGate, time.Since(stageStart))

	stageStart = time.Now()
	o.persistSession(persistCtx, sess, input, result.Response, &result, log)
	if result.Apply != nil && result.Apply.Changed() {
		if err := o.memories.Save(persistCtx, working); err != nil {
			o.metrics.ObserveStorageError("ltm")
			log.Error("persist long-term memory failed", "error", err)
			result.warn("long-term memory not saved: %v", err)
			result.Apply = nil
		} else {
			o.metrics.SetMemoryEntries(working.Len())
			if err := o.revlog.Append(persistCtx, result.Apply.Events...); err != nil {
				o.metrics.ObserveStorageError("revision_log")
				log.Warn("append revision log failed", "error", err)
				result.warn("revision log not written: %v", err)
			}
		}
	}
	o.metrics.ObserveStage(observability.StagePersist, time.Since(stageStart))
	o.metrics.ObserveStage(observability.StageTotal, time.Since(started))

	switch {
	case result.ReflectionErr != nil:
		o.metrics.ObserveTurn("reflection_failed")
	case req.DryRun:
		o.metrics.ObserveTurn("dry_run")
	default:
		o.metrics.ObserveTurn("ok")
	}
	return result, nil
}

func (o *Orchestrator) resolveSessionID(ctx context.Context, req TurnRequest) (string, error) {
	if req.NewSession {
		return session.NewID(), nil
	}
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id, nil
	}
	latest, err := o.sessions.Latest(ctx)
	switch {
	case err == nil:
		return latest.ID, nil
	case errors.Is(err, session.ErrNotFound):
		return session.NewID(), nil
	default:
		o.metrics.ObserveStorageError("session")
		return "", fmt.Errorf("engine: find latest session: %w", err)
	}
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, result *TurnResult, log *slog.Logger) *memory.Collection {
	o.ltmMu.Lock()
	defer o.ltmMu.Unlock()
	c, err := o.memories.Load(ctx)
	if err != nil {
		o.markReadOnly(result, log, err)
		return memory.NewCollection(nil)
	}
	return c
}

func (o *Orchestrator) markReadOnly(result *TurnResult, log *slog.Logger, err error) {
	if result.MemoryReadOnly {
		return
	}
	result.MemoryReadOnly = true
	o.metrics.ObserveStorageError("ltm")
	if errors.Is(err, memory.ErrStorageCorruption) {
		log.Error("long-term memory is corrupted; running without it", "error", err)
	} else {
		log.Error("long-term memory unavailable; running without it", "error", err)
	}
	result.warn("long-term memory unavailable: %v", err)
}

// reflect returns nil when there is nothing the gate can use.
func (o *Orchestrator) reflect(ctx context.Context, sess *session.Session, input, reply string, entries []memory.Entry, result *TurnResult, log *slog.Logger) *reflection.Result {
	msgs := o.composer.ComposeReflection(o.reflectInst, input, reply, sess.Recent(reflectionTurns(o.composer)), reflectionView(entries))
	o.dumper.Dump("reflection", sess.ID, msgs)

	start := time.Now()
	resp, err := o.reflector.StreamResponse(ctx, brain.Request{
		SessionID: sess.ID,
		Purpose:   brain.PurposeReflection,
		Messages:  toBrainMessages(msgs),
		JSON:      true,
	}, nil)
	o.metrics.ObserveCollaboratorCall(string(brain.PurposeReflection), outcome(err), time.Since(start))
	if err != nil {
		o.metrics.ObserveReflectionFailure("transport")
		log.Warn("reflection failed", "error", err)
		result.ReflectionErr = err
		result.ReflectionError = err.Error()
		return nil
	}

	parsed := reflection.Parse(resp.Text)
	if parsed.Err != nil {
		o.metrics.ObserveReflectionFailure("malformed")
		log.Warn("reflection output rejected", "error", parsed.Err)
		result.ReflectionErr = parsed.Err
		result.ReflectionError = parsed.Err.Error()
		return nil
	}
	result.ParseRejections = parsed.Rejected
	for i := range parsed.Candidates {
		parsed.Candidates[i].Content, _ = policy.SanitizeMemory(parsed.Candidates[i].Content, o.redactPII)
	}
	for i := range parsed.Revisions {
		if parsed.Revisions[i].Content != "" {
			parsed.Revisions[i].Content, _ = policy.SanitizeMemory(parsed.Revisions[i].Content, o.redactPII)
		}
	}
	return &parsed
}

func (o *Orchestrator) persistSession(ctx context.Context, sess *session.Session, input, reply string, result *TurnResult, log *slog.Logger) {
	if err := session.AppendPair(sess, input, reply); err != nil {
		log.Error("append turn failed", "error", err)
		result.warn("turn not recorded: %v", err)
		return
	}
	if err := session.Truncate(ctx, sess, o.maxTurns, o.summarizer); err != nil {
		log.Warn("session summary not updated", "error", err)
	}
	if err := o.sessions.Persist(ctx, sess); err != nil {
		o.metrics.ObserveStorageError("session")
		log.Error("persist session failed", "error", err)
		result.warn("session not saved: %v", err)
	}
}

func (o *Orchestrator) observeDecision(d gate.Decision) {
	if o.metrics == nil {
		return
	}
	for range d.Creates {
		o.metrics.ObserveGateDecision("create", "accepted")
	}
	for range d.Reinforcements {
		o.metrics.ObserveGateDecision("reinforce", "accepted")
	}
	for range d.Revisions {
		o.metrics.ObserveGateDecision("revise", "accepted")
	}
	for _, r := range d.Rejections {
		o.metrics.ObserveGateDecision("reject", string(r.Rule))
	}
}

// Memories returns the current long-term entries, newest reinforcement first.
func (o *Orchestrator) Memories(ctx context.Context) ([]memory.Entry, error) {
	o.ltmMu.Lock()
	c, err := o.memories.Load(ctx)
	o.ltmMu.Unlock()
	if err != nil {
		return nil, err
	}
	return reflectionView(c.All()), nil
}

func (o *Orchestrator) Memory(ctx context.Context, id string) (memory.Entry, error) {
	o.ltmMu.Lock()
	c, err := o.memories.Load(ctx)
	o.ltmMu.Unlock()
	if err != nil {
		return memory.Entry{}, err
	}
	return c.Get(id)
}

// Session loads a session by id, or the latest one when id is empty.
func (o *Orchestrator) Session(ctx context.Context, id string) (*session.Session, error) {
	if strings.TrimSpace(id) == "" {
		return o.sessions.Latest(ctx)
	}
	return o.sessions.Load(ctx, id)
}

func (o *Orchestrator) Locks() *session.Manager { return o.locks }

func (o *Orchestrator) Metrics() *observability.Metrics { return o.metrics }

// reflectionView orders entries by most recent reinforcement so the newest
// facts lead the reflection prompt.
func reflectionView(entries []memory.Entry) []memory.Entry {
	out := make([]memory.Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastReinforced.After(out[j].LastReinforced)
	})
	return out
}

func reflectionTurns(c *prompt.Composer) int {
	if c.ReflectionTurns > 0 {
		return c.ReflectionTurns
	}
	return prompt.DefaultReflectionTurns
}

func toBrainMessages(msgs []prompt.Message) []brain.Message {
	out := make([]brain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = brain.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func turnTexts(turns []session.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
