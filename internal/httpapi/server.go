package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/memoryagent/internal/brain"
	"github.com/ent0n29/memoryagent/internal/config"
	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/observability"
	"github.com/ent0n29/memoryagent/internal/protocol"
	"github.com/ent0n29/memoryagent/internal/session"
)

// Engine is the part of the orchestrator the HTTP surface drives.
type Engine interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
	Memories(ctx context.Context) ([]memory.Entry, error)
	Memory(ctx context.Context, id string) (memory.Entry, error)
	Session(ctx context.Context, id string) (*session.Session, error)
}

type Server struct {
	cfg      config.Config
	engine   Engine
	locks    *session.Manager
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, eng Engine, locks *session.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		locks:   locks,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfLatencyReset)

	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/turns/ws", s.handleTurnWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/activity", s.handleSessionActivity)
	r.Get("/v1/memories", s.handleListMemories)
	r.Get("/v1/memories/{id}", s.handleGetMemory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"ltm_backend": s.cfg.LTMBackend,
		"brain_mode":  s.cfg.BrainMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured")
		return
	}
	if _, err := s.engine.Memories(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "storage_corruption", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handlePerfLatency reports per-stage turn latency from the rolling window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "metrics not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handlePerfLatencyReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "metrics not configured")
		return
	}
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "engine not configured")
		return
	}
	// Same shape as the websocket turn_request; type is optional here.
	var req protocol.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}

	res, err := s.engine.ProcessTurn(r.Context(), engine.TurnRequest{
		SessionID:  req.SessionID,
		NewSession: req.NewSession,
		Input:      req.Input,
		DryRun:     req.DryRun,
	})
	if err != nil {
		status, code, _ := classifyTurnError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "latest" {
		id = ""
	}
	sess, err := s.engine.Session(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrInvalidID):
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
	case errors.Is(err, session.ErrStorageCorruption):
		respondError(w, http.StatusInternalServerError, "storage_corruption", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		respondJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.locks == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no activity tracked")
		return
	}
	act, err := s.locks.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, act)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Memories(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "storage_corruption", err.Error())
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(entries), "memories": entries})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.Memory(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, memory.ErrNotFound):
		respondError(w, http.StatusNotFound, "memory_not_found", err.Error())
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "storage_corruption", err.Error())
	default:
		respondJSON(w, http.StatusOK, e)
	}
}

func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "engine not configured")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runTurns(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

// runTurns processes inbound messages one at a time so turns on a
// connection never overlap.
func (s *Server) runTurns(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.TurnRequest:
			if m.SessionID == "" {
				m.SessionID = sessionID
			}
			id := s.runTurn(ctx, m, outbound)
			if id != "" {
				sessionID = id
			}
		case protocol.ClientControl:
			switch strings.ToLower(strings.TrimSpace(m.Action)) {
			case protocol.ControlPing:
				queue(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			case protocol.ControlNewSession:
				sessionID = session.NewID()
				queue(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_started"})
			default:
				queue(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "unsupported_action",
					Source:    "gateway",
					Detail:    m.Action,
				})
			}
		}
	}
}

func (s *Server) runTurn(ctx context.Context, m protocol.TurnRequest, outbound chan<- any) string {
	turnID := strings.TrimSpace(m.TurnID)
	if turnID == "" {
		turnID = "turn_" + time.Now().UTC().Format("150405.000000")
	}
	res, err := s.engine.ProcessTurn(ctx, engine.TurnRequest{
		SessionID:  m.SessionID,
		NewSession: m.NewSession,
		Input:      m.Input,
		DryRun:     m.DryRun,
		OnDelta: func(delta string) error {
			return send(ctx, outbound, protocol.AssistantTextDelta{
				Type:      protocol.TypeAssistantTextDelta,
				SessionID: m.SessionID,
				TurnID:    turnID,
				TextDelta: delta,
			})
		},
	})
	if err != nil {
		_, code, retryable := classifyTurnError(err)
		send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: m.SessionID,
			TurnID:    turnID,
			Code:      code,
			Source:    "engine",
			Retryable: retryable,
			Detail:    err.Error(),
		})
		return ""
	}
	send(ctx, outbound, protocol.TurnResult{
		Type:      protocol.TypeTurnResult,
		SessionID: res.SessionID,
		TurnID:    turnID,
		Result:    res,
	})
	return res.SessionID
}

// send waits for the writer to accept msg. Turn output (deltas, the result,
// turn errors) goes through send so it is never dropped.
func send(ctx context.Context, outbound chan<- any, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case outbound <- msg:
		return nil
	}
}

// queue drops the message when the writer is saturated. Only best-effort
// events use it; websocket writes stay on a single goroutine.
func queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func classifyTurnError(err error) (status int, code string, retryable bool) {
	switch {
	case errors.Is(err, engine.ErrEmptyInput):
		return http.StatusBadRequest, "invalid_request", false
	case errors.Is(err, brain.ErrTransport):
		return http.StatusBadGateway, "transport_failure", brain.Retryable(err)
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, "invalid_session_id", false
	case errors.Is(err, session.ErrStorageCorruption):
		return http.StatusInternalServerError, "storage_corruption", false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "cancelled", true
	default:
		return http.StatusInternalServerError, "internal", false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
