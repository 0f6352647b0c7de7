package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/memoryagent/internal/brain"
	"github.com/ent0n29/memoryagent/internal/config"
	"github.com/ent0n29/memoryagent/internal/engine"
	"github.com/ent0n29/memoryagent/internal/memory"
	"github.com/ent0n29/memoryagent/internal/observability"
	"github.com/ent0n29/memoryagent/internal/protocol"
	"github.com/ent0n29/memoryagent/internal/session"
)

type fakeEngine struct {
	mu       sync.Mutex
	reply    string
	err      error
	entries  []memory.Entry
	requests []engine.TurnRequest
}

func (f *fakeEngine) ProcessTurn(_ context.Context, req engine.TurnRequest) (engine.TurnResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return engine.TurnResult{}, f.err
	}
	if req.OnDelta != nil {
		for _, part := range strings.SplitAfter(f.reply, " ") {
			if err := req.OnDelta(part); err != nil {
				return engine.TurnResult{}, err
			}
		}
	}
	id := req.SessionID
	if id == "" {
		id = "session_test"
	}
	return engine.TurnResult{SessionID: id, Response: f.reply, DryRun: req.DryRun}, nil
}

func (f *fakeEngine) calls() []engine.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.TurnRequest(nil), f.requests...)
}

func (f *fakeEngine) Memories(context.Context) ([]memory.Entry, error) {
	return f.entries, nil
}

func (f *fakeEngine) Memory(_ context.Context, id string) (memory.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return memory.Entry{}, memory.ErrNotFound
}

func (f *fakeEngine) Session(_ context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, session.ErrNotFound
	}
	return session.New(id), nil
}

func newTestServer(t *testing.T, eng Engine) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetricsWith("test_httpapi", prometheus.NewRegistry())
	srv := New(config.Config{LTMBackend: "memory", BrainMode: "mock"}, eng, session.NewManager(time.Minute), metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestPostTurn(t *testing.T) {
	eng := &fakeEngine{reply: "hi there"}
	ts := newTestServer(t, eng)

	body, _ := json.Marshal(map[string]any{"input": "hello", "session_id": "session_a", "dry_run": true})
	res, err := http.Post(ts.URL+"/v1/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/turns error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["response"] != "hi there" || payload["session_id"] != "session_a" || payload["dry_run"] != true {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	reqs := eng.calls()
	if len(reqs) != 1 || !reqs[0].DryRun {
		t.Fatalf("engine requests = %+v", reqs)
	}
}

func TestPostTurnValidation(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{reply: "x"})

	res, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(`{"input":"   "}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPostTurnTransportFailure(t *testing.T) {
	eng := &fakeEngine{err: &brain.TransportError{Backend: "openai", Status: 503, Err: errors.New("overloaded")}}
	ts := newTestServer(t, eng)

	res, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(`{"input":"hello"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	var payload errorResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "transport_failure" {
		t.Fatalf("code = %q, want transport_failure", payload.Code)
	}
}

func TestMemoryRoutes(t *testing.T) {
	eng := &fakeEngine{entries: []memory.Entry{{ID: "mem_001", Type: memory.TypePreference, Subject: memory.SubjectUser, Content: "likes tea", Confidence: 0.7}}}
	ts := newTestServer(t, eng)

	res, err := http.Get(ts.URL + "/v1/memories")
	if err != nil {
		t.Fatalf("GET /v1/memories error = %v", err)
	}
	var list struct {
		Count    int            `json:"count"`
		Memories []memory.Entry `json:"memories"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res.Body.Close()
	if list.Count != 1 || list.Memories[0].ID != "mem_001" {
		t.Fatalf("list = %+v", list)
	}

	res, err = http.Get(ts.URL + "/v1/memories/mem_404")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestLatestSessionNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	res, err := http.Get(ts.URL + "/v1/sessions/latest")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestTurnWebsocketStreamsDeltasThenResult(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{reply: "hello there friend"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/turns/ws?session_id=session_ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.TurnRequest{Type: protocol.TypeTurnRequest, TurnID: "t1", Input: "hi"}); err != nil {
		t.Fatalf("write error = %v", err)
	}

	var deltas strings.Builder
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read error = %v", err)
		}
		switch env["type"] {
		case string(protocol.TypeAssistantTextDelta):
			deltas.WriteString(env["text_delta"].(string))
		case string(protocol.TypeTurnResult):
			if env["session_id"] != "session_ws" || env["turn_id"] != "t1" {
				t.Fatalf("turn_result = %+v", env)
			}
			if deltas.String() != "hello there friend" {
				t.Fatalf("deltas = %q", deltas.String())
			}
			return
		default:
			t.Fatalf("unexpected message %+v", env)
		}
	}
}

func TestTurnWebsocketRejectsInvalidMessage(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{reply: "x"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/turns/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"turn_request","input":""}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.ErrorEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if ev.Type != protocol.TypeErrorEvent || ev.Code != "invalid_client_message" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCheckOriginRejectsCrossSite(t *testing.T) {
	srv := New(config.Config{}, &fakeEngine{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/v1/turns/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if srv.upgrader.CheckOrigin(req) {
		t.Fatalf("CheckOrigin allowed cross-site origin")
	}
	req.Header.Set("Origin", "http://localhost:8080")
	if !srv.upgrader.CheckOrigin(req) {
		t.Fatalf("CheckOrigin rejected same origin")
	}
}

func TestPerfLatencyReportsAndResets(t *testing.T) {
	metrics := observability.NewMetricsWith("test_httpapi", prometheus.NewRegistry())
	metrics.ObserveStage(observability.StageTotal, 1200*time.Millisecond)
	srv := New(config.Config{}, &fakeEngine{}, nil, metrics)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var snap observability.TurnStageSnapshot
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res.Body.Close()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != observability.StageTotal {
		t.Fatalf("stages = %+v", snap.Stages)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/latency", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if got := metrics.SnapshotTurnStages(); len(got.Stages) != 0 {
		t.Fatalf("stages after reset = %+v", got.Stages)
	}
}

func TestRunTurnDeliversResultBehindSlowWriter(t *testing.T) {
	reply := strings.Repeat("word ", 300)
	srv := New(config.Config{}, &fakeEngine{reply: reply}, nil, nil)
	outbound := make(chan any, 4)

	go func() {
		srv.runTurn(context.Background(), protocol.TurnRequest{Type: protocol.TypeTurnRequest, TurnID: "t1", SessionID: "s1", Input: "hi"}, outbound)
		close(outbound)
	}()

	var text strings.Builder
	var last any
	for msg := range outbound {
		time.Sleep(100 * time.Microsecond)
		if d, ok := msg.(protocol.AssistantTextDelta); ok {
			text.WriteString(d.TextDelta)
		}
		last = msg
	}
	if text.String() != reply {
		t.Fatalf("streamed %d bytes, want %d", text.Len(), len(reply))
	}
	res, ok := last.(protocol.TurnResult)
	if !ok || res.TurnID != "t1" {
		t.Fatalf("last message = %#v, want turn_result", last)
	}
}

func TestRunTurnDeliversErrorWhenWriterIsBusy(t *testing.T) {
	srv := New(config.Config{}, &fakeEngine{err: &brain.TransportError{Backend: "openai", Status: 503, Err: errors.New("overloaded")}}, nil, nil)
	outbound := make(chan any)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.runTurn(context.Background(), protocol.TurnRequest{Type: protocol.TypeTurnRequest, TurnID: "t2", Input: "hi"}, outbound)
	}()

	// Nobody is reading yet; the error must wait rather than vanish.
	time.Sleep(20 * time.Millisecond)
	select {
	case msg := <-outbound:
		ev, ok := msg.(protocol.ErrorEvent)
		if !ok || ev.Code != "transport_failure" || ev.TurnID != "t2" {
			t.Fatalf("message = %#v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("error event was never delivered")
	}
	<-done
}
