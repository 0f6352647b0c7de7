package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const StageReflectionApply = "reflection_apply"

// LogSource records where a change came from.
type LogSource struct {
	SessionID string `json:"source_session_id,omitempty"`
	Stage     string `json:"source_stage"`
}

// LogEvent is one line of the revision log.
type LogEvent struct {
	TS       time.Time `json:"ts"`
	EventID  string    `json:"event_id"`
	Source   LogSource `json:"source"`
	Action   string    `json:"action"`
	TargetID string    `json:"target_id"`
	Before   *Entry    `json:"before,omitempty"`
	After    *Entry    `json:"after,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// RevisionLog is an append-only JSONL audit trail of applied memory changes.
// A nil *RevisionLog discards events.
type RevisionLog struct {
	mu   sync.Mutex
	path string
}

func NewRevisionLog(path string) (*RevisionLog, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("memory: init revision log directory: %w", err)
	}
	return &RevisionLog{path: path}, nil
}

// Append writes events in order. Missing ids and timestamps are filled in.
func (l *RevisionLog) Append(_ context.Context, events ...LogEvent) error {
	if l == nil || len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("memory: open revision log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.TS.IsZero() {
			ev.TS = timeNow().UTC()
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("memory: encode revision event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("memory: flush revision log: %w", err)
	}
	return nil
}

// ReadRevisionLog returns every decodable event in path. Corrupt lines are
// skipped.
func ReadRevisionLog(path string) ([]LogEvent, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open revision log: %w", err)
	}
	defer f.Close()

	var out []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev LogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			slog.Debug("memory: skipping corrupt revision log line", "path", path, "line", line, "error", err)
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("memory: read revision log: %w", err)
	}
	return out, nil
}
