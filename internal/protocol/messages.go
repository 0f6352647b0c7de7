package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTurnRequest        MessageType = "turn_request"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeTurnResult         MessageType = "turn_result"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TurnRequest asks the server to process one user input. An empty SessionID
// resumes the most recent session.
type TurnRequest struct {
	Type       MessageType `json:"type"`
	TurnID     string      `json:"turn_id,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	NewSession bool        `json:"new_session,omitempty"`
	Input      string      `json:"input"`
	DryRun     bool        `json:"dry_run,omitempty"`
}

// Client control actions.
const (
	ControlPing       = "ping"
	ControlNewSession = "new_session"
)

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

// TurnResult carries the engine's result for a finished turn.
type TurnResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Result    any         `json:"result"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes one inbound websocket frame into a TurnRequest
// or a ClientControl.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Type {
	case TypeTurnRequest:
		return decode[TurnRequest](raw)
	case TypeClientControl:
		return decode[ClientControl](raw)
	default:
		return nil, ErrUnsupportedType
	}
}

type validator interface {
	validate() error
}

func decode[T validator](raw []byte) (any, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m TurnRequest) validate() error {
	if strings.TrimSpace(m.Input) == "" {
		return errors.New("invalid turn_request: input is required")
	}
	return nil
}

func (m ClientControl) validate() error {
	if strings.TrimSpace(m.Action) == "" {
		return errors.New("invalid client_control: action is required")
	}
	return nil
}
