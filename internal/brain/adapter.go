// Package brain talks to the external reasoning service that generates
// replies and reflects on conversations. Nothing in this package touches
// memory; callers get text back and decide what to do with it.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Purpose string

const (
	PurposeGeneration Purpose = "generation"
	PurposeReflection Purpose = "reflection"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral request sent to a collaborator.
type Request struct {
	SessionID string    `json:"session_id,omitempty"`
	Purpose   Purpose   `json:"purpose"`
	Messages  []Message `json:"messages"`
	// JSON asks the backend for a single JSON object when it supports it.
	JSON bool `json:"json,omitempty"`
}

// LastUserText returns the content of the newest user message.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Response is the final text after streaming deltas.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter is a generation or reflection backend.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// ErrTransport marks failures to reach the collaborator or get a usable
// reply from it.
var ErrTransport = errors.New("brain: transport failure")

// TransportError carries the backend name and, when known, the HTTP status.
type TransportError struct {
	Backend string
	Status  int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s transport failure (status %d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s transport failure: %v", e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) HTTPStatus() int { return e.Status }

func transportError(backend string, status int, err error) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Backend: backend, Status: status, Err: err}
}

// Config controls adapter construction.
type Config struct {
	Mode             string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAISiteURL    string
	OpenAIAppName    string
	AnthropicAPIKey  string
	AnthropicModel   string
	HTTPURL          string
	HTTPStreamStrict bool
	HTTPTimeout      time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return newOpenAIFromConfig(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for anthropic mode")
		}
		return NewAnthropicAdapter(cfg.AnthropicAPIKey, cfg.AnthropicModel), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

// newAutoAdapter prefers a hosted provider when a key is configured and falls
// back to the HTTP endpoint, then to the mock.
func newAutoAdapter(cfg Config) Adapter {
	var chain []Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chain = append(chain, newOpenAIFromConfig(cfg))
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		chain = append(chain, NewAnthropicAdapter(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout))
	}

	switch len(chain) {
	case 0:
		return NewMockAdapter()
	case 1:
		return chain[0]
	}
	// Only the first two configured backends take part.
	return NewFallbackAdapter(chain[0], chain[1])
}
