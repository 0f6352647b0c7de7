package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the memory agent.
type Config struct {
	DataDir         string `yaml:"data_dir"`
	SessionDir      string `yaml:"session_dir"`
	SessionMaxTurns int    `yaml:"session_max_turns"`
	LTMBackend      string `yaml:"ltm_backend"`
	LTMPath         string `yaml:"ltm_path"`
	RevisionLogPath string `yaml:"revision_log_path"`
	DatabaseURL     string `yaml:"database_url"`

	MinMemoryConfidence      float64  `yaml:"min_memory_confidence"`
	MaxCreatesPerTurn        int      `yaml:"max_creates_per_turn"`
	DuplicateThreshold       float64  `yaml:"duplicate_threshold"`
	EphemeralTypes           []string `yaml:"ephemeral_types"`
	MomentaryMarkers         bool     `yaml:"momentary_markers"`
	RedactPII                bool     `yaml:"redact_pii"`
	RetrievalLimit           int      `yaml:"retrieval_limit"`
	RetrievalMinConfidence   float64  `yaml:"retrieval_min_confidence"`
	RetrievalPolicy          string   `yaml:"retrieval_policy"`
	PromptMessageLimit       int      `yaml:"prompt_message_limit"`
	ReflectionMessageLimit   int      `yaml:"reflection_message_limit"`
	PromptTokenBudget        int      `yaml:"prompt_token_budget"`
	PersonaPath              string   `yaml:"persona_path"`
	ReflectionPromptPath     string   `yaml:"reflection_prompt_path"`
	PromptDumpDir            string   `yaml:"prompt_dump_dir"`
	BrainMode                string   `yaml:"brain_mode"`
	OpenAIAPIKey             string   `yaml:"-"`
	OpenAIBaseURL            string   `yaml:"openai_base_url"`
	OpenAIModel              string   `yaml:"openai_model"`
	OpenAISiteURL            string   `yaml:"openai_site_url"`
	OpenAIAppName            string   `yaml:"openai_app_name"`
	AnthropicAPIKey          string   `yaml:"-"`
	AnthropicModel           string   `yaml:"anthropic_model"`
	BrainHTTPURL             string   `yaml:"brain_http_url"`
	BrainHTTPStrict          bool     `yaml:"brain_http_strict"`
	BrainCallTimeout         Duration `yaml:"brain_call_timeout"`
	BrainGenerationRetries   int      `yaml:"brain_generation_retries"`
	BrainReflectionRetries   int      `yaml:"brain_reflection_retries"`
	BindAddr                 string   `yaml:"bind_addr"`
	ShutdownTimeout          Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout Duration `yaml:"session_idle_timeout"`
	MetricsNamespace         string   `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool     `yaml:"allow_any_origin"`
}

// Duration lets YAML files use Go duration strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaults() Config {
	return Config{
		DataDir:                  "data",
		SessionMaxTurns:          60,
		LTMBackend:               "auto",
		MinMemoryConfidence:      0.5,
		MaxCreatesPerTurn:        3,
		DuplicateThreshold:       0.8,
		RetrievalLimit:           20,
		RetrievalMinConfidence:   0.4,
		RetrievalPolicy:          "confidence",
		PromptMessageLimit:       15,
		ReflectionMessageLimit:   10,
		PromptTokenBudget:        3000,
		BrainMode:                "auto",
		BrainCallTimeout:         Duration(30 * time.Second),
		BrainGenerationRetries:   2,
		BrainReflectionRetries:   1,
		BindAddr:                 ":8080",
		ShutdownTimeout:          Duration(15 * time.Second),
		SessionInactivityTimeout: Duration(10 * time.Minute),
		MetricsNamespace:         "memoryagent",
	}
}

// Load reads the optional YAML file named by MEMORYAGENT_CONFIG, then
// environment variables, and applies safe defaults. Environment wins over
// the file.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("MEMORYAGENT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.DataDir = envOrDefault("MEMORYAGENT_DATA_DIR", cfg.DataDir)
	cfg.SessionDir = envOrDefault("SESSION_DIR", cfg.SessionDir)
	cfg.LTMBackend = strings.ToLower(envOrDefault("LTM_BACKEND", cfg.LTMBackend))
	cfg.LTMPath = envOrDefault("LTM_PATH", cfg.LTMPath)
	cfg.RevisionLogPath = envOrDefault("MEMORY_REVISION_LOG", cfg.RevisionLogPath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RetrievalPolicy = strings.ToLower(envOrDefault("RETRIEVAL_POLICY", cfg.RetrievalPolicy))
	cfg.PersonaPath = envOrDefault("PERSONA_PATH", cfg.PersonaPath)
	cfg.ReflectionPromptPath = envOrDefault("REFLECTION_PROMPT_PATH", cfg.ReflectionPromptPath)
	cfg.PromptDumpDir = envOrDefault("PROMPT_DUMP_DIR", cfg.PromptDumpDir)
	cfg.BrainMode = strings.ToLower(envOrDefault("BRAIN_MODE", cfg.BrainMode))
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAISiteURL = envOrDefault("OPENAI_SITE_URL", cfg.OpenAISiteURL)
	cfg.OpenAIAppName = envOrDefault("OPENAI_APP_NAME", cfg.OpenAIAppName)
	cfg.AnthropicAPIKey = stringsTrimSpace("ANTHROPIC_API_KEY")
	cfg.AnthropicModel = envOrDefault("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.BrainHTTPURL = envOrDefault("BRAIN_HTTP_URL", cfg.BrainHTTPURL)
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"SESSION_MAX_TURNS", &cfg.SessionMaxTurns},
		{"MEMORY_MAX_CREATES_PER_TURN", &cfg.MaxCreatesPerTurn},
		{"RETRIEVAL_LIMIT", &cfg.RetrievalLimit},
		{"PROMPT_MESSAGE_LIMIT", &cfg.PromptMessageLimit},
		{"REFLECTION_MESSAGE_LIMIT", &cfg.ReflectionMessageLimit},
		{"PROMPT_TOKEN_BUDGET", &cfg.PromptTokenBudget},
		{"BRAIN_GENERATION_RETRIES", &cfg.BrainGenerationRetries},
		{"BRAIN_REFLECTION_RETRIES", &cfg.BrainReflectionRetries},
	}
	for _, f := range ints {
		if *f.dst, err = intFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"MIN_MEMORY_CONFIDENCE", &cfg.MinMemoryConfidence},
		{"MEMORY_DUPLICATE_THRESHOLD", &cfg.DuplicateThreshold},
		{"RETRIEVAL_MIN_CONFIDENCE", &cfg.RetrievalMinConfidence},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"MEMORY_MOMENTARY_MARKERS", &cfg.MomentaryMarkers},
		{"MEMORY_REDACT_PII", &cfg.RedactPII},
		{"BRAIN_HTTP_STRICT", &cfg.BrainHTTPStrict},
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
	}
	for _, f := range bools {
		if *f.dst, err = boolFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"BRAIN_CALL_TIMEOUT", &cfg.BrainCallTimeout},
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_IDLE_TIMEOUT", &cfg.SessionInactivityTimeout},
	}
	for _, f := range durations {
		d, err := durationFromEnv(f.key, f.dst.Std())
		if err != nil {
			return Config{}, err
		}
		*f.dst = Duration(d)
	}

	cfg.EphemeralTypes = listFromEnv("MEMORY_EPHEMERAL_TYPES", cfg.EphemeralTypes)

	if cfg.SessionDir == "" {
		cfg.SessionDir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.LTMPath == "" {
		cfg.LTMPath = filepath.Join(cfg.DataDir, "long_term_memory.json")
	}
	if cfg.RevisionLogPath == "" {
		cfg.RevisionLogPath = filepath.Join(cfg.DataDir, "memory_revisions.jsonl")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxCreatesPerTurn < 1 || c.MaxCreatesPerTurn > 3 {
		return fmt.Errorf("MEMORY_MAX_CREATES_PER_TURN must be between 1 and 3")
	}
	for key, v := range map[string]float64{
		"MIN_MEMORY_CONFIDENCE":      c.MinMemoryConfidence,
		"MEMORY_DUPLICATE_THRESHOLD": c.DuplicateThreshold,
		"RETRIEVAL_MIN_CONFIDENCE":   c.RetrievalMinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", key)
		}
	}
	if c.SessionMaxTurns < 2 {
		return fmt.Errorf("SESSION_MAX_TURNS must be at least 2")
	}
	if c.RetrievalLimit < 0 || c.PromptMessageLimit < 0 || c.ReflectionMessageLimit < 0 || c.PromptTokenBudget < 0 {
		return fmt.Errorf("retrieval and prompt limits must be >= 0")
	}
	if c.BrainGenerationRetries < 0 || c.BrainReflectionRetries < 0 {
		return fmt.Errorf("brain retries must be >= 0")
	}
	if c.BrainCallTimeout.Std() <= 0 {
		return fmt.Errorf("BRAIN_CALL_TIMEOUT must be positive")
	}
	if c.SessionInactivityTimeout.Std() < 5*time.Second {
		return fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	switch c.LTMBackend {
	case "", "auto", "file", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported LTM_BACKEND %q", c.LTMBackend)
	}
	switch c.RetrievalPolicy {
	case "confidence", "keyword":
	default:
		return fmt.Errorf("unsupported RETRIEVAL_POLICY %q", c.RetrievalPolicy)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
