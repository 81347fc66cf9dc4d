package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev"
	Mode string
	// Addr is the binding address for the server
	Addr string
	// Port is the binding port for the server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where contextgate stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of the server
	Version string

	// AI configuration.
	AIEmbeddingProvider string // CONTEXTGATE_EMBEDDING_PROVIDER (default: openai)
	AIEmbeddingModel    string // CONTEXTGATE_EMBEDDING_MODEL (default: text-embedding-3-small)
	AIEmbeddingDims     int    // CONTEXTGATE_EMBEDDING_DIMENSIONS (default: 1024)
	AILLMProvider       string // CONTEXTGATE_LLM_PROVIDER (default: openai)
	AILLMModel          string // CONTEXTGATE_LLM_MODEL (default: gpt-4o-mini)
	AIAPIKey            string // CONTEXTGATE_AI_API_KEY
	AIBaseURL           string // CONTEXTGATE_AI_BASE_URL (default: https://api.openai.com/v1)

	// Context building defaults. Per-request overrides take precedence.
	ContextStrategy        string  // CONTEXTGATE_CONTEXT_STRATEGY (default: summary+recent)
	MaxPromptTokens        int     // CONTEXTGATE_MAX_PROMPT_TOKENS (default: 4096)
	RecentMaxMessages      int     // CONTEXTGATE_RECENT_MAX_MESSAGES (default: 20)
	SummarizationThreshold int     // CONTEXTGATE_SUMMARIZATION_THRESHOLD (default: 1500)
	SpanBudgetRatio        float64 // CONTEXTGATE_SPAN_BUDGET_RATIO (default: 0.4)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an AI backend is configured. Without one the
// server still runs: estimation falls back to heuristics and retrieval to
// recency.
func (p *Profile) IsAIEnabled() bool {
	return p.AIAPIKey != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("CONTEXTGATE_MODE", p.Mode)
	p.Addr = getEnvOrDefault("CONTEXTGATE_ADDR", p.Addr)
	p.Port = getIntEnvOrDefault("CONTEXTGATE_PORT", p.Port)
	p.Data = getEnvOrDefault("CONTEXTGATE_DATA", p.Data)
	p.DSN = getEnvOrDefault("CONTEXTGATE_DSN", p.DSN)
	p.Driver = getEnvOrDefault("CONTEXTGATE_DRIVER", p.Driver)

	p.AIEmbeddingProvider = getEnvOrDefault("CONTEXTGATE_EMBEDDING_PROVIDER", "openai")
	p.AIEmbeddingModel = getEnvOrDefault("CONTEXTGATE_EMBEDDING_MODEL", "text-embedding-3-small")
	p.AIEmbeddingDims = getIntEnvOrDefault("CONTEXTGATE_EMBEDDING_DIMENSIONS", 1024)
	p.AILLMProvider = getEnvOrDefault("CONTEXTGATE_LLM_PROVIDER", "openai")
	p.AILLMModel = getEnvOrDefault("CONTEXTGATE_LLM_MODEL", "gpt-4o-mini")
	p.AIAPIKey = os.Getenv("CONTEXTGATE_AI_API_KEY")
	p.AIBaseURL = getEnvOrDefault("CONTEXTGATE_AI_BASE_URL", "https://api.openai.com/v1")

	p.ContextStrategy = getEnvOrDefault("CONTEXTGATE_CONTEXT_STRATEGY", "summary+recent")
	p.MaxPromptTokens = getIntEnvOrDefault("CONTEXTGATE_MAX_PROMPT_TOKENS", 4096)
	p.RecentMaxMessages = getIntEnvOrDefault("CONTEXTGATE_RECENT_MAX_MESSAGES", 20)
	p.SummarizationThreshold = getIntEnvOrDefault("CONTEXTGATE_SUMMARIZATION_THRESHOLD", 1500)
	p.SpanBudgetRatio = getFloatEnvOrDefault("CONTEXTGATE_SPAN_BUDGET_RATIO", 0.4)
}

// Validate checks the profile for obvious misconfiguration.
func (p *Profile) Validate() error {
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q: only 'postgres' and 'sqlite' are supported", p.Driver)
	}
	if p.DSN == "" {
		return errors.New("DSN is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.SpanBudgetRatio <= 0 || p.SpanBudgetRatio >= 1 {
		return errors.Errorf("span budget ratio must be in (0, 1), got %v", p.SpanBudgetRatio)
	}
	return nil
}

func (p *Profile) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mode=%s addr=%s port=%d driver=%s", p.Mode, p.Addr, p.Port, p.Driver)
	return sb.String()
}
