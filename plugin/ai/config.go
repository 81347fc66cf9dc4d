package ai

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/internal/profile"
)

// EmbeddingConfig holds the embedding provider configuration.
type EmbeddingConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxRetries int
	Timeout    time.Duration
}

// LLMConfig holds the chat/summarization provider configuration.
type LLMConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// Config bundles both AI service configurations.
type Config struct {
	Embedding EmbeddingConfig
	LLM       LLMConfig
}

// NewConfigFromProfile derives the AI configuration from the server profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:   p.AIEmbeddingProvider,
			BaseURL:    p.AIBaseURL,
			APIKey:     p.AIAPIKey,
			Model:      p.AIEmbeddingModel,
			Dimensions: p.AIEmbeddingDims,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:   p.AILLMProvider,
			BaseURL:    p.AIBaseURL,
			APIKey:     p.AIAPIKey,
			Model:      p.AILLMModel,
			MaxRetries: 3,
			Timeout:    60 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Embedding.APIKey == "" {
		return errors.New("embedding API key is required")
	}
	if c.Embedding.Model == "" {
		return errors.New("embedding model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding dimensions must be positive")
	}
	if c.LLM.Model == "" {
		return errors.New("LLM model is required")
	}
	return nil
}
