package ai

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// ChatMessage represents a chat message sent to the LLM.
type ChatMessage struct {
	Role    string
	Content string
}

// LLMService performs chat completions, used for rolling summarization.
type LLMService struct {
	client *openai.Client
	config LLMConfig
}

// NewLLMService creates a new LLM service.
func NewLLMService(cfg LLMConfig) *LLMService {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &LLMService{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}
}

// Chat performs a chat completion and returns the assistant reply.
func (s *LLMService) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	var result string
	err := doWithRetry(ctx, s.config.MaxRetries, func() error {
		llmMessages := make([]openai.ChatCompletionMessage, len(messages))
		for i, msg := range messages {
			llmMessages[i] = openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			}
		}

		req := openai.ChatCompletionRequest{
			Model:    s.config.Model,
			Messages: llmMessages,
		}

		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("empty chat response")
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to complete chat")
	}

	return result, nil
}
