// Package v1 bridges the gateway's chat API to the context builder: it
// validates requests, persists new messages idempotently, and converts
// between the wire message shape and internal types.
package v1

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	aicontext "github.com/hrygo/contextgate/plugin/ai/context"
	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/store"
)

// duplicateWindow is the time-boxed duplicate-suppression window. A message
// with identical role and content inserted within this window is treated as
// a retry, not a new turn.
const duplicateWindow = 60 * time.Second

// ErrInvalidRequest marks a caller defect (empty message list, wrong final
// role). It is the only error class surfaced to callers; everything else
// degrades internally.
var ErrInvalidRequest = errors.New("invalid request")

// ChatMessage is the wire shape of one prompt message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// OptimizeRequest asks for a token-bounded context for the current turn.
type OptimizeRequest struct {
	ConversationID   string        `json:"conversationId,omitempty"`
	Messages         []ChatMessage `json:"messages"`
	Model            string        `json:"model,omitempty"`
	Layer            string        `json:"layer,omitempty"`
	ProjectID        string        `json:"projectId,omitempty"`
	ToolID           string        `json:"toolId,omitempty"`
	ContextStrategy  string        `json:"contextStrategy,omitempty"`
	MaxContextTokens int           `json:"maxContextTokens,omitempty"`
}

// TokenStats breaks down the token accounting of one response.
type TokenStats struct {
	Total          int `json:"total"`
	System         int `json:"system"`
	Context        int `json:"context"`
	CurrentMessage int `json:"currentMessage"`
	Budget         int `json:"budget"`
	Saved          int `json:"saved"`
}

// ResponseMetadata describes how the context was assembled.
type ResponseMetadata struct {
	RecentMessagesIncluded int  `json:"recentMessagesIncluded"`
	SpansRetrieved         int  `json:"spansRetrieved"`
	SummaryIncluded        bool `json:"summaryIncluded"`
	TokenBudget            int  `json:"tokenBudget"`
	TokenUsed              int  `json:"tokenUsed"`
}

// OptimizeResponse is the bounded message list plus accounting.
type OptimizeResponse struct {
	Messages   []ChatMessage    `json:"messages"`
	TokenStats TokenStats       `json:"tokenStats"`
	Metadata   ResponseMetadata `json:"metadata"`
	Strategy   string           `json:"strategy"`
}

// RecordReplyRequest persists the model's reply after the gateway forwarded
// the optimized context.
type RecordReplyRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// ChatStore is the subset of the store the integration layer writes through.
type ChatStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error)
	CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error)
	HasRecentDuplicate(ctx context.Context, conversationID string, role store.MessageRole, content string, sinceTs int64) (bool, error)
}

// ContextBuilder assembles the bounded context. Satisfied by
// aicontext.Service.
type ContextBuilder interface {
	Build(ctx context.Context, req *aicontext.BuildRequest) (*aicontext.BuildResult, error)
}

// EmbeddingEnqueuer schedules fire-and-forget embedding generation.
type EmbeddingEnqueuer interface {
	Enqueue(messageID string)
}

// ChatService handles context optimization requests.
type ChatService struct {
	store     ChatStore
	builder   ContextBuilder
	estimator *token.Estimator
	enqueuer  EmbeddingEnqueuer
}

// NewChatService creates a chat service. enqueuer may be nil when background
// embedding is disabled.
func NewChatService(st ChatStore, builder ContextBuilder, estimator *token.Estimator, enqueuer EmbeddingEnqueuer) *ChatService {
	return &ChatService{
		store:     st,
		builder:   builder,
		estimator: estimator,
		enqueuer:  enqueuer,
	}
}

// OptimizeContext produces the bounded message list for the current turn.
// Persistence and upstream failures never fail the call; only a malformed
// request is rejected.
func (s *ChatService) OptimizeContext(ctx context.Context, req *OptimizeRequest) (*OptimizeResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if req.ConversationID == "" {
		return s.statelessResponse(req), nil
	}

	s.ensureConversation(ctx, req)

	systemPrompt := ""
	if req.Messages[0].Role == "system" {
		systemPrompt = req.Messages[0].Content
	}
	current := req.Messages[len(req.Messages)-1]

	currentTurnIndex := s.persistMessages(ctx, req.ConversationID, req.Messages)

	result, err := s.builder.Build(ctx, &aicontext.BuildRequest{
		ConversationID:   req.ConversationID,
		SystemPrompt:     systemPrompt,
		CurrentMessage:   current.Content,
		CurrentTurnIndex: currentTurnIndex,
		ModelID:          req.Model,
		Overrides:        buildOverrides(req),
	})
	if err != nil {
		// The builder degrades internally; an error here is unexpected.
		slog.Error("context build failed",
			"conversation_id", req.ConversationID,
			"error", err)
		return s.statelessResponse(req), nil
	}

	return s.toResponse(req, result), nil
}

// RecordAssistantReply persists the model's reply and enqueues its
// embedding. Failures are logged, never surfaced: losing one reply only
// weakens future retrieval.
func (s *ChatService) RecordAssistantReply(ctx context.Context, conversationID string, content string) {
	if conversationID == "" || content == "" {
		return
	}
	created := s.persistMessage(ctx, conversationID, ChatMessage{Role: "assistant", Content: content})
	if created != nil && s.enqueuer != nil {
		s.enqueuer.Enqueue(created.ID)
	}
}

func validateRequest(req *OptimizeRequest) error {
	if len(req.Messages) == 0 {
		return errors.WithMessage(ErrInvalidRequest, "messages must not be empty")
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		return errors.WithMessage(ErrInvalidRequest, "last message must have role user")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "function", "tool":
		default:
			return errors.WithMessagef(ErrInvalidRequest, "message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// statelessResponse skips persistence and retrieval entirely, returning the
// input unchanged with zero savings.
func (s *ChatService) statelessResponse(req *OptimizeRequest) *OptimizeResponse {
	total := s.estimator.EstimateMessages(toTokenMessages(req.Messages))
	budget := req.MaxContextTokens
	if budget <= 0 {
		budget = aicontext.DefaultConfig().MaxPromptTokens
	}

	resp := &OptimizeResponse{
		Messages: req.Messages,
		Strategy: "stateless",
		TokenStats: TokenStats{
			Total:  total,
			Budget: budget,
		},
		Metadata: ResponseMetadata{
			TokenBudget: budget,
			TokenUsed:   total,
		},
	}
	s.fillBreakdown(resp)
	return resp
}

// ensureConversation creates the conversation row lazily on first contact.
func (s *ChatService) ensureConversation(ctx context.Context, req *OptimizeRequest) {
	conversation, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		slog.Warn("failed to load conversation",
			"conversation_id", req.ConversationID,
			"error", err)
		return
	}
	if conversation != nil {
		return
	}
	if _, err := s.store.CreateConversation(ctx, &store.Conversation{
		ID:        req.ConversationID,
		ProjectID: req.ProjectID,
		ToolID:    req.ToolID,
	}); err != nil {
		slog.Warn("failed to create conversation",
			"conversation_id", req.ConversationID,
			"error", err)
	}
}

// persistMessages writes each non-system message, skipping duplicates seen
// within the suppression window. It returns the turn index assigned to the
// final (current) message, or -1 when it was not persisted.
func (s *ChatService) persistMessages(ctx context.Context, conversationID string, msgs []ChatMessage) int32 {
	currentTurnIndex := int32(-1)
	for i, m := range msgs {
		if m.Role == "system" {
			continue
		}
		created := s.persistMessage(ctx, conversationID, m)
		if created == nil {
			continue
		}
		if s.enqueuer != nil {
			s.enqueuer.Enqueue(created.ID)
		}
		if i == len(msgs)-1 {
			currentTurnIndex = created.TurnIndex
		}
	}
	return currentTurnIndex
}

// persistMessage writes one message, or returns nil when it was suppressed
// as a duplicate or the write failed.
func (s *ChatService) persistMessage(ctx context.Context, conversationID string, m ChatMessage) *store.Message {
	role := store.MessageRole(m.Role)
	since := time.Now().Add(-duplicateWindow).Unix()
	duplicate, err := s.store.HasRecentDuplicate(ctx, conversationID, role, m.Content, since)
	if err != nil {
		slog.Warn("duplicate check failed",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}
	if duplicate {
		return nil
	}

	created, err := s.store.CreateMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        m.Content,
		TokenEstimate:  s.estimator.EstimateMessage(token.Message{Role: m.Role, Content: m.Content}),
		CreatedTs:      time.Now().Unix(),
	})
	if err != nil {
		slog.Warn("failed to persist message",
			"conversation_id", conversationID,
			"role", m.Role,
			"error", err)
		return nil
	}
	return created
}

func (s *ChatService) toResponse(req *OptimizeRequest, result *aicontext.BuildResult) *OptimizeResponse {
	messages := make([]ChatMessage, len(result.Messages))
	for i, m := range result.Messages {
		messages[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}

	original := s.estimator.EstimateMessages(toTokenMessages(req.Messages))
	saved := original - result.TotalTokens
	if saved < 0 {
		saved = 0
	}

	resp := &OptimizeResponse{
		Messages: messages,
		Strategy: string(result.Strategy),
		TokenStats: TokenStats{
			Total:  result.TotalTokens,
			Budget: result.Metadata.TokenBudget,
			Saved:  saved,
		},
		Metadata: ResponseMetadata{
			RecentMessagesIncluded: result.Metadata.RecentMessagesIncluded,
			SpansRetrieved:         result.Metadata.SpansRetrieved,
			SummaryIncluded:        result.Metadata.SummaryIncluded,
			TokenBudget:            result.Metadata.TokenBudget,
			TokenUsed:              result.Metadata.TokenUsed,
		},
	}
	s.fillBreakdown(resp)
	return resp
}

// fillBreakdown computes the system/context/current split of the total.
func (s *ChatService) fillBreakdown(resp *OptimizeResponse) {
	if len(resp.Messages) == 0 {
		return
	}
	system := 0
	for _, m := range resp.Messages {
		if m.Role == "system" {
			system += s.estimator.EstimateMessage(token.Message{Role: m.Role, Content: m.Content})
		}
	}
	last := resp.Messages[len(resp.Messages)-1]
	current := s.estimator.EstimateMessage(token.Message{Role: last.Role, Content: last.Content})

	resp.TokenStats.System = system
	resp.TokenStats.CurrentMessage = current
	context := resp.TokenStats.Total - system - current
	if context < 0 {
		context = 0
	}
	resp.TokenStats.Context = context
}

func buildOverrides(req *OptimizeRequest) *aicontext.Overrides {
	overrides := &aicontext.Overrides{}
	if req.ContextStrategy != "" {
		strategy := aicontext.Strategy(req.ContextStrategy)
		overrides.Strategy = &strategy
	}
	if req.MaxContextTokens > 0 {
		overrides.MaxPromptTokens = &req.MaxContextTokens
	}
	return overrides
}

func toTokenMessages(msgs []ChatMessage) []token.Message {
	out := make([]token.Message, len(msgs))
	for i, m := range msgs {
		out[i] = token.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
