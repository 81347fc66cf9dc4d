// Package retrieval finds past messages semantically similar to the current
// query, expands them into contiguous spans, and selects a token-budgeted
// subset. It degrades to a recency fallback whenever embeddings or the
// vector index are unavailable.
package retrieval

import (
	"context"
	"log/slog"

	"github.com/hrygo/contextgate/store"
)

const (
	// MethodEmbedding marks results produced by the similarity search path.
	MethodEmbedding = "embedding"
	// MethodFallbackRecent marks degraded results built from recency alone.
	MethodFallbackRecent = "fallback-recent"

	// fallbackTokensPerMessage sizes the recency fallback from the budget.
	fallbackTokensPerMessage = 100
	// hardFailureFallbackLimit is used when not even a budget is trustworthy.
	hardFailureFallbackLimit = 20
)

// Config controls one retrieval call.
type Config struct {
	TopK          int
	Radius        int32
	TokenBudget   int
	MinSimilarity float32
	// IncludeSystemMessages lets expansion pull in system-role turns.
	IncludeSystemMessages bool
	// ExcludeTurnIndex skips the message currently being answered.
	ExcludeTurnIndex *int32
}

// DefaultConfig returns the standard retrieval settings.
func DefaultConfig() *Config {
	return &Config{
		TopK:          5,
		Radius:        2,
		TokenBudget:   2000,
		MinSimilarity: 0.3,
	}
}

// Result is the outcome of one retrieval call. Method is always one of
// MethodEmbedding or MethodFallbackRecent; both are valid, non-error
// outcomes.
type Result struct {
	Spans       []*MessageSpan
	Messages    []*RetrievedMessage
	TotalTokens int
	AnchorCount int
	Method      string
}

// MessageStore is the subset of the store the retriever reads from.
type MessageStore interface {
	ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error)
	VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MessageWithScore, error)
}

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever performs span retrieval over one conversation at a time.
type Retriever struct {
	store    MessageStore
	embedder Embedder
}

// NewRetriever creates a retriever. embedder may be nil, in which case
// text-only queries always fall back to recency.
func NewRetriever(st MessageStore, embedder Embedder) *Retriever {
	return &Retriever{store: st, embedder: embedder}
}

// RetrieveSpans finds messages similar to the query and returns them as
// token-budgeted chronological spans. Either queryEmbedding or queryText
// must be provided. It never returns an error: every failure degrades to
// the recency fallback, and an empty conversation yields an empty result.
func (r *Retriever) RetrieveSpans(ctx context.Context, conversationID string, queryEmbedding []float32, queryText string, cfg *Config) *Result {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if len(queryEmbedding) == 0 && queryText != "" && r.embedder != nil {
		vector, err := r.embedder.Embed(ctx, queryText)
		if err != nil {
			slog.Warn("query embedding failed, falling back to recent messages",
				"conversation_id", conversationID,
				"error", err)
			return r.fallbackRecent(ctx, conversationID, cfg, r.fallbackLimit(cfg))
		}
		queryEmbedding = vector
	}
	if len(queryEmbedding) == 0 {
		return r.fallbackRecent(ctx, conversationID, cfg, r.fallbackLimit(cfg))
	}

	hits, err := r.store.VectorSearch(ctx, &store.VectorSearchOptions{
		ConversationID:   conversationID,
		Vector:           queryEmbedding,
		Limit:            cfg.TopK,
		MinSimilarity:    cfg.MinSimilarity,
		ExcludeTurnIndex: cfg.ExcludeTurnIndex,
		IncludeSystem:    cfg.IncludeSystemMessages,
	})
	if err != nil {
		slog.Warn("vector search failed, falling back to recent messages",
			"conversation_id", conversationID,
			"error", err)
		return r.fallbackRecent(ctx, conversationID, cfg, r.fallbackLimit(cfg))
	}
	if len(hits) == 0 {
		return r.fallbackRecent(ctx, conversationID, cfg, r.fallbackLimit(cfg))
	}

	spans, err := r.expandToSpans(ctx, conversationID, hits, cfg)
	if err != nil {
		slog.Warn("span expansion failed, falling back to recent messages",
			"conversation_id", conversationID,
			"error", err)
		return r.fallbackRecent(ctx, conversationID, cfg, r.fallbackLimit(cfg))
	}

	selected := selectWithinBudget(spans, cfg.TokenBudget)

	result := &Result{
		Spans:  selected,
		Method: MethodEmbedding,
	}
	for _, span := range selected {
		result.Messages = append(result.Messages, span.Messages...)
		result.TotalTokens += span.TokenEstimate
		result.AnchorCount += span.AnchorCount
	}
	return result
}

// expandToSpans turns similarity hits into merged, message-populated spans.
// Each anchor at turn T expands to [T-radius, T+radius]; touching ranges
// merge. Fetching re-queries by range since turn indexes may have gaps.
func (r *Retriever) expandToSpans(ctx context.Context, conversationID string, hits []*store.MessageWithScore, cfg *Config) ([]*MessageSpan, error) {
	ranges := expandRanges(hits, cfg.Radius)

	spans := make([]*MessageSpan, 0, len(ranges))
	for _, rg := range ranges {
		find := &store.FindMessage{
			ConversationID: &conversationID,
			MinTurnIndex:   &rg.start,
			MaxTurnIndex:   &rg.end,
		}
		if !cfg.IncludeSystemMessages {
			find.ExcludeRoles = []store.MessageRole{store.MessageRoleSystem}
		}
		msgs, err := r.store.ListMessages(ctx, find)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		spans = append(spans, newSpan(rg, msgs))
	}
	return spans, nil
}

// fallbackRecent returns the most recent limit messages in chronological
// order. It never fails: a store error or empty conversation yields an
// empty, well-formed result.
func (r *Retriever) fallbackRecent(ctx context.Context, conversationID string, cfg *Config, limit int) *Result {
	result := &Result{Method: MethodFallbackRecent}

	find := &store.FindMessage{
		ConversationID: &conversationID,
		Limit:          limit,
		OrderDesc:      true,
	}
	if !cfg.IncludeSystemMessages {
		find.ExcludeRoles = []store.MessageRole{store.MessageRoleSystem}
	}
	msgs, err := r.store.ListMessages(ctx, find)
	if err != nil {
		slog.Warn("recency fallback query failed, returning empty result",
			"conversation_id", conversationID,
			"error", err)
		return result
	}
	if len(msgs) == 0 {
		return result
	}

	// Newest-first from the query; flip to chronological.
	retrieved := make([]*RetrievedMessage, len(msgs))
	for i, m := range msgs {
		retrieved[len(msgs)-1-i] = &RetrievedMessage{Message: m}
	}

	span := &MessageSpan{
		StartTurnIndex: retrieved[0].TurnIndex,
		EndTurnIndex:   retrieved[len(retrieved)-1].TurnIndex,
		Messages:       retrieved,
	}
	for _, m := range retrieved {
		span.TokenEstimate += m.TokenEstimate
	}

	result.Spans = []*MessageSpan{span}
	result.Messages = retrieved
	result.TotalTokens = span.TokenEstimate
	return result
}

func (r *Retriever) fallbackLimit(cfg *Config) int {
	if cfg.TokenBudget <= 0 {
		return hardFailureFallbackLimit
	}
	limit := cfg.TokenBudget / fallbackTokensPerMessage
	if limit <= 0 {
		limit = 1
	}
	return limit
}
