package context

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hrygo/contextgate/plugin/ai"
	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/store"
)

const summarySystemPrompt = `You maintain a rolling summary of a conversation.
Merge the previous summary (if any) with the new messages into a single
concise summary. Preserve facts, decisions, names, numbers, and open
questions. Do not add commentary. Keep it under 300 words.`

// Chatter performs a chat completion. Satisfied by ai.LLMService.
type Chatter interface {
	Chat(ctx context.Context, messages []ai.ChatMessage) (string, error)
}

// Summarizer produces and persists rolling conversation summaries.
// Concurrent builds may each generate a summary for the same conversation;
// the last write wins, which is acceptable since summaries are advisory
// compression, not source of truth.
type Summarizer struct {
	llm       Chatter
	store     ConversationStore
	estimator *token.Estimator
}

// NewSummarizer creates a summarizer.
func NewSummarizer(llm Chatter, st ConversationStore, estimator *token.Estimator) *Summarizer {
	return &Summarizer{
		llm:       llm,
		store:     st,
		estimator: estimator,
	}
}

// Summarize folds the given older messages into the previous summary and
// persists the result together with its coverage marker. The new summary
// text is returned even when persisting it fails.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, previous string, older []*store.Message) (string, error) {
	if len(older) == 0 {
		return previous, nil
	}

	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New messages:\n")
	for _, m := range older {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}

	summary, err := s.llm.Chat(ctx, []ai.ChatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}

	s.persist(ctx, conversationID, summary, older[len(older)-1].TurnIndex)
	return summary, nil
}

// persist stores the summary, its token estimate, and the turn index it
// covers. Failure is logged only; the caller still gets the summary.
func (s *Summarizer) persist(ctx context.Context, conversationID string, summary string, coveredTurnIndex int32) {
	summaryTokens := s.estimator.Estimate(summary)
	metadata, err := json.Marshal(store.ConversationMetadata{SummaryTurnIndex: coveredTurnIndex})
	if err != nil {
		slog.Warn("failed to encode summary metadata",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	metadataStr := string(metadata)

	if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:            conversationID,
		Summary:       &summary,
		SummaryTokens: &summaryTokens,
		Metadata:      &metadataStr,
	}); err != nil {
		slog.Warn("failed to persist summary",
			"conversation_id", conversationID,
			"error", err)
	}
}
