package context

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/server/retrieval"
	"github.com/hrygo/contextgate/store"
)

// ConversationStore is the subset of the store the builder needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error)
	UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error)
}

// SpanRetriever retrieves token-budgeted spans for a query. It never
// returns an error; degraded paths are reported through Result.Method.
type SpanRetriever interface {
	RetrieveSpans(ctx context.Context, conversationID string, queryEmbedding []float32, queryText string, cfg *retrieval.Config) *retrieval.Result
}

// Service builds bounded prompt contexts. All dependencies are injected;
// retriever and summarizer are optional and their absence only disables
// the corresponding strategies.
type Service struct {
	config    Config
	store     ConversationStore
	estimator *token.Estimator

	retriever  SpanRetriever
	summarizer *Summarizer

	stats serviceStats
}

type serviceStats struct {
	totalBuilds    int64
	degradedBuilds int64
	totalTokens    int64
}

// NewService creates a context builder service.
func NewService(cfg Config, st ConversationStore, estimator *token.Estimator) *Service {
	defaults := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = defaults.MaxPromptTokens
	}
	if cfg.RecentMaxMessages <= 0 {
		cfg.RecentMaxMessages = defaults.RecentMaxMessages
	}
	if cfg.RecentMinMessages <= 0 {
		cfg.RecentMinMessages = defaults.RecentMinMessages
	}
	if cfg.SummarizationThreshold <= 0 {
		cfg.SummarizationThreshold = defaults.SummarizationThreshold
	}
	if cfg.SpanBudgetRatio <= 0 || cfg.SpanBudgetRatio >= 1 {
		cfg.SpanBudgetRatio = defaults.SpanBudgetRatio
	}

	return &Service{
		config:    cfg,
		store:     st,
		estimator: estimator,
	}
}

// WithRetriever sets the span retriever.
func (s *Service) WithRetriever(r SpanRetriever) *Service {
	s.retriever = r
	return s
}

// WithSummarizer sets the rolling summarizer.
func (s *Service) WithSummarizer(sum *Summarizer) *Service {
	s.summarizer = sum
	return s
}

// Build assembles the context for one turn. It never returns an error for
// persistence or upstream failures; those degrade to a best-effort result
// carrying StrategyDegraded.
func (s *Service) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	atomic.AddInt64(&s.stats.totalBuilds, 1)
	cfg := s.config.Merge(req.Overrides)

	var (
		body     []Message
		metadata BuildMetadata
		strategy = cfg.Strategy
		err      error
	)

	switch cfg.Strategy {
	case StrategyFull:
		body, metadata, err = s.buildFull(ctx, req)
	case StrategyLastN:
		body, metadata, err = s.buildLastN(ctx, req, cfg)
	case StrategySpanRetrieval:
		body, metadata, err = s.buildSpanRetrieval(ctx, req, cfg)
	default:
		body, metadata, err = s.buildSummaryRecent(ctx, req, cfg)
	}
	if err != nil {
		slog.Warn("context build degraded",
			"conversation_id", req.ConversationID,
			"strategy", cfg.Strategy,
			"error", err)
		atomic.AddInt64(&s.stats.degradedBuilds, 1)
		body, metadata = s.buildDegraded(ctx, req, cfg)
		strategy = StrategyDegraded
	}

	result := s.assemble(req, cfg, strategy, body, metadata)
	atomic.AddInt64(&s.stats.totalTokens, int64(result.TotalTokens))
	return result, nil
}

// GetStats returns cumulative build statistics.
func (s *Service) GetStats() *BuildStats {
	builds := atomic.LoadInt64(&s.stats.totalBuilds)
	stats := &BuildStats{
		TotalBuilds:    builds,
		DegradedBuilds: atomic.LoadInt64(&s.stats.degradedBuilds),
	}
	if builds > 0 {
		stats.AverageTokens = float64(atomic.LoadInt64(&s.stats.totalTokens)) / float64(builds)
	}
	return stats
}

// historyBound returns a MaxTurnIndex filter that keeps the in-flight turn
// out of history listings. assemble appends the current message itself; a
// listing that returned it too would double it. Nil when the current turn
// index is unknown; trimCurrent covers that case.
func historyBound(req *BuildRequest) *int32 {
	if req.CurrentTurnIndex < 0 {
		return nil
	}
	bound := req.CurrentTurnIndex - 1
	return &bound
}

// trimCurrent drops a trailing stored copy of the current message. When the
// current turn index is unknown the insert was duplicate-suppressed or
// failed; in the suppressed case the newest stored user message with
// identical content is the in-flight turn itself.
func trimCurrent(msgs []*store.Message, req *BuildRequest) []*store.Message {
	if req.CurrentTurnIndex >= 0 {
		return msgs
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == store.MessageRoleUser && last.Content == req.CurrentMessage {
			return msgs[:n-1]
		}
	}
	return msgs
}

// buildFull loads every persisted message before the current turn in order.
func (s *Service) buildFull(ctx context.Context, req *BuildRequest) ([]Message, BuildMetadata, error) {
	msgs, err := s.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &req.ConversationID,
		MaxTurnIndex:   historyBound(req),
	})
	if err != nil {
		return nil, BuildMetadata{}, err
	}
	body := toMessages(trimCurrent(msgs, req))
	return body, BuildMetadata{RecentMessagesIncluded: len(body)}, nil
}

// buildLastN loads only the most recent messages.
func (s *Service) buildLastN(ctx context.Context, req *BuildRequest, cfg Config) ([]Message, BuildMetadata, error) {
	msgs, err := s.recentMessages(ctx, req, cfg.RecentMaxMessages)
	if err != nil {
		return nil, BuildMetadata{}, err
	}
	body := toMessages(msgs)
	return body, BuildMetadata{RecentMessagesIncluded: len(body)}, nil
}

// buildSummaryRecent compresses older history into a rolling summary when
// its token mass crosses the threshold, then appends the recent window.
func (s *Service) buildSummaryRecent(ctx context.Context, req *BuildRequest, cfg Config) ([]Message, BuildMetadata, error) {
	all, err := s.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &req.ConversationID,
		MaxTurnIndex:   historyBound(req),
	})
	if err != nil {
		return nil, BuildMetadata{}, err
	}
	all = trimCurrent(all, req)

	var metadata BuildMetadata

	recent := all
	var older []*store.Message
	if len(all) > cfg.RecentMaxMessages {
		cut := len(all) - cfg.RecentMaxMessages
		older, recent = all[:cut], all[cut:]
	}

	olderTokens := 0
	for _, m := range older {
		olderTokens += m.TokenEstimate
	}

	body := make([]Message, 0, len(all)+1)
	if olderTokens <= cfg.SummarizationThreshold {
		// Older mass is small enough to carry verbatim; the final budget
		// pass still bounds the total.
		body = append(body, toMessages(older)...)
	} else {
		summary, triggered := s.resolveSummary(ctx, req.ConversationID, older)
		if summary != "" {
			body = append(body, Message{Role: "system", Content: summary})
			metadata.SummaryIncluded = true
		} else {
			// No summarizer or summarization failed; recent window only.
			slog.Debug("proceeding without summary",
				"conversation_id", req.ConversationID,
				"older_tokens", olderTokens)
		}
		metadata.SummarizationTriggered = triggered
	}
	body = append(body, toMessages(recent)...)
	metadata.RecentMessagesIncluded = len(recent)
	return body, metadata, nil
}

// resolveSummary returns a summary covering the older messages, reusing the
// stored one when it already covers them. The bool reports whether a new
// summary was generated during this call.
func (s *Service) resolveSummary(ctx context.Context, conversationID string, older []*store.Message) (string, bool) {
	if len(older) == 0 {
		return "", false
	}
	boundary := older[len(older)-1].TurnIndex

	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Warn("failed to load conversation for summary",
			"conversation_id", conversationID,
			"error", err)
		conversation = nil
	}
	if conversation != nil && conversation.Summary != "" {
		if conversation.ParseMetadata().SummaryTurnIndex >= boundary {
			return conversation.Summary, false
		}
	}

	if s.summarizer == nil {
		return "", false
	}
	var previous string
	if conversation != nil {
		previous = conversation.Summary
	}
	summary, err := s.summarizer.Summarize(ctx, conversationID, previous, older)
	if err != nil {
		slog.Warn("summarization failed",
			"conversation_id", conversationID,
			"error", err)
		// A stale summary still beats nothing.
		return previous, false
	}
	return summary, true
}

// buildSpanRetrieval reserves part of the budget for retrieved spans and
// fills the rest with the recent window, merged by turn index.
func (s *Service) buildSpanRetrieval(ctx context.Context, req *BuildRequest, cfg Config) ([]Message, BuildMetadata, error) {
	recent, err := s.recentMessages(ctx, req, cfg.RecentMaxMessages)
	if err != nil {
		return nil, BuildMetadata{}, err
	}

	var metadata BuildMetadata
	merged := make(map[string]*store.Message, len(recent))
	for _, m := range recent {
		merged[m.ID] = m
	}
	metadata.RecentMessagesIncluded = len(recent)

	if s.retriever != nil {
		rcfg := retrieval.DefaultConfig()
		rcfg.TokenBudget = int(float64(cfg.MaxPromptTokens) * cfg.SpanBudgetRatio)
		if req.CurrentTurnIndex >= 0 {
			idx := req.CurrentTurnIndex
			rcfg.ExcludeTurnIndex = &idx
		}
		result := s.retriever.RetrieveSpans(ctx, req.ConversationID, nil, req.CurrentMessage, rcfg)
		metadata.SpansRetrieved = len(result.Spans)
		for _, m := range result.Messages {
			merged[m.ID] = m.Message
		}
	}

	ordered := make([]*store.Message, 0, len(merged))
	for _, m := range merged {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].TurnIndex < ordered[j].TurnIndex
	})
	// Retrieval can surface a duplicate-suppressed copy of the current turn.
	ordered = trimCurrent(ordered, req)

	return toMessages(ordered), metadata, nil
}

// buildDegraded is the last resort after a persistence failure: recent
// messages if they can still be read, otherwise nothing.
func (s *Service) buildDegraded(ctx context.Context, req *BuildRequest, cfg Config) ([]Message, BuildMetadata) {
	msgs, err := s.recentMessages(ctx, req, cfg.RecentMinMessages)
	if err != nil {
		return nil, BuildMetadata{}
	}
	body := toMessages(msgs)
	return body, BuildMetadata{RecentMessagesIncluded: len(body)}
}

// assemble prepends the system prompt, appends the current message, and
// funnels everything through one token-budget enforcement pass.
func (s *Service) assemble(req *BuildRequest, cfg Config, strategy Strategy, body []Message, metadata BuildMetadata) *BuildResult {
	prefix := 0
	msgs := make([]Message, 0, len(body)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
		prefix++
	}
	if metadata.SummaryIncluded && len(body) > 0 && body[0].Role == "system" {
		// The synthetic summary message belongs to the protected prefix.
		prefix++
	}
	msgs = append(msgs, body...)
	msgs = append(msgs, Message{Role: "user", Content: req.CurrentMessage})

	fitted := s.truncate(msgs, cfg.MaxPromptTokens, prefix)
	if dropped := len(msgs) - len(fitted); dropped > 0 {
		metadata.RecentMessagesIncluded -= dropped
		if metadata.RecentMessagesIncluded < 0 {
			metadata.RecentMessagesIncluded = 0
		}
	}

	total := s.estimator.EstimateMessages(toTokenMessages(fitted))
	metadata.TokenBudget = cfg.MaxPromptTokens
	metadata.TokenUsed = total

	return &BuildResult{
		Messages:    fitted,
		TotalTokens: total,
		Strategy:    strategy,
		Metadata:    metadata,
	}
}

func (s *Service) truncate(msgs []Message, budget int, keepFirst int) []Message {
	fitted := s.estimator.TruncateToFit(toTokenMessages(msgs), budget, keepFirst)
	out := make([]Message, len(fitted))
	for i, m := range fitted {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// recentMessages returns the newest limit history messages in chronological
// order, excluding the in-flight turn.
func (s *Service) recentMessages(ctx context.Context, req *BuildRequest, limit int) ([]*store.Message, error) {
	msgs, err := s.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &req.ConversationID,
		MaxTurnIndex:   historyBound(req),
		Limit:          limit,
		OrderDesc:      true,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return trimCurrent(msgs, req), nil
}

func toMessages(msgs []*store.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func toTokenMessages(msgs []Message) []token.Message {
	out := make([]token.Message, len(msgs))
	for i, m := range msgs {
		out[i] = token.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
