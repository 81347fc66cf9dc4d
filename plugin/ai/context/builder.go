// Package context assembles bounded message lists for LLM prompts.
// It selects a strategy (verbatim, recency-bounded, summary plus recency,
// or span retrieval), invokes retrieval and summarization as needed, and
// enforces the token budget on the assembled list.
package context

// Strategy identifies how the context was assembled.
type Strategy string

const (
	// StrategyFull includes every persisted message plus the current one.
	StrategyFull Strategy = "full"
	// StrategyLastN includes only the most recent messages.
	StrategyLastN Strategy = "last-n"
	// StrategySummaryRecent compresses older history into a rolling summary.
	StrategySummaryRecent Strategy = "summary+recent"
	// StrategySpanRetrieval mixes semantically retrieved spans with recency.
	StrategySpanRetrieval Strategy = "span-retrieval"
	// StrategyDegraded marks a best-effort result built after a failure.
	StrategyDegraded Strategy = "degraded"
)

// Message is a prompt message in role/content form.
type Message struct {
	Role    string
	Content string
}

// BuildRequest describes one context build.
type BuildRequest struct {
	ConversationID string
	// SystemPrompt is the caller-supplied system message, if any. It is
	// never persisted and always survives truncation.
	SystemPrompt string
	// CurrentMessage is the user message being answered. It is always the
	// final entry of the result.
	CurrentMessage string
	// CurrentTurnIndex is the persisted turn index of the current message,
	// excluded from similarity search. Negative when unknown.
	CurrentTurnIndex int32
	ModelID          string
	Overrides        *Overrides
}

// BuildMetadata describes how the result was assembled.
type BuildMetadata struct {
	RecentMessagesIncluded int
	SpansRetrieved         int
	SummaryIncluded        bool
	SummarizationTriggered bool
	TokenBudget            int
	TokenUsed              int
}

// BuildResult is the ordered, bounded message list for the prompt. It is
// never persisted.
type BuildResult struct {
	Messages    []Message
	TotalTokens int
	Strategy    Strategy
	Metadata    BuildMetadata
}

// BuildStats tracks cumulative builder metrics.
type BuildStats struct {
	TotalBuilds    int64
	DegradedBuilds int64
	AverageTokens  float64
}

// Config holds the tunables for context building.
type Config struct {
	Strategy               Strategy
	MaxPromptTokens        int
	RecentMaxMessages      int
	RecentMinMessages      int
	SummarizationThreshold int
	// SpanBudgetRatio is the fraction of the budget reserved for retrieved
	// spans under span-retrieval; the rest goes to recent messages.
	SpanBudgetRatio float64
}

// Overrides are per-request config adjustments. Nil fields keep the base
// value.
type Overrides struct {
	Strategy               *Strategy
	MaxPromptTokens        *int
	RecentMaxMessages      *int
	SummarizationThreshold *int
	SpanBudgetRatio        *float64
}

// DefaultConfig returns the standard build settings.
func DefaultConfig() Config {
	return Config{
		Strategy:               StrategySummaryRecent,
		MaxPromptTokens:        4096,
		RecentMaxMessages:      20,
		RecentMinMessages:      4,
		SummarizationThreshold: 1500,
		SpanBudgetRatio:        0.4,
	}
}

// Merge applies overrides to a base config and returns the result. The
// receiver is not modified.
func (c Config) Merge(o *Overrides) Config {
	if o == nil {
		return c
	}
	if o.Strategy != nil && isValidStrategy(*o.Strategy) {
		c.Strategy = *o.Strategy
	}
	if o.MaxPromptTokens != nil && *o.MaxPromptTokens > 0 {
		c.MaxPromptTokens = *o.MaxPromptTokens
	}
	if o.RecentMaxMessages != nil && *o.RecentMaxMessages > 0 {
		c.RecentMaxMessages = *o.RecentMaxMessages
		if c.RecentMaxMessages < c.RecentMinMessages {
			c.RecentMinMessages = c.RecentMaxMessages
		}
	}
	if o.SummarizationThreshold != nil && *o.SummarizationThreshold > 0 {
		c.SummarizationThreshold = *o.SummarizationThreshold
	}
	if o.SpanBudgetRatio != nil && *o.SpanBudgetRatio > 0 && *o.SpanBudgetRatio < 1 {
		c.SpanBudgetRatio = *o.SpanBudgetRatio
	}
	return c
}

func isValidStrategy(s Strategy) bool {
	switch s {
	case StrategyFull, StrategyLastN, StrategySummaryRecent, StrategySpanRetrieval:
		return true
	}
	return false
}
