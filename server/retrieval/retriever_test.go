package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/contextgate/store"
)

type fakeStore struct {
	messages    []*store.Message
	hits        []*store.MessageWithScore
	searchErr   error
	listErr     error
	listCalls   int
	searchCalls int
}

func (f *fakeStore) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	matched := make([]*store.Message, 0)
	for _, m := range f.messages {
		if find.ConversationID != nil && m.ConversationID != *find.ConversationID {
			continue
		}
		if find.MinTurnIndex != nil && m.TurnIndex < *find.MinTurnIndex {
			continue
		}
		if find.MaxTurnIndex != nil && m.TurnIndex > *find.MaxTurnIndex {
			continue
		}
		excluded := false
		for _, role := range find.ExcludeRoles {
			if m.Role == role {
				excluded = true
			}
		}
		if excluded {
			continue
		}
		matched = append(matched, m)
	}
	if find.OrderDesc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if find.Limit > 0 && len(matched) > find.Limit {
		matched = matched[:find.Limit]
	}
	return matched, nil
}

func (f *fakeStore) VectorSearch(_ context.Context, _ *store.VectorSearchOptions) ([]*store.MessageWithScore, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vector, f.err
}

func seedMessages(n int, tokensEach int) []*store.Message {
	msgs := make([]*store.Message, 0, n)
	for i := 0; i < n; i++ {
		role := store.MessageRoleUser
		if i%2 == 1 {
			role = store.MessageRoleAssistant
		}
		msgs = append(msgs, &store.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-1",
			Role:           role,
			Content:        fmt.Sprintf("turn %d content", i),
			TurnIndex:      int32(i),
			TokenEstimate:  tokensEach,
		})
	}
	return msgs
}

func anchorAt(msgs []*store.Message, turn int32, score float32) *store.MessageWithScore {
	for _, m := range msgs {
		if m.TurnIndex == turn {
			return &store.MessageWithScore{Message: m, Score: score}
		}
	}
	return nil
}

func TestExpandRanges(t *testing.T) {
	msgs := seedMessages(30, 10)

	t.Run("touching ranges merge into one", func(t *testing.T) {
		anchors := []*store.MessageWithScore{
			anchorAt(msgs, 10, 0.9),
			anchorAt(msgs, 12, 0.8),
		}
		ranges := expandRanges(anchors, 2)
		require.Len(t, ranges, 1)
		assert.Equal(t, int32(8), ranges[0].start)
		assert.Equal(t, int32(14), ranges[0].end)
		assert.Len(t, ranges[0].anchors, 2)
	})

	t.Run("gap of one still merges", func(t *testing.T) {
		// [8,12] and [13,17] touch across the gap.
		anchors := []*store.MessageWithScore{
			anchorAt(msgs, 10, 0.9),
			anchorAt(msgs, 15, 0.8),
		}
		ranges := expandRanges(anchors, 2)
		require.Len(t, ranges, 1)
		assert.Equal(t, int32(8), ranges[0].start)
		assert.Equal(t, int32(17), ranges[0].end)
	})

	t.Run("gap above one keeps ranges apart", func(t *testing.T) {
		anchors := []*store.MessageWithScore{
			anchorAt(msgs, 5, 0.9),
			anchorAt(msgs, 20, 0.8),
		}
		ranges := expandRanges(anchors, 2)
		require.Len(t, ranges, 2)
		assert.Equal(t, int32(3), ranges[0].start)
		assert.Equal(t, int32(18), ranges[1].start)
	})

	t.Run("range start clamps at zero", func(t *testing.T) {
		anchors := []*store.MessageWithScore{anchorAt(msgs, 1, 0.9)}
		ranges := expandRanges(anchors, 2)
		require.Len(t, ranges, 1)
		assert.Equal(t, int32(0), ranges[0].start)
	})
}

func TestRetrieveSpans(t *testing.T) {
	ctx := context.Background()
	msgs := seedMessages(30, 10)

	t.Run("overlapping anchors yield one merged span", func(t *testing.T) {
		st := &fakeStore{
			messages: msgs,
			hits: []*store.MessageWithScore{
				anchorAt(msgs, 10, 0.9),
				anchorAt(msgs, 12, 0.8),
			},
		}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1, 0.2}, "", DefaultConfig())

		assert.Equal(t, MethodEmbedding, result.Method)
		require.Len(t, result.Spans, 1)
		assert.Equal(t, 2, result.Spans[0].AnchorCount)
		assert.Equal(t, 2, result.AnchorCount)
		assert.Equal(t, int32(8), result.Spans[0].StartTurnIndex)
		assert.Equal(t, int32(14), result.Spans[0].EndTurnIndex)
	})

	t.Run("anchors carry scores and flags", func(t *testing.T) {
		st := &fakeStore{
			messages: msgs,
			hits:     []*store.MessageWithScore{anchorAt(msgs, 10, 0.95)},
		}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1}, "", DefaultConfig())

		require.Len(t, result.Spans, 1)
		anchors := 0
		for _, m := range result.Messages {
			if m.IsAnchor {
				anchors++
				assert.Equal(t, float32(0.95), m.Score)
				assert.Equal(t, int32(10), m.TurnIndex)
			}
		}
		assert.Equal(t, 1, anchors)
	})

	t.Run("spans come back in chronological order", func(t *testing.T) {
		st := &fakeStore{
			messages: msgs,
			hits: []*store.MessageWithScore{
				anchorAt(msgs, 25, 0.9),
				anchorAt(msgs, 5, 0.8),
			},
		}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1}, "", DefaultConfig())

		require.Len(t, result.Spans, 2)
		assert.Less(t, result.Spans[0].StartTurnIndex, result.Spans[1].StartTurnIndex)
	})

	t.Run("query text is embedded when no vector given", func(t *testing.T) {
		st := &fakeStore{
			messages: msgs,
			hits:     []*store.MessageWithScore{anchorAt(msgs, 10, 0.9)},
		}
		r := NewRetriever(st, &fakeEmbedder{vector: []float32{0.5}})

		result := r.RetrieveSpans(ctx, "conv-1", nil, "what about turn ten", DefaultConfig())

		assert.Equal(t, MethodEmbedding, result.Method)
		assert.Equal(t, 1, st.searchCalls)
	})
}

func TestRetrieveSpansFallback(t *testing.T) {
	ctx := context.Background()
	msgs := seedMessages(30, 10)

	t.Run("embedder failure falls back to recent", func(t *testing.T) {
		st := &fakeStore{messages: msgs}
		r := NewRetriever(st, &fakeEmbedder{err: errors.New("service down")})

		result := r.RetrieveSpans(ctx, "conv-1", nil, "query", DefaultConfig())

		assert.Equal(t, MethodFallbackRecent, result.Method)
		assert.Equal(t, 0, result.AnchorCount)
		assert.Equal(t, 0, st.searchCalls)
		assert.NotEmpty(t, result.Messages)
		// Chronological order, ending at the newest turn.
		last := result.Messages[len(result.Messages)-1]
		assert.Equal(t, int32(29), last.TurnIndex)
	})

	t.Run("vector search failure falls back to recent", func(t *testing.T) {
		st := &fakeStore{messages: msgs, searchErr: errors.New("no vector index")}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1}, "", DefaultConfig())

		assert.Equal(t, MethodFallbackRecent, result.Method)
		assert.NotEmpty(t, result.Messages)
	})

	t.Run("no similarity hits falls back to recent", func(t *testing.T) {
		st := &fakeStore{messages: msgs}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1}, "", DefaultConfig())

		assert.Equal(t, MethodFallbackRecent, result.Method)
	})

	t.Run("fallback limit derives from budget", func(t *testing.T) {
		st := &fakeStore{messages: msgs}
		r := NewRetriever(st, nil)
		cfg := DefaultConfig()
		cfg.TokenBudget = 500

		result := r.RetrieveSpans(ctx, "conv-1", nil, "", cfg)

		assert.Equal(t, MethodFallbackRecent, result.Method)
		assert.Len(t, result.Messages, 5)
	})

	t.Run("empty conversation yields empty result", func(t *testing.T) {
		st := &fakeStore{}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-empty", nil, "", DefaultConfig())

		assert.Equal(t, MethodFallbackRecent, result.Method)
		assert.Empty(t, result.Messages)
		assert.Empty(t, result.Spans)
		assert.Equal(t, 0, result.TotalTokens)
	})

	t.Run("store failure yields empty result, not an error", func(t *testing.T) {
		st := &fakeStore{listErr: errors.New("connection refused"), searchErr: errors.New("connection refused")}
		r := NewRetriever(st, nil)

		result := r.RetrieveSpans(ctx, "conv-1", []float32{0.1}, "", DefaultConfig())

		require.NotNil(t, result)
		assert.Equal(t, MethodFallbackRecent, result.Method)
		assert.Empty(t, result.Messages)
	})
}

func TestSelectWithinBudget(t *testing.T) {
	msgs := seedMessages(30, 10)

	buildSpans := func() []*MessageSpan {
		hits1 := []*store.MessageWithScore{anchorAt(msgs, 5, 0.9)}
		hits2 := []*store.MessageWithScore{anchorAt(msgs, 15, 0.8), anchorAt(msgs, 16, 0.7)}
		spans := make([]*MessageSpan, 0, 2)
		for _, hits := range [][]*store.MessageWithScore{hits1, hits2} {
			for _, rg := range expandRanges(hits, 2) {
				var inRange []*store.Message
				for _, m := range msgs {
					if m.TurnIndex >= rg.start && m.TurnIndex <= rg.end {
						inRange = append(inRange, m)
					}
				}
				spans = append(spans, newSpan(rg, inRange))
			}
		}
		return spans
	}

	t.Run("more anchors wins under tight budget", func(t *testing.T) {
		spans := buildSpans()
		// Only the two-anchor span (6 messages, 60 tokens) fits whole.
		selected := selectWithinBudget(spans, 60)
		require.NotEmpty(t, selected)
		assert.Equal(t, 2, selected[0].AnchorCount)
	})

	t.Run("budget monotonicity", func(t *testing.T) {
		spans := buildSpans()
		prevSpans, prevTokens := len(spans)+1, 1<<30
		for _, budget := range []int{200, 110, 60, 30, 10, 0} {
			selected := selectWithinBudget(spans, budget)
			tokens := 0
			for _, s := range selected {
				tokens += s.TokenEstimate
			}
			assert.LessOrEqual(t, len(selected), prevSpans, "budget %d", budget)
			assert.LessOrEqual(t, tokens, prevTokens, "budget %d", budget)
			prevSpans, prevTokens = len(selected), tokens
		}
	})

	t.Run("partial span expands outward from anchor", func(t *testing.T) {
		spans := buildSpans()
		// 30 tokens fit three messages of the best span; the anchor at
		// turn 15 must be among them.
		selected := selectWithinBudget(spans, 30)
		require.Len(t, selected, 1)
		assert.Len(t, selected[0].Messages, 3)
		hasAnchor := false
		for _, m := range selected[0].Messages {
			if m.IsAnchor && m.TurnIndex == 15 {
				hasAnchor = true
			}
		}
		assert.True(t, hasAnchor)
	})

	t.Run("oversized neighbor closes only its own direction", func(t *testing.T) {
		span := &MessageSpan{StartTurnIndex: 10, EndTurnIndex: 14}
		for _, m := range []struct {
			turn   int32
			tokens int
			anchor bool
		}{
			{10, 10, false},
			{11, 10, false},
			{12, 10, true},
			{13, 100, false},
			{14, 10, false},
		} {
			rm := &RetrievedMessage{
				Message:  &store.Message{TurnIndex: m.turn, TokenEstimate: m.tokens},
				IsAnchor: m.anchor,
			}
			if m.anchor {
				rm.Score = 0.9
				span.AnchorCount++
				span.SumScore += rm.Score
			}
			span.TokenEstimate += m.tokens
			span.Messages = append(span.Messages, rm)
		}

		// The heavy turn 13 stops the rightward walk; the left side still
		// fills down to the span start.
		partial := partialSpan(span, 40)
		require.NotNil(t, partial)
		require.Len(t, partial.Messages, 3)
		assert.Equal(t, int32(10), partial.StartTurnIndex)
		assert.Equal(t, int32(12), partial.EndTurnIndex)
		assert.Equal(t, 30, partial.TokenEstimate)
	})

	t.Run("zero budget selects nothing", func(t *testing.T) {
		assert.Empty(t, selectWithinBudget(buildSpans(), 0))
	})
}
