package v1

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aicontext "github.com/hrygo/contextgate/plugin/ai/context"
	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/store"
)

type fakeChatStore struct {
	conversations map[string]*store.Conversation
	messages      []*store.Message
	nextTurn      int32
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{conversations: map[string]*store.Conversation{}}
}

func (f *fakeChatStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	return f.conversations[id], nil
}

func (f *fakeChatStore) CreateConversation(_ context.Context, create *store.Conversation) (*store.Conversation, error) {
	f.conversations[create.ID] = create
	return create, nil
}

func (f *fakeChatStore) CreateMessage(_ context.Context, create *store.Message) (*store.Message, error) {
	create.TurnIndex = f.nextTurn
	f.nextTurn++
	f.messages = append(f.messages, create)
	return create, nil
}

func (f *fakeChatStore) HasRecentDuplicate(_ context.Context, conversationID string, role store.MessageRole, content string, sinceTs int64) (bool, error) {
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.Role == role && m.Content == content && m.CreatedTs >= sinceTs {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeChatStore) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
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

func (f *fakeChatStore) UpdateConversation(_ context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	conversation := f.conversations[update.ID]
	if conversation != nil && update.Summary != nil {
		conversation.Summary = *update.Summary
	}
	return conversation, nil
}

type fakeBuilder struct {
	result  *aicontext.BuildResult
	lastReq *aicontext.BuildRequest
}

func (f *fakeBuilder) Build(_ context.Context, req *aicontext.BuildRequest) (*aicontext.BuildResult, error) {
	f.lastReq = req
	return f.result, nil
}

type fakeEnqueuer struct {
	ids []string
}

func (f *fakeEnqueuer) Enqueue(id string) {
	f.ids = append(f.ids, id)
}

func newTestService(st *fakeChatStore, builder *fakeBuilder, enq *fakeEnqueuer) *ChatService {
	var enqueuer EmbeddingEnqueuer
	if enq != nil {
		enqueuer = enq
	}
	return NewChatService(st, builder, token.NewEstimator(nil), enqueuer)
}

func TestOptimizeContextValidation(t *testing.T) {
	svc := newTestService(newFakeChatStore(), &fakeBuilder{}, nil)

	t.Run("empty message list is rejected", func(t *testing.T) {
		_, err := svc.OptimizeContext(context.Background(), &OptimizeRequest{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("non-user final message is rejected", func(t *testing.T) {
		_, err := svc.OptimizeContext(context.Background(), &OptimizeRequest{
			Messages: []ChatMessage{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "hello"},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown role is rejected", func(t *testing.T) {
		_, err := svc.OptimizeContext(context.Background(), &OptimizeRequest{
			Messages: []ChatMessage{
				{Role: "wizard", Content: "abracadabra"},
				{Role: "user", Content: "hi"},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestOptimizeContextStateless(t *testing.T) {
	st := newFakeChatStore()
	svc := newTestService(st, &fakeBuilder{}, nil)

	input := []ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "What is the capital of France?"},
	}
	resp, err := svc.OptimizeContext(context.Background(), &OptimizeRequest{Messages: input})

	require.NoError(t, err)
	assert.Equal(t, "stateless", resp.Strategy)
	assert.Equal(t, input, resp.Messages)
	assert.Equal(t, 0, resp.TokenStats.Saved)
	assert.Greater(t, resp.TokenStats.Total, 0)
	// Nothing was persisted.
	assert.Empty(t, st.messages)
	assert.Empty(t, st.conversations)
}

func TestOptimizeContextStateful(t *testing.T) {
	newRequest := func() *OptimizeRequest {
		return &OptimizeRequest{
			ConversationID: "conv-1",
			ProjectID:      "proj-9",
			Messages: []ChatMessage{
				{Role: "system", Content: "You are helpful."},
				{Role: "user", Content: "What did we decide about caching?"},
			},
		}
	}
	builderResult := &aicontext.BuildResult{
		Messages: []aicontext.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "What did we decide about caching?"},
		},
		TotalTokens: 25,
		Strategy:    aicontext.StrategySummaryRecent,
		Metadata:    aicontext.BuildMetadata{TokenBudget: 4096, TokenUsed: 25},
	}

	t.Run("creates conversation and persists non-system messages", func(t *testing.T) {
		st := newFakeChatStore()
		builder := &fakeBuilder{result: builderResult}
		enq := &fakeEnqueuer{}
		svc := newTestService(st, builder, enq)

		resp, err := svc.OptimizeContext(context.Background(), newRequest())

		require.NoError(t, err)
		assert.Equal(t, string(aicontext.StrategySummaryRecent), resp.Strategy)
		require.Contains(t, st.conversations, "conv-1")
		assert.Equal(t, "proj-9", st.conversations["conv-1"].ProjectID)
		// Only the user message was persisted, not the system prompt.
		require.Len(t, st.messages, 1)
		assert.Equal(t, store.MessageRoleUser, st.messages[0].Role)
		assert.Len(t, enq.ids, 1)
		// The builder saw the system prompt and the current turn index.
		assert.Equal(t, "You are helpful.", builder.lastReq.SystemPrompt)
		assert.Equal(t, int32(0), builder.lastReq.CurrentTurnIndex)
	})

	t.Run("retry within window is suppressed", func(t *testing.T) {
		st := newFakeChatStore()
		svc := newTestService(st, &fakeBuilder{result: builderResult}, nil)

		_, err := svc.OptimizeContext(context.Background(), newRequest())
		require.NoError(t, err)
		_, err = svc.OptimizeContext(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Len(t, st.messages, 1)
	})

	t.Run("old identical message is not a duplicate", func(t *testing.T) {
		st := newFakeChatStore()
		svc := newTestService(st, &fakeBuilder{result: builderResult}, nil)

		_, err := svc.OptimizeContext(context.Background(), newRequest())
		require.NoError(t, err)
		st.messages[0].CreatedTs = time.Now().Add(-2 * time.Minute).Unix()
		_, err = svc.OptimizeContext(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Len(t, st.messages, 2)
	})

	t.Run("tokens saved is floored at zero", func(t *testing.T) {
		st := newFakeChatStore()
		expensive := &aicontext.BuildResult{
			Messages:    builderResult.Messages,
			TotalTokens: 1 << 20,
			Strategy:    aicontext.StrategyFull,
			Metadata:    aicontext.BuildMetadata{TokenBudget: 4096},
		}
		svc := newTestService(st, &fakeBuilder{result: expensive}, nil)

		resp, err := svc.OptimizeContext(context.Background(), newRequest())

		require.NoError(t, err)
		assert.Equal(t, 0, resp.TokenStats.Saved)
	})

	t.Run("token stats break down the total", func(t *testing.T) {
		st := newFakeChatStore()
		svc := newTestService(st, &fakeBuilder{result: builderResult}, nil)

		resp, err := svc.OptimizeContext(context.Background(), newRequest())

		require.NoError(t, err)
		assert.Equal(t, 25, resp.TokenStats.Total)
		assert.Greater(t, resp.TokenStats.System, 0)
		assert.Greater(t, resp.TokenStats.CurrentMessage, 0)
		assert.GreaterOrEqual(t, resp.TokenStats.Context, 0)
		assert.Equal(t, 4096, resp.TokenStats.Budget)
	})

	t.Run("strategy override reaches the builder", func(t *testing.T) {
		st := newFakeChatStore()
		builder := &fakeBuilder{result: builderResult}
		svc := newTestService(st, builder, nil)

		req := newRequest()
		req.ContextStrategy = "last-n"
		req.MaxContextTokens = 2048
		_, err := svc.OptimizeContext(context.Background(), req)

		require.NoError(t, err)
		require.NotNil(t, builder.lastReq.Overrides)
		require.NotNil(t, builder.lastReq.Overrides.Strategy)
		assert.Equal(t, aicontext.StrategyLastN, *builder.lastReq.Overrides.Strategy)
		require.NotNil(t, builder.lastReq.Overrides.MaxPromptTokens)
		assert.Equal(t, 2048, *builder.lastReq.Overrides.MaxPromptTokens)
	})
}

func TestRecordAssistantReply(t *testing.T) {
	t.Run("persists reply and enqueues embedding", func(t *testing.T) {
		st := newFakeChatStore()
		enq := &fakeEnqueuer{}
		svc := newTestService(st, &fakeBuilder{}, enq)

		svc.RecordAssistantReply(context.Background(), "conv-1", "The capital is Paris.")

		require.Len(t, st.messages, 1)
		assert.Equal(t, store.MessageRoleAssistant, st.messages[0].Role)
		assert.Len(t, enq.ids, 1)
		assert.Equal(t, st.messages[0].ID, enq.ids[0])
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		st := newFakeChatStore()
		svc := newTestService(st, &fakeBuilder{}, nil)

		svc.RecordAssistantReply(context.Background(), "", "text")
		svc.RecordAssistantReply(context.Background(), "conv-1", "")

		assert.Empty(t, st.messages)
	})
}
