package v1

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aicontext "github.com/hrygo/contextgate/plugin/ai/context"
	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/store"
)

// newEndToEndService wires the chat service to a real context builder over
// the same store, exercising the persist-then-build seam.
func newEndToEndService(st *fakeChatStore) *ChatService {
	estimator := token.NewEstimator(nil)
	builder := aicontext.NewService(aicontext.DefaultConfig(), st, estimator)
	return NewChatService(st, builder, estimator, nil)
}

// seedHistory persists prior turns directly and returns their wire shapes,
// as a client replaying its transcript would send them.
func seedHistory(t *testing.T, st *fakeChatStore, conversationID string, pairs int, tokensEach int) []ChatMessage {
	t.Helper()
	now := time.Now().Unix()
	history := make([]ChatMessage, 0, pairs*2)
	for i := 0; i < pairs*2; i++ {
		role := "user"
		content := fmt.Sprintf("question number %d about the deployment", i/2)
		if i%2 == 1 {
			role = "assistant"
			content = fmt.Sprintf("answer number %d with full detail", i/2)
		}
		_, err := st.CreateMessage(context.Background(), &store.Message{
			ID:             fmt.Sprintf("seed-%d", i),
			ConversationID: conversationID,
			Role:           store.MessageRole(role),
			Content:        content,
			TokenEstimate:  tokensEach,
			CreatedTs:      now,
		})
		require.NoError(t, err)
		history = append(history, ChatMessage{Role: role, Content: content})
	}
	return history
}

func countContent(msgs []ChatMessage, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
		}
	}
	return n
}

func TestOptimizeContextEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("small conversation with full strategy", func(t *testing.T) {
		st := newFakeChatStore()
		_, err := st.CreateConversation(ctx, &store.Conversation{ID: "conv-1"})
		require.NoError(t, err)
		now := time.Now().Unix()
		for i, m := range []struct {
			role, content string
		}{
			{"user", "Hello"},
			{"assistant", "Hi there!"},
		} {
			_, err := st.CreateMessage(ctx, &store.Message{
				ID:             fmt.Sprintf("seed-%d", i),
				ConversationID: "conv-1",
				Role:           store.MessageRole(m.role),
				Content:        m.content,
				TokenEstimate:  5,
				CreatedTs:      now,
			})
			require.NoError(t, err)
		}

		svc := newEndToEndService(st)
		req := &OptimizeRequest{
			ConversationID:  "conv-1",
			ContextStrategy: "full",
			Messages: []ChatMessage{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi there!"},
				{Role: "user", Content: "How are you?"},
			},
		}

		resp, err := svc.OptimizeContext(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "full", resp.Strategy)
		require.Len(t, resp.Messages, 3)
		assert.Equal(t, "Hello", resp.Messages[0].Content)
		assert.Equal(t, "Hi there!", resp.Messages[1].Content)
		assert.Equal(t, "How are you?", resp.Messages[2].Content)
		assert.Equal(t, 1, countContent(resp.Messages, "How are you?"))

		// A retry inside the duplicate window is suppressed at persistence;
		// the earlier stored copy must not double the current message.
		resp, err = svc.OptimizeContext(ctx, req)
		require.NoError(t, err)
		require.Len(t, resp.Messages, 3)
		assert.Equal(t, "How are you?", resp.Messages[2].Content)
		assert.Equal(t, 1, countContent(resp.Messages, "How are you?"))
	})

	t.Run("long conversation shrinks under default strategy", func(t *testing.T) {
		st := newFakeChatStore()
		_, err := st.CreateConversation(ctx, &store.Conversation{ID: "conv-2"})
		require.NoError(t, err)
		history := seedHistory(t, st, "conv-2", 30, 50)

		msgs := make([]ChatMessage, 0, len(history)+2)
		msgs = append(msgs, ChatMessage{Role: "system", Content: "You are a helpful assistant."})
		msgs = append(msgs, history...)
		msgs = append(msgs, ChatMessage{Role: "user", Content: "so what should we do next?"})

		svc := newEndToEndService(st)
		resp, err := svc.OptimizeContext(ctx, &OptimizeRequest{
			ConversationID: "conv-2",
			Messages:       msgs,
		})

		require.NoError(t, err)
		assert.Equal(t, "summary+recent", resp.Strategy)
		assert.Less(t, len(resp.Messages), 62)
		assert.Positive(t, resp.TokenStats.Saved)
		assert.Equal(t, 20, resp.Metadata.RecentMessagesIncluded)
		assert.Equal(t, "so what should we do next?", resp.Messages[len(resp.Messages)-1].Content)
		assert.Equal(t, 1, countContent(resp.Messages, "so what should we do next?"))
	})
}
