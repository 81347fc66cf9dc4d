package store

import "context"

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one conversation turn. Rows are immutable once written; only the
// embedding column is back-filled asynchronously.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	// TurnIndex is assigned at insertion, strictly increasing per
	// conversation. Readers must tolerate gaps.
	TurnIndex     int32
	TokenEstimate int
	// Embedding is nil until the backfill runner processes the message.
	Embedding []float32
	CreatedTs int64
}

type FindMessage struct {
	ID             *string
	ConversationID *string
	Role           *MessageRole
	// MinTurnIndex and MaxTurnIndex bound the turn range, inclusive.
	MinTurnIndex *int32
	MaxTurnIndex *int32
	ExcludeRoles []MessageRole
	CreatedAfter *int64
	ContentEquals *string
	// Limit caps the result count. With OrderDesc the newest rows win;
	// results are still returned oldest first unless OrderDesc is set.
	Limit     int
	OrderDesc bool
}

// MessageWithScore is a vector search hit.
type MessageWithScore struct {
	Message *Message
	Score   float32
}

// VectorSearchOptions restricts similarity search to one conversation. Rows
// with a NULL embedding never match.
type VectorSearchOptions struct {
	ConversationID   string
	Vector           []float32
	Limit            int
	MinSimilarity    float32
	ExcludeTurnIndex *int32
	IncludeSystem    bool
}

// CreateMessage persists a message, assigning the next turn index within the
// conversation atomically.
func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

// GetMessage returns the message or nil when it does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	list, err := s.driver.ListMessages(ctx, &FindMessage{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// HasRecentDuplicate reports whether an identical role+content message was
// inserted for the conversation at or after sinceTs. This time-boxed window is
// the duplicate-suppression rule for at-least-once delivery.
func (s *Store) HasRecentDuplicate(ctx context.Context, conversationID string, role MessageRole, content string, sinceTs int64) (bool, error) {
	list, err := s.driver.ListMessages(ctx, &FindMessage{
		ConversationID: &conversationID,
		Role:           &role,
		ContentEquals:  &content,
		CreatedAfter:   &sinceTs,
		Limit:          1,
	})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// UpdateMessageEmbedding back-fills the embedding column. A missing message is
// not an error: the row may have been deleted while the embedding was being
// generated.
func (s *Store) UpdateMessageEmbedding(ctx context.Context, id string, embedding []float32) error {
	return s.driver.UpdateMessageEmbedding(ctx, id, embedding)
}

// FindMessagesWithoutEmbedding returns messages awaiting embedding backfill,
// oldest first.
func (s *Store) FindMessagesWithoutEmbedding(ctx context.Context, limit int) ([]*Message, error) {
	return s.driver.FindMessagesWithoutEmbedding(ctx, limit)
}

// VectorSearch performs similarity search over one conversation's messages.
func (s *Store) VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*MessageWithScore, error) {
	return s.driver.VectorSearch(ctx, opts)
}
