package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Conversation is the identity for a sequence of chat turns. Rows are created
// lazily on first message when the caller supplies an unknown id.
type Conversation struct {
	ID             string
	ProjectID      string
	ToolID         string
	Summary        string
	SummaryTokens  int
	SummaryVersion int32
	Metadata       string // JSON string
	CreatedTs      int64
	UpdatedTs      int64
}

type FindConversation struct {
	ID        *string
	ProjectID *string
}

// UpdateConversation carries a summary rewrite. Summary, SummaryTokens and
// Metadata travel together so the coverage marker never drifts from the text.
type UpdateConversation struct {
	ID            string
	Summary       *string
	SummaryTokens *int
	Metadata      *string
	UpdatedTs     *int64
}

// ConversationMetadata is the schema of the Conversation.Metadata JSON blob.
type ConversationMetadata struct {
	// SummaryTurnIndex is the highest turn index the stored summary covers.
	SummaryTurnIndex int32 `json:"summaryTurnIndex,omitempty"`
}

// ParseMetadata decodes the metadata blob, returning zero values when it is
// empty or malformed.
func (c *Conversation) ParseMetadata() ConversationMetadata {
	var md ConversationMetadata
	if c.Metadata != "" {
		_ = json.Unmarshal([]byte(c.Metadata), &md)
	}
	return md
}

// NewConversationID generates an id for conversations created lazily. Callers
// that already have an identity keep their own.
func NewConversationID() string {
	return shortuuid.New()
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	if create.UpdatedTs == 0 {
		create.UpdatedTs = create.CreatedTs
	}
	conversation, err := s.driver.CreateConversation(ctx, create)
	if err != nil {
		return nil, err
	}
	s.conversationCache.Set(conversation.ID, conversation)
	return conversation, nil
}

// GetConversation returns the conversation or nil when it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if cached, ok := s.conversationCache.Get(id); ok {
		return cached.(*Conversation), nil
	}
	list, err := s.driver.ListConversations(ctx, &FindConversation{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	s.conversationCache.Set(id, list[0])
	return list[0], nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	if update.UpdatedTs == nil {
		now := time.Now().Unix()
		update.UpdatedTs = &now
	}
	conversation, err := s.driver.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}
	s.conversationCache.Set(conversation.ID, conversation)
	return conversation, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.conversationCache.Delete(id)
	return s.driver.DeleteConversation(ctx, id)
}
