package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that a store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// Conversation model related methods.
	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Message model related methods.
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)

	// UpdateMessageEmbedding back-fills the embedding vector for a message.
	// A missing row is a no-op, not an error.
	UpdateMessageEmbedding(ctx context.Context, id string, embedding []float32) error
	FindMessagesWithoutEmbedding(ctx context.Context, limit int) ([]*Message, error)

	// VectorSearch performs semantic search using vector similarity within
	// one conversation. Rows with NULL embeddings are excluded.
	VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*MessageWithScore, error)
}
