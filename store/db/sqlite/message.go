package sqlite

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/store"
)

const messageFields = "id, conversation_id, role, content, turn_index, token_estimate, created_ts"

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	// SQLite serializes writers, so the MAX(turn_index) subselect cannot race.
	stmt := `
		INSERT INTO message (id, conversation_id, role, content, turn_index, token_estimate, created_ts)
		SELECT ?, ?, ?, ?, COALESCE(MAX(turn_index) + 1, 0), ?, ?
		FROM message WHERE conversation_id = ?
		RETURNING turn_index
	`
	err := d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.ConversationID,
		string(create.Role),
		create.Content,
		create.TokenEstimate,
		create.CreatedTs,
		create.ConversationID,
	).Scan(&create.TurnIndex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}
	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, string(*find.Role))
	}
	if find.MinTurnIndex != nil {
		where, args = append(where, "turn_index >= ?"), append(args, *find.MinTurnIndex)
	}
	if find.MaxTurnIndex != nil {
		where, args = append(where, "turn_index <= ?"), append(args, *find.MaxTurnIndex)
	}
	for _, role := range find.ExcludeRoles {
		where, args = append(where, "role != ?"), append(args, string(role))
	}
	if find.CreatedAfter != nil {
		where, args = append(where, "created_ts >= ?"), append(args, *find.CreatedAfter)
	}
	if find.ContentEquals != nil {
		where, args = append(where, "content = ?"), append(args, *find.ContentEquals)
	}

	order := "ORDER BY turn_index ASC"
	if find.OrderDesc {
		order = "ORDER BY turn_index DESC"
	}
	query := `SELECT ` + messageFields + ` FROM message WHERE ` + strings.Join(where, " AND ") + ` ` + order
	if find.Limit > 0 {
		args = append(args, find.Limit)
		query += " LIMIT ?"
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TurnIndex, &m.TokenEstimate, &m.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		m.Role = store.MessageRole(role)
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	return list, nil
}

func (d *DB) UpdateMessageEmbedding(ctx context.Context, id string, embedding []float32) error {
	// Stored as JSON for schema parity with postgres; sqlite never queries it.
	buf, err := json.Marshal(embedding)
	if err != nil {
		return errors.Wrap(err, "failed to encode embedding")
	}
	if _, err := d.db.ExecContext(ctx, `UPDATE message SET embedding = ? WHERE id = ?`, buf, id); err != nil {
		return errors.Wrap(err, "failed to update message embedding")
	}
	return nil
}

func (d *DB) FindMessagesWithoutEmbedding(ctx context.Context, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + messageFields + ` FROM message
		WHERE embedding IS NULL AND role != 'system'
		ORDER BY created_ts ASC
		LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find messages without embedding")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TurnIndex, &m.TokenEstimate, &m.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		m.Role = store.MessageRole(role)
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	return list, nil
}

// VectorSearch is NOT supported for SQLite.
// Vector similarity search requires PostgreSQL with the pgvector extension;
// callers degrade to their recency fallback.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MessageWithScore, error) {
	return nil, errors.New("vector search requires PostgreSQL with pgvector extension")
}
