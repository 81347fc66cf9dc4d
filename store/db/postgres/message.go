package postgres

import (
	"context"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/store"
)

const messageFields = "id, conversation_id, role, content, turn_index, token_estimate, created_ts"

// createMessageAttempts bounds retries when two inserts race for the same
// turn index. The unique constraint on (conversation_id, turn_index) detects
// the loser, which simply recomputes and retries.
const createMessageAttempts = 3

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	stmt := `
		INSERT INTO message (id, conversation_id, role, content, turn_index, token_estimate, created_ts)
		SELECT $1, $2, $3, $4, COALESCE(MAX(turn_index) + 1, 0), $5, $6
		FROM message WHERE conversation_id = $2
		RETURNING turn_index
	`

	var lastErr error
	for attempt := 0; attempt < createMessageAttempts; attempt++ {
		err := d.db.QueryRowContext(ctx, stmt,
			create.ID,
			create.ConversationID,
			string(create.Role),
			create.Content,
			create.TokenEstimate,
			create.CreatedTs,
		).Scan(&create.TurnIndex)
		if err == nil {
			return create, nil
		}
		lastErr = err
		if pqErr, ok := err.(*pq.Error); !ok || pqErr.Code.Name() != "unique_violation" {
			break
		}
	}
	return nil, errors.Wrap(lastErr, "failed to create message")
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = "+placeholder(len(args)+1)), append(args, *find.ConversationID)
	}
	if find.Role != nil {
		where, args = append(where, "role = "+placeholder(len(args)+1)), append(args, string(*find.Role))
	}
	if find.MinTurnIndex != nil {
		where, args = append(where, "turn_index >= "+placeholder(len(args)+1)), append(args, *find.MinTurnIndex)
	}
	if find.MaxTurnIndex != nil {
		where, args = append(where, "turn_index <= "+placeholder(len(args)+1)), append(args, *find.MaxTurnIndex)
	}
	for _, role := range find.ExcludeRoles {
		where, args = append(where, "role != "+placeholder(len(args)+1)), append(args, string(role))
	}
	if find.CreatedAfter != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, *find.CreatedAfter)
	}
	if find.ContentEquals != nil {
		where, args = append(where, "content = "+placeholder(len(args)+1)), append(args, *find.ContentEquals)
	}

	order := "ORDER BY turn_index ASC"
	if find.OrderDesc {
		order = "ORDER BY turn_index DESC"
	}
	query := `SELECT ` + messageFields + ` FROM message WHERE ` + strings.Join(where, " AND ") + ` ` + order
	if find.Limit > 0 {
		args = append(args, find.Limit)
		query += " LIMIT " + placeholder(len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	return list, nil
}

func (d *DB) UpdateMessageEmbedding(ctx context.Context, id string, embedding []float32) error {
	stmt := `UPDATE message SET embedding = $1 WHERE id = $2`
	// Zero rows affected means the message was deleted while its embedding
	// was being generated. Not an error.
	if _, err := d.db.ExecContext(ctx, stmt, pgvector.NewVector(embedding), id); err != nil {
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
		LIMIT $1`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find messages without embedding")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	return list, nil
}

// VectorSearch performs vector similarity search using pgvector.
// The <=> operator computes cosine distance (1 - cosine_similarity), so
// ordering by distance ascending returns the most similar rows first.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MessageWithScore, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	vector := pgvector.NewVector(opts.Vector)
	where := []string{
		"conversation_id = $1",
		"embedding IS NOT NULL",
		"1 - (embedding <=> $2) >= $3",
	}
	args := []any{opts.ConversationID, vector, opts.MinSimilarity}

	if !opts.IncludeSystem {
		where = append(where, "role != 'system'")
	}
	if opts.ExcludeTurnIndex != nil {
		where, args = append(where, "turn_index != "+placeholder(len(args)+1)), append(args, *opts.ExcludeTurnIndex)
	}

	args = append(args, limit)
	query := `
		SELECT ` + messageFields + `, 1 - (embedding <=> $2) AS score
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> $2
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to vector search")
	}
	defer rows.Close()

	results := []*store.MessageWithScore{}
	for rows.Next() {
		var result store.MessageWithScore
		m := &store.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TurnIndex, &m.TokenEstimate, &m.CreatedTs, &result.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector search result")
		}
		m.Role = store.MessageRole(role)
		result.Message = m
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate vector search results")
	}

	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	m := &store.Message{}
	var role string
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TurnIndex, &m.TokenEstimate, &m.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to scan message")
	}
	m.Role = store.MessageRole(role)
	return m, nil
}
