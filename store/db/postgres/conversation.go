package postgres

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	if create.Metadata == "" {
		create.Metadata = "{}"
	}
	fields := []string{"id", "project_id", "tool_id", "summary", "summary_tokens", "summary_version", "metadata", "created_ts", "updated_ts"}
	args := []any{create.ID, create.ProjectID, create.ToolID, create.Summary, create.SummaryTokens, create.SummaryVersion, create.Metadata, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}

	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ProjectID != nil {
		where, args = append(where, "project_id = "+placeholder(len(args)+1)), append(args, *find.ProjectID)
	}

	query := `SELECT id, project_id, tool_id, summary, summary_tokens, summary_version, metadata, created_ts, updated_ts
		FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		c := &store.Conversation{}
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.ToolID, &c.Summary, &c.SummaryTokens, &c.SummaryVersion, &c.Metadata, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.Summary != nil {
		set, args = append(set, "summary = "+placeholder(len(args)+1)), append(args, *update.Summary)
		// Any summary rewrite bumps the version; versions only move forward.
		set = append(set, "summary_version = summary_version + 1")
	}
	if update.SummaryTokens != nil {
		set, args = append(set, "summary_tokens = "+placeholder(len(args)+1)), append(args, *update.SummaryTokens)
	}
	if update.Metadata != nil {
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, *update.Metadata)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, project_id, tool_id, summary, summary_tokens, summary_version, metadata, created_ts, updated_ts`

	c := &store.Conversation{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&c.ID, &c.ProjectID, &c.ToolID, &c.Summary, &c.SummaryTokens, &c.SummaryVersion, &c.Metadata, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}

	return c, nil
}

func (d *DB) DeleteConversation(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	return nil
}
