// Package postgres provides a PostgreSQL-backed [conversation.Store].
//
// Conversations live in two tables: one row per conversation with its
// metadata, and one row per transcript entry keyed by position. The schema is
// created by [Migrate], which [NewStore] runs on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Save(ctx, conv)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id           TEXT         PRIMARY KEY,
    title        TEXT         NOT NULL,
    robot_color  TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
    ON conversations (updated_at DESC);
`

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    conversation_id  TEXT     NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    position         INTEGER  NOT NULL,
    speaker          TEXT     NOT NULL,
    text             TEXT     NOT NULL,
    PRIMARY KEY (conversation_id, position)
);
`

// Migrate creates the tables if they do not exist. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlConversationEntries} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
