package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/transcript"
)

var _ conversation.Store = (*Store)(nil)

// Store is a conversation.Store backed by a [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [conversation.Store]. The metadata row is upserted and the
// transcript is replaced inside one transaction.
func (s *Store) Save(ctx context.Context, c conversation.Conversation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: save: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	const upsert = `
		INSERT INTO conversations (id, title, robot_color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    title       = EXCLUDED.title,
		    robot_color = EXCLUDED.robot_color,
		    updated_at  = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, upsert, c.ID, c.Title, c.RobotColor, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("postgres store: save: upsert: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM conversation_entries WHERE conversation_id = $1`, c.ID); err != nil {
		return fmt.Errorf("postgres store: save: clear entries: %w", err)
	}

	if len(c.Transcript) > 0 {
		rows := make([][]any, len(c.Transcript))
		for i, e := range c.Transcript {
			rows[i] = []any{c.ID, i, string(e.Speaker), e.Text}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"conversation_entries"},
			[]string{"conversation_id", "position", "speaker", "text"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("postgres store: save: copy entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: save: commit: %w", err)
	}
	return nil
}

// Get implements [conversation.Store].
func (s *Store) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	const q = `
		SELECT id, title, robot_color, created_at, updated_at
		FROM   conversations
		WHERE  id = $1`

	var c conversation.Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Title, &c.RobotColor, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, fmt.Errorf("postgres store: get %q: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: get %q: %w", id, err)
	}

	const qEntries = `
		SELECT speaker, text
		FROM   conversation_entries
		WHERE  conversation_id = $1
		ORDER  BY position`
	rows, err := s.pool.Query(ctx, qEntries, id)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: get %q entries: %w", id, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var speaker, text string
		if err := row.Scan(&speaker, &text); err != nil {
			return transcript.Entry{}, err
		}
		sp, err := transcript.ParseSpeaker(speaker)
		if err != nil {
			return transcript.Entry{}, err
		}
		return transcript.Entry{Speaker: sp, Text: text}, nil
	})
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: scan entries: %w", err)
	}
	c.Transcript = entries
	return c, nil
}

// List implements [conversation.Store].
func (s *Store) List(ctx context.Context) ([]conversation.Summary, error) {
	const q = `
		SELECT c.id, c.title, c.robot_color, c.updated_at, count(e.position)
		FROM   conversations c
		LEFT   JOIN conversation_entries e ON e.conversation_id = c.id
		GROUP  BY c.id
		ORDER  BY c.updated_at DESC, c.id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Summary, error) {
		var sum conversation.Summary
		err := row.Scan(&sum.ID, &sum.Title, &sum.RobotColor, &sum.UpdatedAt, &sum.Entries)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if list == nil {
		list = []conversation.Summary{}
	}
	return list, nil
}

// Delete implements [conversation.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: delete %q: %w", id, conversation.ErrNotFound)
	}
	return nil
}
