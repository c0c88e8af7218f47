package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/animavox/animavox/pkg/history"
)

// Store implements [history.Store] on a single [pgxpool.Pool].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements history.Store at compile time.
var _ history.Store = (*Store)(nil)

// NewStore connects to PostgreSQL, runs the schema migration, and returns a
// ready Store.
//
// embeddingDimensions sets the lore embedding column width and must match the
// configured embeddings model.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// AppendMessage implements [history.Store].
func (s *Store) AppendMessage(ctx context.Context, msg history.Message) error {
	const q = `
		INSERT INTO chat_messages (session_id, agent_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		msg.SessionID,
		msg.AgentID,
		msg.Role,
		msg.Content,
		created,
	)
	if err != nil {
		return fmt.Errorf("history postgres: append message: %w", err)
	}
	return nil
}

// Messages implements [history.Store]. The newest `limit` messages are
// selected and returned in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]history.Message, error) {
	q := `
		SELECT session_id, agent_id, role, content, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += `
		LIMIT  $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history postgres: messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var m history.Message
		err := row.Scan(&m.SessionID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan messages: %w", err)
	}

	// Flip newest-first into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpsertLore implements [history.Store]. The agent's existing lore set is
// replaced in a single transaction.
func (s *Store) UpsertLore(ctx context.Context, agentID string, lines []string, vectors [][]float32) error {
	if vectors != nil && len(vectors) != len(lines) {
		return fmt.Errorf("history postgres: upsert lore: %d lines but %d vectors", len(lines), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history postgres: upsert lore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM agent_lore WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("history postgres: upsert lore: clear: %w", err)
	}

	const q = `
		INSERT INTO agent_lore (agent_id, line_no, text, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())`
	for i, line := range lines {
		var vec any
		if vectors != nil && vectors[i] != nil {
			vec = pgvector.NewVector(vectors[i])
		}
		if _, err := tx.Exec(ctx, q, agentID, i, line, vec); err != nil {
			return fmt.Errorf("history postgres: upsert lore line %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history postgres: upsert lore: commit: %w", err)
	}
	return nil
}

// SearchLore implements [history.Store]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) SearchLore(ctx context.Context, agentID string, vector []float32, k int) ([]string, error) {
	const q = `
		SELECT text
		FROM   agent_lore
		WHERE  agent_id = $1
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, agentID, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("history postgres: search lore: %w", err)
	}

	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan lore: %w", err)
	}
	return lines, nil
}

// SampleLore implements [history.Store].
func (s *Store) SampleLore(ctx context.Context, agentID string, k int) ([]string, error) {
	const q = `
		SELECT text
		FROM   agent_lore
		WHERE  agent_id = $1
		ORDER  BY random()
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, agentID, k)
	if err != nil {
		return nil, fmt.Errorf("history postgres: sample lore: %w", err)
	}

	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan lore: %w", err)
	}
	return lines, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
