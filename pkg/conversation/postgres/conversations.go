package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thingenious/eva/pkg/conversation"
)

// Create implements [conversation.Store].
func (s *Store) Create(ctx context.Context) (conversation.Conversation, error) {
	const q = `
		INSERT INTO conversations (id)
		VALUES ($1)
		RETURNING id, created_at, updated_at`

	var c conversation.Conversation
	err := s.pool.QueryRow(ctx, q, uuid.New()).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("conversation store: create: %w", err)
	}
	return c, nil
}

// Get implements [conversation.Store].
func (s *Store) Get(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	const q = `
		SELECT id, created_at, updated_at
		FROM   conversations
		WHERE  id = $1`

	var c conversation.Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("conversation store: get: %w", err)
	}
	return c, nil
}

// AppendMessage implements [conversation.Store].
//
// The conversation's sequence counter is advanced inside a transaction; the
// UPDATE takes a row lock on the conversation, which serialises concurrent
// appends to the same conversation while leaving other conversations free.
func (s *Store) AppendMessage(ctx context.Context, msg conversation.Message) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("conversation store: append: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const qSeq = `
		UPDATE conversations
		SET    next_seq = next_seq + 1, updated_at = now()
		WHERE  id = $1
		RETURNING next_seq - 1`

	var seq int64
	err = tx.QueryRow(ctx, qSeq, msg.ConversationID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, conversation.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("conversation store: append: next seq: %w", err)
	}

	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var chunkID any
	if msg.ChunkID != uuid.Nil {
		chunkID = msg.ChunkID
	}
	emotion := msg.Emotion
	if emotion == "" {
		emotion = "neutral"
	}

	const qInsert = `
		INSERT INTO messages
		    (id, conversation_id, seq, role, content, emotion, sources, chunk_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.Exec(ctx, qInsert,
		id,
		msg.ConversationID,
		seq,
		msg.Role,
		msg.Content,
		emotion,
		msg.Sources,
		chunkID,
	)
	if err != nil {
		return 0, fmt.Errorf("conversation store: append: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("conversation store: append: commit: %w", err)
	}
	return seq, nil
}

// LoadWindow implements [conversation.Store]. The newest n messages are
// selected in descending order and reversed so callers receive them
// chronologically.
func (s *Store) LoadWindow(ctx context.Context, convID uuid.UUID, n int) ([]conversation.Message, error) {
	q := `
		SELECT id, conversation_id, seq, role, content, emotion, sources, chunk_id, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY seq DESC`
	args := []any{convID}
	if n > 0 {
		q += "\n\t\tLIMIT  $2"
		args = append(args, n)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: load window: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesSince implements [conversation.Store].
func (s *Store) MessagesSince(ctx context.Context, convID uuid.UUID, afterSeq int64) ([]conversation.Message, error) {
	const q = `
		SELECT id, conversation_id, seq, role, content, emotion, sources, chunk_id, created_at
		FROM   messages
		WHERE  conversation_id = $1
		  AND  seq > $2
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, convID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("conversation store: messages since: %w", err)
	}
	return collectMessages(rows)
}

// LatestSummary implements [conversation.Store].
func (s *Store) LatestSummary(ctx context.Context, convID uuid.UUID) (conversation.Summary, error) {
	const q = `
		SELECT conversation_id, summary, covered_upto_seq, created_at
		FROM   conversation_summaries
		WHERE  conversation_id = $1`

	var sum conversation.Summary
	err := s.pool.QueryRow(ctx, q, convID).Scan(
		&sum.ConversationID, &sum.Text, &sum.CoveredUptoSeq, &sum.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Summary{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Summary{}, fmt.Errorf("conversation store: latest summary: %w", err)
	}
	return sum, nil
}

// UpdateSummary implements [conversation.Store]. The upsert's WHERE clause
// enforces coverage monotonicity in a single atomic statement: a regressing
// pointer updates zero rows.
func (s *Store) UpdateSummary(ctx context.Context, convID uuid.UUID, text string, coveredUptoSeq int64) error {
	const q = `
		INSERT INTO conversation_summaries (conversation_id, summary, covered_upto_seq, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id) DO UPDATE SET
		    summary          = EXCLUDED.summary,
		    covered_upto_seq = EXCLUDED.covered_upto_seq,
		    created_at       = now()
		WHERE conversation_summaries.covered_upto_seq < EXCLUDED.covered_upto_seq`

	tag, err := s.pool.Exec(ctx, q, convID, text, coveredUptoSeq)
	if err != nil {
		return fmt.Errorf("conversation store: update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrSummaryRegression
	}
	return nil
}

// List implements [conversation.Store].
func (s *Store) List(ctx context.Context, limit, offset int) (int, []conversation.Conversation, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("conversation store: list: count: %w", err)
	}

	const q = `
		SELECT id, created_at, updated_at
		FROM   conversations
		ORDER  BY created_at DESC
		LIMIT  $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("conversation store: list: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Conversation, error) {
		var c conversation.Conversation
		err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("conversation store: list: scan rows: %w", err)
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	return total, convs, nil
}

// Delete implements [conversation.Store]. Messages and summaries are removed
// by the ON DELETE CASCADE constraints in the same statement.
func (s *Store) Delete(ctx context.Context, convID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, convID)
	if err != nil {
		return fmt.Errorf("conversation store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

// Export implements [conversation.Store].
func (s *Store) Export(ctx context.Context, convID uuid.UUID) (conversation.Export, error) {
	conv, err := s.Get(ctx, convID)
	if err != nil {
		return conversation.Export{}, err
	}
	msgs, err := s.MessagesSince(ctx, convID, 0)
	if err != nil {
		return conversation.Export{}, err
	}
	return conversation.Export{Conversation: conv, Messages: msgs}, nil
}

// Setting implements [conversation.Store].
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM admin_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", conversation.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("conversation store: setting: %w", err)
	}
	return value, nil
}

// SetSetting implements [conversation.Store].
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO admin_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("conversation store: set setting: %w", err)
	}
	return nil
}

// collectMessages scans pgx rows into a slice of Message values.
func collectMessages(rows pgx.Rows) ([]conversation.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Message, error) {
		var (
			m       conversation.Message
			chunkID *uuid.UUID
		)
		if err := row.Scan(
			&m.ID,
			&m.ConversationID,
			&m.Seq,
			&m.Role,
			&m.Content,
			&m.Emotion,
			&m.Sources,
			&chunkID,
			&m.CreatedAt,
		); err != nil {
			return conversation.Message{}, err
		}
		if chunkID != nil {
			m.ChunkID = *chunkID
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return msgs, nil
}
