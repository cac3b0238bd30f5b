// Package postgres provides the PostgreSQL-backed implementation of
// [conversation.Store].
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the schema
// idempotently and is safe to call on every application start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	conv, _ := store.Create(ctx)
//	seq, _ := store.AppendMessage(ctx, conversation.Message{
//	    ConversationID: conv.ID, Role: conversation.RoleUser, Content: "Hello",
//	})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversations, messages, summaries, admin settings
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          UUID         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    next_seq    BIGINT       NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id               UUID         PRIMARY KEY,
    conversation_id  UUID         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    seq              BIGINT       NOT NULL,
    role             VARCHAR(10)  NOT NULL,
    content          TEXT         NOT NULL,
    emotion          VARCHAR(20)  NOT NULL DEFAULT 'neutral',
    sources          JSONB,
    chunk_id         UUID,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
    ON messages (conversation_id, seq);
`

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS conversation_summaries (
    conversation_id   UUID         PRIMARY KEY REFERENCES conversations (id) ON DELETE CASCADE,
    summary           TEXT         NOT NULL,
    covered_upto_seq  BIGINT       NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlAdminSettings = `
CREATE TABLE IF NOT EXISTS admin_settings (
    key    TEXT  PRIMARY KEY,
    value  TEXT  NOT NULL
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS) and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlConversations,
		ddlMessages,
		ddlSummaries,
		ddlAdminSettings,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
