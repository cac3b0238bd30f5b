// Package pgvector provides the PostgreSQL/pgvector-backed implementation of
// [rag.Index].
//
// Chunks live in a vector(n) column with an HNSW cosine index; the embedding
// model id and dimension are recorded in a metadata row. Opening the index
// against a database written with a different model or dimension drops and
// recreates the chunk tables, forcing a full reingest on the next reload.
//
// Usage:
//
//	idx, err := pgvector.NewIndex(ctx, dsn, embedder, docsDir)
//	if err != nil { … }
//	defer idx.Close()
//
//	if _, err := idx.Reload(ctx); err != nil { … }
//	passages, _ := idx.Query(ctx, "capital of France?", 3)
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeta = `
CREATE TABLE IF NOT EXISTS rag_meta (
    id          INT   PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    model       TEXT  NOT NULL,
    dimensions  INT   NOT NULL
);
`

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS rag_documents (
    name          TEXT         PRIMARY KEY,
    size_bytes    BIGINT       NOT NULL,
    chunk_count   INT          NOT NULL,
    content_hash  TEXT         NOT NULL,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlChunks returns the chunk table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_chunks (
    document_name  TEXT  NOT NULL REFERENCES rag_documents (name) ON DELETE CASCADE,
    chunk_index    INT   NOT NULL,
    content        TEXT  NOT NULL,
    embedding      vector(%d),
    PRIMARY KEY (document_name, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding
    ON rag_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// migrate ensures all retrieval tables exist and the stored metadata matches
// the configured embedding model. A model or dimension mismatch drops the
// chunk and document tables so the next reload reingests everything.
func migrate(ctx context.Context, pool *pgxpool.Pool, model string, dimensions int) error {
	if _, err := pool.Exec(ctx, ddlMeta); err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}

	var (
		storedModel string
		storedDims  int
	)
	err := pool.QueryRow(ctx, `SELECT model, dimensions FROM rag_meta WHERE id = 1`).
		Scan(&storedModel, &storedDims)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// fresh database
	case err != nil:
		return fmt.Errorf("pgvector migrate: read meta: %w", err)
	case storedModel != model || storedDims != dimensions:
		// Incompatible vectors: start over.
		for _, stmt := range []string{
			"DROP TABLE IF EXISTS rag_chunks",
			"DROP TABLE IF EXISTS rag_documents",
		} {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("pgvector migrate: reset: %w", err)
			}
		}
	}

	const upsertMeta = `
		INSERT INTO rag_meta (id, model, dimensions)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
		    model      = EXCLUDED.model,
		    dimensions = EXCLUDED.dimensions`
	if _, err := pool.Exec(ctx, upsertMeta, model, dimensions); err != nil {
		return fmt.Errorf("pgvector migrate: write meta: %w", err)
	}

	for _, stmt := range []string{ddlDocuments, ddlChunks(dimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector migrate: %w", err)
		}
	}
	return nil
}
