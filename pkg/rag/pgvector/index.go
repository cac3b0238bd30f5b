package pgvector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"golang.org/x/sync/errgroup"

	"github.com/thingenious/eva/pkg/provider/embeddings"
	"github.com/thingenious/eva/pkg/rag"
)

// Ensure Index implements the rag.Index interface.
var _ rag.Index = (*Index)(nil)

// DefaultFloorScore is the minimum cosine similarity a passage must reach to
// be returned by Query.
const DefaultFloorScore = 0.1

// embedBatchSize is how many chunks go into one embedding API call;
// embedConcurrency bounds how many such calls run in parallel during ingest.
const (
	embedBatchSize   = 16
	embedConcurrency = 4
)

// Index is the PostgreSQL/pgvector-backed retrieval store.
//
// Writer operations (AddDocument, DeleteDocument, Reload) are serialised by a
// mutex; queries run without it and observe each document's chunks
// atomically, because every ingest replaces them in a single transaction.
type Index struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	docsDir  string
	chunker  rag.Chunker
	floor    float64
	logger   *slog.Logger

	// writerMu serialises index mutations. Queries do not take it.
	writerMu sync.Mutex
}

// Option configures an Index.
type Option func(*Index)

// WithChunker overrides the default chunking policy.
func WithChunker(c rag.Chunker) Option {
	return func(i *Index) { i.chunker = c }
}

// WithFloorScore overrides the minimum similarity for returned passages.
func WithFloorScore(floor float64) Option {
	return func(i *Index) { i.floor = floor }
}

// WithLogger sets the logger used for per-document ingest failures.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// NewIndex connects to the database at dsn, registers pgvector types on every
// connection, and ensures the schema matches the embedder's model and
// dimension. docsDir is the folder scanned by [Index.Reload].
func NewIndex(ctx context.Context, dsn string, embedder embeddings.Provider, docsDir string, opts ...Option) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("pgvector index: embedder must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector index: ping: %w", err)
	}

	if err := migrate(ctx, pool, embedder.ModelID(), embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, err
	}

	idx := &Index{
		pool:     pool,
		embedder: embedder,
		docsDir:  docsDir,
		chunker:  rag.NewChunker(),
		floor:    DefaultFloorScore,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Ping probes database connectivity. Used by the readiness checker.
func (i *Index) Ping(ctx context.Context) error {
	return i.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (i *Index) Close() {
	i.pool.Close()
}

// Query implements [rag.Index].
func (i *Index) Query(ctx context.Context, query string, k int) ([]rag.Passage, error) {
	if k <= 0 {
		return []rag.Passage{}, nil
	}

	vec, err := i.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: embed query: %w", err)
	}

	// Cosine similarity is 1 - cosine distance. Ordering by distance
	// ascending ranks the most similar passage first; name and chunk index
	// break ties deterministically.
	const q = `
		SELECT document_name, chunk_index, content, 1 - (embedding <=> $1) AS score
		FROM   rag_chunks
		WHERE  1 - (embedding <=> $1) >= $2
		ORDER  BY embedding <=> $1, document_name, chunk_index
		LIMIT  $3`

	rows, err := i.pool.Query(ctx, q, pgvec.NewVector(vec), i.floor, k)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: query: %w", err)
	}

	passages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rag.Passage, error) {
		var p rag.Passage
		err := row.Scan(&p.DocumentID, &p.ChunkIndex, &p.Text, &p.Score)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector index: scan rows: %w", err)
	}
	if passages == nil {
		passages = []rag.Passage{}
	}
	return passages, nil
}

// AddDocument implements [rag.Index].
func (i *Index) AddDocument(ctx context.Context, name string, data []byte) error {
	i.writerMu.Lock()
	defer i.writerMu.Unlock()
	return i.ingest(ctx, name, data)
}

// ingest extracts, chunks, embeds, and commits one document. Callers must
// hold writerMu.
func (i *Index) ingest(ctx context.Context, name string, data []byte) error {
	text, err := rag.ExtractText(name, data)
	if err != nil {
		return err
	}
	chunks := i.chunker.Chunk(text)

	vectors, err := i.embedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("pgvector index: embed %s: %w", name, err)
	}

	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector index: ingest %s: begin: %w", name, err)
	}
	defer tx.Rollback(ctx)

	const upsertDoc = `
		INSERT INTO rag_documents (name, size_bytes, chunk_count, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE SET
		    size_bytes   = EXCLUDED.size_bytes,
		    chunk_count  = EXCLUDED.chunk_count,
		    content_hash = EXCLUDED.content_hash,
		    updated_at   = now()`
	if _, err := tx.Exec(ctx, upsertDoc, name, int64(len(data)), len(chunks), contentHash(data)); err != nil {
		return fmt.Errorf("pgvector index: ingest %s: upsert document: %w", name, err)
	}

	// Old chunks stay queryable until this transaction commits; afterwards
	// only the new ones are visible.
	if _, err := tx.Exec(ctx, `DELETE FROM rag_chunks WHERE document_name = $1`, name); err != nil {
		return fmt.Errorf("pgvector index: ingest %s: clear chunks: %w", name, err)
	}

	const insertChunk = `
		INSERT INTO rag_chunks (document_name, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4)`
	for idx, chunk := range chunks {
		if _, err := tx.Exec(ctx, insertChunk, name, idx, chunk, pgvec.NewVector(vectors[idx])); err != nil {
			return fmt.Errorf("pgvector index: ingest %s: insert chunk %d: %w", name, idx, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector index: ingest %s: commit: %w", name, err)
	}
	return nil
}

// embedChunks embeds all chunks, batching API calls and running up to
// embedConcurrency batches in parallel.
func (i *Index) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		g.Go(func() error {
			batch, err := i.embedder.EmbedBatch(ctx, chunks[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d inputs", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// DeleteDocument implements [rag.Index]. Chunks are removed by the ON DELETE
// CASCADE constraint in the same statement.
func (i *Index) DeleteDocument(ctx context.Context, name string) error {
	i.writerMu.Lock()
	defer i.writerMu.Unlock()

	tag, err := i.pool.Exec(ctx, `DELETE FROM rag_documents WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("pgvector index: delete %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return rag.ErrNotFound
	}
	return nil
}

// ListDocuments implements [rag.Index].
func (i *Index) ListDocuments(ctx context.Context) ([]rag.Document, error) {
	const q = `
		SELECT name, size_bytes, chunk_count, content_hash, updated_at
		FROM   rag_documents
		ORDER  BY name`

	rows, err := i.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: list documents: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rag.Document, error) {
		var d rag.Document
		err := row.Scan(&d.ID, &d.SizeBytes, &d.ChunkCount, &d.ContentHash, &d.UpdatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector index: scan rows: %w", err)
	}
	if docs == nil {
		docs = []rag.Document{}
	}
	return docs, nil
}

// Reload implements [rag.Index]. The folder scan and the per-document diff
// run under the writer lock, but each document commits independently, so
// concurrent queries block for at most one commit boundary.
func (i *Index) Reload(ctx context.Context) (rag.ReloadResult, error) {
	i.writerMu.Lock()
	defer i.writerMu.Unlock()

	var res rag.ReloadResult

	entries, err := os.ReadDir(i.docsDir)
	if err != nil {
		return res, fmt.Errorf("pgvector index: reload: read folder: %w", err)
	}

	indexed, err := i.ListDocuments(ctx)
	if err != nil {
		return res, err
	}
	indexedHash := make(map[string]string, len(indexed))
	for _, d := range indexed {
		indexedHash[d.ID] = d.ContentHash
	}

	onDisk := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !rag.IsSupported(entry.Name()) {
			continue
		}
		name := entry.Name()
		onDisk[name] = true

		data, err := os.ReadFile(filepath.Join(i.docsDir, name))
		if err != nil {
			i.logger.Error("reload: read document failed", "document", name, "error", err)
			res.Failed++
			continue
		}

		if hash, ok := indexedHash[name]; ok && hash == contentHash(data) {
			res.Unchanged++
			continue
		}
		if err := i.ingest(ctx, name, data); err != nil {
			i.logger.Error("reload: ingest failed", "document", name, "error", err)
			res.Failed++
			continue
		}
		res.Ingested++
	}

	for _, d := range indexed {
		if onDisk[d.ID] {
			continue
		}
		tag, err := i.pool.Exec(ctx, `DELETE FROM rag_documents WHERE name = $1`, d.ID)
		if err != nil {
			return res, fmt.Errorf("pgvector index: reload: delete %s: %w", d.ID, err)
		}
		if tag.RowsAffected() > 0 {
			res.Deleted++
		}
	}

	return res, nil
}

// contentHash returns the hex SHA-256 of the raw document bytes.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
