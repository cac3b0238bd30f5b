// Package rag defines the retrieval store contract: a queryable vector index
// over a documents folder with admin-mutable contents and explicit reload.
//
// Documents are chunked, embedded, and committed atomically per document: a
// query either sees all of a document's current chunks or none. Writer
// operations (add, delete, reload) are serialised by implementations; queries
// never block behind them for more than a single commit boundary.
package rag

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedFormat is returned when a document's format cannot be
// extracted to text.
var ErrUnsupportedFormat = errors.New("rag: unsupported document format")

// ErrNotFound is returned when the named document is not in the index.
var ErrNotFound = errors.New("rag: document not found")

// Passage is one ranked retrieval result.
type Passage struct {
	// Text is the chunk text.
	Text string
	// DocumentID is the source document's stable id (its filename).
	DocumentID string
	// ChunkIndex is the chunk's position within its document.
	ChunkIndex int
	// Score is the cosine similarity to the query, in [-1, 1].
	Score float64
}

// Document describes one indexed document.
type Document struct {
	ID         string
	SizeBytes  int64
	ChunkCount int
	// ContentHash is the SHA-256 of the raw document bytes, hex encoded.
	// Reload uses it to detect changed files.
	ContentHash string
	UpdatedAt   time.Time
}

// ReloadResult reports what a folder rescan changed.
type ReloadResult struct {
	// Ingested counts documents added or re-ingested because their content
	// changed.
	Ingested int
	// Deleted counts documents removed because their file is gone.
	Deleted int
	// Unchanged counts documents whose content hash matched the index.
	Unchanged int
	// Failed counts documents that could not be ingested. Failures on one
	// document never touch the rest of the index.
	Failed int
}

// Index is the retrieval store contract.
type Index interface {
	// Query embeds the free-text query and returns up to k passages ranked by
	// descending cosine similarity, ties broken by document id ascending then
	// chunk index ascending. Passages below the index's floor score are
	// omitted.
	Query(ctx context.Context, query string, k int) ([]Passage, error)

	// AddDocument extracts, chunks, embeds, and commits a document under the
	// given name, replacing any previous version atomically.
	AddDocument(ctx context.Context, name string, data []byte) error

	// DeleteDocument removes the document and all its chunks, or ErrNotFound.
	DeleteDocument(ctx context.Context, name string) error

	// ListDocuments returns all indexed documents ordered by id.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Reload rescans the documents folder: new and changed files are
	// ingested, files gone from the folder are removed from the index.
	// Idempotent when nothing changed.
	Reload(ctx context.Context) (ReloadResult, error)
}
