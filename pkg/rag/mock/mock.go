// Package mock provides a configurable test double for [rag.Index].
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/thingenious/eva/pkg/rag"
)

// Ensure Index implements the rag.Index interface.
var _ rag.Index = (*Index)(nil)

// QueryCall records the arguments of one Query invocation.
type QueryCall struct {
	Query string
	K     int
}

// Index is a configurable in-memory implementation of [rag.Index].
// Safe for concurrent use.
type Index struct {
	mu sync.Mutex

	// QueryResult is returned by Query (truncated to k). When nil, Query
	// returns an empty non-nil slice.
	QueryResult []rag.Passage

	// QueryErr is returned by Query when non-nil.
	QueryErr error

	// AddErr is returned by AddDocument when non-nil.
	AddErr error

	// ReloadResult is returned by Reload.
	ReloadResult rag.ReloadResult

	// ReloadErr is returned by Reload when non-nil.
	ReloadErr error

	// QueryCalls records every Query invocation in order.
	QueryCalls []QueryCall

	docs map[string][]byte
}

// NewIndex returns an empty mock index.
func NewIndex() *Index {
	return &Index{docs: make(map[string][]byte)}
}

// Query implements [rag.Index].
func (m *Index) Query(_ context.Context, query string, k int) ([]rag.Passage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCalls = append(m.QueryCalls, QueryCall{Query: query, K: k})
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	result := m.QueryResult
	if k >= 0 && len(result) > k {
		result = result[:k]
	}
	out := make([]rag.Passage, len(result))
	copy(out, result)
	return out, nil
}

// AddDocument implements [rag.Index].
func (m *Index) AddDocument(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddErr != nil {
		return m.AddErr
	}
	if !rag.IsSupported(name) {
		return rag.ErrUnsupportedFormat
	}
	m.docs[name] = data
	return nil
}

// DeleteDocument implements [rag.Index].
func (m *Index) DeleteDocument(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[name]; !ok {
		return rag.ErrNotFound
	}
	delete(m.docs, name)
	return nil
}

// ListDocuments implements [rag.Index].
func (m *Index) ListDocuments(_ context.Context) ([]rag.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]rag.Document, 0, len(m.docs))
	for name, data := range m.docs {
		docs = append(docs, rag.Document{ID: name, SizeBytes: int64(len(data))})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Reload implements [rag.Index].
func (m *Index) Reload(_ context.Context) (rag.ReloadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReloadErr != nil {
		return rag.ReloadResult{}, m.ReloadErr
	}
	return m.ReloadResult, nil
}

// Document returns the stored bytes of name, for assertions.
func (m *Index) Document(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	return data, ok
}
