// Package mock provides a test double for the embeddings.Provider interface.
//
// The mock produces deterministic vectors derived from the input text so that
// tests can assert similarity-based behaviour without a live embedding model:
// identical texts always embed to identical vectors.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/thingenious/eva/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
//
// When Vectors is nil, Embed returns a deterministic pseudo-vector computed
// from an FNV hash of the text. Set Vectors to control outputs explicitly,
// keyed by input text. Set Err to inject failures.
type Provider struct {
	mu sync.Mutex

	// Dims is the reported vector dimension. Zero defaults to 8.
	Dims int

	// Model is the reported model id. Empty defaults to "mock-embed".
	Model string

	// Vectors maps input text to the vector to return. Texts absent from the
	// map fall back to the deterministic hash vector.
	Vectors map[string][]float32

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// EmbedCalls records every text passed to Embed or EmbedBatch, in order.
	EmbedCalls []string
}

// Embed returns the configured or derived vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns configured or derived vectors for all texts.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := p.Vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = p.hashVector(t)
	}
	return out, nil
}

// Dimensions returns Dims, defaulting to 8.
func (p *Provider) Dimensions() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// ModelID returns Model, defaulting to "mock-embed".
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// hashVector derives a stable unit-ish vector from text.
func (p *Provider) hashVector(text string) []float32 {
	dims := p.Dims
	if dims == 0 {
		dims = 8
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)%1000) / 1000
	}
	return vec
}
