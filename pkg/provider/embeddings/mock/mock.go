// Package mock provides a test double for [embeddings.Provider].
//
// By default the mock derives a deterministic pseudo-embedding from the input
// text, so that identical texts embed identically and different texts usually
// do not — enough for retrieval tests without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/loomworks/loreweaver/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of [embeddings.Provider].
type Provider struct {
	mu sync.Mutex

	// Dim is the vector dimension. Defaults to 8 when zero.
	Dim int

	// Model is returned by ModelID. Defaults to "mock-embed-v1" when empty.
	Model string

	// EmbedErr is returned by Embed and EmbedBatch when non-nil.
	EmbedErr error

	// EmbedErrCount fails the first N Embed calls with EmbedErr, then
	// succeeds. Zero means EmbedErr (when set) applies to every call.
	EmbedErrCount int

	// Fixed, when non-nil, is returned for every Embed call instead of the
	// derived pseudo-embedding.
	Fixed []float32

	// EmbeddedTexts collects every text passed to Embed or EmbedBatch.
	EmbeddedTexts []string

	embedCalls int
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.embedCalls++
	if p.EmbedErr != nil && (p.EmbedErrCount == 0 || p.embedCalls <= p.EmbedErrCount) {
		return nil, p.EmbedErr
	}
	p.EmbeddedTexts = append(p.EmbeddedTexts, text)
	if p.Fixed != nil {
		return p.Fixed, nil
	}
	return p.derive(text), nil
}

// EmbedBatch implements [embeddings.Provider].
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int {
	if p.Dim <= 0 {
		return 8
	}
	return p.Dim
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed-v1"
	}
	return p.Model
}

// EmbedCalls returns how many times Embed was invoked (including batch items).
func (p *Provider) EmbedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

// derive produces a deterministic unit-ish vector from text. Must be called
// with p.mu held.
func (p *Provider) derive(text string) []float32 {
	dim := p.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		// Map the hash onto [-1, 1).
		vec[i] = float32(int64(h.Sum64()%2000))/1000 - 1
	}
	return vec
}
