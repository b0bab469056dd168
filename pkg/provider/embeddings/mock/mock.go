// Package mock provides a test double for the embeddings.Provider interface.
//
// By default the mock derives a small deterministic vector from the input text
// (via FNV hashing), so similarity search over mock embeddings behaves
// consistently across test runs: identical texts always map to identical
// vectors. Set EmbedResult to force a fixed vector instead.
//
// Example:
//
//	p := &mock.Provider{DimensionsValue: 8}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/hollowmere/parley/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// defaultDimensions is the vector length used when DimensionsValue is zero.
const defaultDimensions = 8

// Provider is a mock implementation of embeddings.Provider.
// All fields may be set before use; methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// EmbedResult, when non-nil, is returned by Embed for every call.
	// When nil, a deterministic hash-derived vector is returned instead.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions. Zero means defaultDimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID. Empty means "mock-embed".
	ModelIDValue string

	// EmbedTexts records every text passed to Embed or EmbedBatch, in order.
	EmbedTexts []string
}

// Embed records the call and returns either EmbedResult or a deterministic
// vector derived from text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedTexts = append(p.EmbedTexts, text)
	p.mu.Unlock()

	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedResult != nil {
		return p.EmbedResult, nil
	}
	return hashVector(text, p.Dimensions()), nil
}

// EmbedBatch records the calls and embeds each text via the same rules as Embed.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.EmbedErr != nil {
		p.mu.Lock()
		p.EmbedTexts = append(p.EmbedTexts, texts...)
		p.mu.Unlock()
		return nil, p.EmbedErr
	}

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

// Dimensions returns DimensionsValue, or defaultDimensions when unset.
func (p *Provider) Dimensions() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return defaultDimensions
}

// ModelID returns ModelIDValue, or "mock-embed" when unset.
func (p *Provider) ModelID() string {
	if p.ModelIDValue != "" {
		return p.ModelIDValue
	}
	return "mock-embed"
}

// Texts returns a copy of all texts submitted for embedding so far.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.EmbedTexts))
	copy(out, p.EmbedTexts)
	return out
}

// hashVector derives a unit-independent pseudo-embedding from text. Words hash
// into bucket positions so that texts sharing words land near each other.
func hashVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	h := fnv.New32a()
	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h.Reset()
		h.Write(word)
		vec[int(h.Sum32())%dims]++
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\n' || c == '\t' {
			flush()
			continue
		}
		word = append(word, c|0x20) // cheap lowercase for ASCII
	}
	flush()
	return vec
}
