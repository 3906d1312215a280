package embed

import (
	"context"
	"strings"

	"github.com/postscope/postscope/internal/cache"
)

// CachedEmbedder wraps an Embedder with the persistent embedding cache.
// Each text is keyed exactly; only cache misses reach the inner embedder.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.EmbeddingCache
}

// NewCached wraps inner with c.
func NewCached(inner Embedder, c *cache.EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c}
}

// Dimensions returns the inner embedder's vector width.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Embed returns vectors for texts in input order, serving cached texts
// without embedding and batching the misses into one inner call.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		vec, ok, err := e.cache.Get(ctx, text)
		if err != nil {
			return nil, err
		}
		if ok {
			result[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	computed, err := e.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range computed {
		result[missingIdx[j]] = vec
		if vec == nil {
			continue
		}
		if err := e.cache.Put(ctx, missing[j], vec); err != nil {
			return nil, err
		}
	}
	return result, nil
}
