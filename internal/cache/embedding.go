package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

const embeddingBucket = "embeddings"

// EmbeddingCache memoizes embedding vectors by exact text.
type EmbeddingCache struct {
	store Store
}

// NewEmbeddingCache wraps a Store with embedding semantics.
func NewEmbeddingCache(store Store) *EmbeddingCache {
	return &EmbeddingCache{store: store}
}

// Get returns the cached vector for a text, if any.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool, error) {
	blob, ok, err := c.store.Get(ctx, embeddingBucket, text)
	if err != nil || !ok {
		return nil, false, err
	}
	vec, err := bytesToFloat32(blob)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt cached embedding for %.40q: %w", text, err)
	}
	return vec, true, nil
}

// Put stores a vector for a text, replacing any prior value.
func (c *EmbeddingCache) Put(ctx context.Context, text string, vec []float32) error {
	return c.store.Put(ctx, embeddingBucket, text, float32ToBytes(vec))
}

// GetOrCompute returns the cached vector or computes and stores one.
// Concurrent misses on the same text may both compute; both writes carry
// the same derived value, so whichever lands last is equally correct.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, text string, compute func(context.Context, string) ([]float32, error)) ([]float32, error) {
	if vec, ok, err := c.Get(ctx, text); err != nil {
		return nil, err
	} else if ok {
		return vec, nil
	}

	vec, err := compute(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.Put(ctx, text, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Clear drops every cached embedding.
func (c *EmbeddingCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, embeddingBucket)
}

// Count reports how many texts are cached.
func (c *EmbeddingCache) Count(ctx context.Context) (int64, error) {
	return c.store.Count(ctx, embeddingBucket)
}

// float32ToBytes serializes a vector as little-endian IEEE 754.
func float32ToBytes(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 deserializes a little-endian IEEE 754 vector.
func bytesToFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
