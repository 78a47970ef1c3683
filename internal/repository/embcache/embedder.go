// Package embcache memoizes embeddings behind the stampede-safe cache.
package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// KeyPrefix namespaces embedding entries in the shared tier.
const KeyPrefix = domain.KeyPrefix + "emb_cache:"

// vectorCache is the consumer interface for the cache (ISP).
type vectorCache interface {
	GetOrCompute(ctx context.Context, key string,
		fn func(ctx context.Context) ([]float32, error)) ([]float32, cache.Outcome, error)
}

// CachedEmbedder is a caching decorator around a domain.Embedder. Concurrent
// requests for the same text share one provider call.
type CachedEmbedder struct {
	inner domain.Embedder
	model string
	cache vectorCache
}

// New creates a caching decorator. model participates in the key, so
// switching models never serves vectors from the previous one.
func New(inner domain.Embedder, model string, c vectorCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, model: model, cache: c}
}

// Embed returns a cached embedding or calls the inner embedder. Token usage
// is reported only to the caller whose computation ran; hits and callers
// that joined an in-flight computation report zero.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if text == "" {
		return domain.EmbeddingResult{}, fmt.Errorf("embed: empty text: %w", domain.ErrInvalidInput)
	}

	var computed domain.EmbeddingResult
	vec, out, err := c.cache.GetOrCompute(ctx, Key(c.model, text), func(ctx context.Context) ([]float32, error) {
		res, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err //nolint:wrapcheck // wrapped below
		}
		computed = res
		return res.Embedding, nil
	})
	if err != nil {
		return domain.EmbeddingResult{}, fmt.Errorf("embed text: %w", err)
	}
	if out.Hit {
		return domain.EmbeddingResult{Embedding: vec}, nil
	}
	// computed stays zero unless this caller led the flight.
	computed.Embedding = vec
	return computed, nil
}

// HealthCheck delegates to the inner embedder when it supports health checks.
func (c *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // pass-through
	}
	return nil
}

// Key derives the cache key for text embedded by model.
func Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
