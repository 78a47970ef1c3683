package retrieval

import (
	"context"

	"github.com/kailas-cloud/docqa/internal/domain"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return domain.EmbeddingResult{Embedding: []float32{1, 0}, TotalTokens: 3}, nil
}

type mockSearcher struct {
	searchFn func(ctx context.Context, q []float32, topK int, f domain.Filter) ([]domain.Match, error)
	calls    int
}

func (m *mockSearcher) Search(ctx context.Context, q []float32, topK int, f domain.Filter) ([]domain.Match, error) {
	m.calls++
	return m.searchFn(ctx, q, topK, f)
}

// storeOf returns a searcher that serves ms truncated to topK, like a real store.
func storeOf(ms ...domain.Match) *mockSearcher {
	return &mockSearcher{searchFn: func(_ context.Context, _ []float32, topK int, _ domain.Filter) ([]domain.Match, error) {
		out := append([]domain.Match(nil), ms...)
		domain.SortMatches(out)
		if len(out) > topK {
			out = out[:topK]
		}
		return out, nil
	}}
}
