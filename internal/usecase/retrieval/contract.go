package retrieval

import (
	"context"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Embedder vectorizes the query. In production it is the cached, retrying chain.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int, f domain.Filter) ([]domain.Match, error)
}
