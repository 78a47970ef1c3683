package ingest

import (
	"context"
	"iter"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Splitter breaks a document into chunks.
type Splitter interface {
	Split(doc domain.Document) iter.Seq[domain.Chunk]
}

// Embedder vectorizes chunk text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// Store is the write side of the vector store.
type Store interface {
	Upsert(ctx context.Context, rec domain.ChunkRecord) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// BatchStore is implemented by stores that write many chunks in one round trip.
type BatchStore interface {
	UpsertBatch(ctx context.Context, recs []domain.ChunkRecord) error
}

// Invalidator drops cached answers that cite a document.
type Invalidator interface {
	InvalidateDocument(ctx context.Context, documentID string) int
}
