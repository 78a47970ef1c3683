package ingest

import (
	"context"
	"sync"

	"github.com/kailas-cloud/docqa/internal/domain"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return domain.EmbeddingResult{Embedding: []float32{float32(len(text)), 1}, TotalTokens: 1}, nil
}

type mockStore struct {
	mu        sync.Mutex
	upsertFn  func(ctx context.Context, rec domain.ChunkRecord) error
	deleteFn  func(ctx context.Context, documentID string) error
	upserted  []domain.ChunkRecord
	deleted   []string
	callOrder []string
}

func (m *mockStore) Upsert(ctx context.Context, rec domain.ChunkRecord) error {
	m.mu.Lock()
	m.callOrder = append(m.callOrder, "upsert")
	m.mu.Unlock()
	if m.upsertFn != nil {
		if err := m.upsertFn(ctx, rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.upserted = append(m.upserted, rec)
	m.mu.Unlock()
	return nil
}

func (m *mockStore) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	m.callOrder = append(m.callOrder, "delete")
	m.deleted = append(m.deleted, documentID)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, documentID)
	}
	return nil
}

type mockInvalidator struct {
	mu   sync.Mutex
	docs []string
}

func (m *mockInvalidator) InvalidateDocument(_ context.Context, documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, documentID)
	return 1
}

// batchStore adds UpsertBatch on top of mockStore.
type batchStore struct {
	mockStore
	batchFn func(ctx context.Context, recs []domain.ChunkRecord) error
	batches int
}

func (m *batchStore) UpsertBatch(ctx context.Context, recs []domain.ChunkRecord) error {
	m.mu.Lock()
	m.batches++
	m.callOrder = append(m.callOrder, "batch")
	m.mu.Unlock()
	if m.batchFn != nil {
		if err := m.batchFn(ctx, recs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.upserted = append(m.upserted, recs...)
	m.mu.Unlock()
	return nil
}
