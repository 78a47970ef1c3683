package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/docqa/internal/chunker"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/tokenizer"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, emb Embedder, store Store, inval Invalidator) *Service {
	t.Helper()
	ch, err := chunker.New(chunker.Config{Size: 4, Overlap: 1}, tokenizer.Word{})
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	return New(ch, emb, store, inval, Config{Concurrency: 2, Now: func() time.Time { return fixedNow }})
}

func TestIngest_ChunksEmbedsAndStores(t *testing.T) {
	store := &mockStore{}
	inval := &mockInvalidator{}
	svc := newService(t, &mockEmbedder{}, store, inval)

	chunks, err := svc.Ingest(context.Background(), domain.Document{
		ID: "doc-1", Text: "one two three four five six seven eight nine ten", Source: "wiki",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(store.upserted) != 3 {
		t.Fatalf("expected 3 upserts, got %d", len(store.upserted))
	}
	for _, rec := range store.upserted {
		if rec.DocumentID != "doc-1" || rec.Source != "wiki" || !rec.IngestedAt.Equal(fixedNow) {
			t.Errorf("record lost document fields: %+v", rec.Chunk)
		}
		if len(rec.Embedding) != 2 {
			t.Errorf("record %s has no embedding", rec.ID)
		}
	}
	if store.callOrder[0] != "delete" {
		t.Errorf("previous version must be removed before upserting, order %v", store.callOrder)
	}
	if len(inval.docs) != 1 || inval.docs[0] != "doc-1" {
		t.Errorf("expected invalidation of doc-1, got %v", inval.docs)
	}
}

func TestIngest_GeneratesID(t *testing.T) {
	svc := newService(t, &mockEmbedder{}, &mockStore{}, nil)
	chunks, err := svc.Ingest(context.Background(), domain.Document{Text: "hello world"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := uuid.Parse(chunks[0].DocumentID); err != nil {
		t.Errorf("expected generated uuid, got %q", chunks[0].DocumentID)
	}
}

func TestIngest_InvalidInput(t *testing.T) {
	svc := newService(t, &mockEmbedder{}, &mockStore{}, nil)
	for _, doc := range []domain.Document{
		{ID: "bad id", Text: "text"},
		{ID: "doc", Text: "   "},
	} {
		if _, err := svc.Ingest(context.Background(), doc); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Ingest(%+v): expected ErrInvalidInput, got %v", doc, err)
		}
	}
}

func TestIngest_EmbeddingFailureWritesNothing(t *testing.T) {
	var calls atomic.Int32
	emb := &mockEmbedder{embedFn: func(_ context.Context, text string) (domain.EmbeddingResult, error) {
		if calls.Add(1) == 2 {
			return domain.EmbeddingResult{}, fmt.Errorf("503: %w", domain.ErrProviderUnavailable)
		}
		return domain.EmbeddingResult{Embedding: []float32{1}}, nil
	}}
	store := &mockStore{}
	inval := &mockInvalidator{}
	svc := newService(t, emb, store, inval)

	_, err := svc.Ingest(context.Background(), domain.Document{ID: "doc", Text: strings.Repeat("w ", 20)})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if len(store.callOrder) != 0 {
		t.Errorf("store must not be touched on embedding failure, got %v", store.callOrder)
	}
	if len(inval.docs) != 0 {
		t.Errorf("no invalidation expected, got %v", inval.docs)
	}
}

func TestIngest_UpsertFailureRollsBack(t *testing.T) {
	boom := errors.New("redis down")
	store := &mockStore{upsertFn: func(_ context.Context, rec domain.ChunkRecord) error {
		if rec.Seq == 1 {
			return boom
		}
		return nil
	}}
	svc := newService(t, &mockEmbedder{}, store, &mockInvalidator{})

	_, err := svc.Ingest(context.Background(), domain.Document{ID: "doc", Text: strings.Repeat("w ", 20)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if n := len(store.deleted); n != 2 || store.callOrder[len(store.callOrder)-1] != "delete" {
		t.Errorf("expected replace delete and rollback delete, got %v", store.callOrder)
	}
}

func TestIngest_DeleteFailure(t *testing.T) {
	store := &mockStore{deleteFn: func(context.Context, string) error { return errors.New("scan failed") }}
	svc := newService(t, &mockEmbedder{}, store, nil)
	if _, err := svc.Ingest(context.Background(), domain.Document{ID: "doc", Text: "a b c"}); err == nil {
		t.Fatal("expected error")
	}
	if len(store.upserted) != 0 {
		t.Error("nothing may be upserted when the old version cannot be removed")
	}
}

func TestDelete(t *testing.T) {
	store := &mockStore{}
	inval := &mockInvalidator{}
	svc := newService(t, &mockEmbedder{}, store, inval)

	if err := svc.Delete(context.Background(), "doc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(store.deleted) != 1 || len(inval.docs) != 1 {
		t.Errorf("expected cascade to store and cache, got %v %v", store.deleted, inval.docs)
	}
	if err := svc.Delete(context.Background(), ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestIngest_UsesBatchUpsert(t *testing.T) {
	store := &batchStore{}
	svc := newService(t, &mockEmbedder{}, store, nil)

	chunks, err := svc.Ingest(context.Background(), domain.Document{
		ID: "doc", Text: "one two three four five six seven",
		Metadata: map[string]string{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if store.batches != 1 || len(store.upserted) != len(chunks) {
		t.Fatalf("expected one batch of %d chunks, got %d batches and %d records",
			len(chunks), store.batches, len(store.upserted))
	}
	for _, rec := range store.upserted {
		if rec.Metadata["lang"] != "en" {
			t.Errorf("chunk %s lost document metadata: %v", rec.ID, rec.Metadata)
		}
	}
	if slices.Contains(store.callOrder, "upsert") {
		t.Errorf("single upserts must not be used with a batch store: %v", store.callOrder)
	}
}

func TestIngest_BatchFailureRollsBack(t *testing.T) {
	boom := errors.New("pipeline failed")
	store := &batchStore{batchFn: func(context.Context, []domain.ChunkRecord) error { return boom }}
	svc := newService(t, &mockEmbedder{}, store, nil)

	_, err := svc.Ingest(context.Background(), domain.Document{ID: "doc", Text: "a b c d e"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected batch error, got %v", err)
	}
	if want := []string{"delete", "batch", "delete"}; !slices.Equal(store.callOrder, want) {
		t.Errorf("call order = %v, want %v", store.callOrder, want)
	}
}
