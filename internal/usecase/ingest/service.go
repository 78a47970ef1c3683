// Package ingest chunks, embeds and stores documents.
package ingest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/docqa/internal/domain"
)

const defaultConcurrency = 4

// Config holds ingestion settings.
type Config struct {
	// Concurrency bounds parallel embedding and upsert calls per document.
	Concurrency int
	Now         func() time.Time
	Logger      *zap.Logger
}

// Service ingests documents. Safe for concurrent use; concurrent ingests of
// the same document ID race and the last one to finish wins.
type Service struct {
	split  Splitter
	embed  Embedder
	store  Store
	inval  Invalidator
	cfg    Config
	logger *zap.Logger
}

// New creates an ingestion service. inval may be nil.
func New(split Splitter, embed Embedder, store Store, inval Invalidator, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{split: split, embed: embed, store: store, inval: inval, cfg: cfg, logger: cfg.Logger}
}

// Ingest stores doc and returns its chunks. An empty ID gets a generated one.
// Ingesting an existing ID replaces the previous chunks. All embeddings are
// computed before anything is written, so a provider failure leaves the
// previous version in place. A store failure after that removes the
// document rather than leaving it half-written.
func (s *Service) Ingest(ctx context.Context, doc domain.Document) ([]domain.Chunk, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if err := domain.ValidateDocumentID(doc.ID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, fmt.Errorf("document %s has no text: %w", doc.ID, domain.ErrInvalidInput)
	}
	doc.IngestedAt = s.cfg.Now().UTC()

	chunks := slices.Collect(s.split.Split(doc))
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s produced no chunks: %w", doc.ID, domain.ErrInvalidInput)
	}

	records, tokens, err := s.embedAll(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed document %s: %w", doc.ID, err)
	}

	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("replace document %s: %w", doc.ID, err)
	}
	if err := s.upsertAll(ctx, records); err != nil {
		s.rollback(doc.ID)
		s.invalidate(ctx, doc.ID)
		return nil, fmt.Errorf("store document %s: %w", doc.ID, err)
	}

	invalidated := s.invalidate(ctx, doc.ID)

	s.logger.Info("Document ingested",
		zap.String("document_id", doc.ID),
		zap.String("source", doc.Source),
		zap.Int("chunks", len(chunks)),
		zap.Int("embedding_tokens", tokens),
		zap.Int("invalidated_answers", invalidated),
	)
	return chunks, nil
}

// Delete removes a document's chunks and the global answers citing it.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	if err := domain.ValidateDocumentID(documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	invalidated := s.invalidate(ctx, documentID)
	s.logger.Info("Document deleted",
		zap.String("document_id", documentID),
		zap.Int("invalidated_answers", invalidated),
	)
	return nil
}

func (s *Service) embedAll(ctx context.Context, chunks []domain.Chunk) ([]domain.ChunkRecord, int, error) {
	records := make([]domain.ChunkRecord, len(chunks))
	usage := make([]int, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, ch := range chunks {
		g.Go(func() error {
			res, err := s.embed.Embed(gctx, ch.Text)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", ch.ID, err)
			}
			records[i] = domain.ChunkRecord{Chunk: ch, Embedding: res.Embedding}
			usage[i] = res.TotalTokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err //nolint:wrapcheck // wrapped by caller
	}

	total := 0
	for _, n := range usage {
		total += n
	}
	return records, total, nil
}

func (s *Service) upsertAll(ctx context.Context, records []domain.ChunkRecord) error {
	if bs, ok := s.store.(BatchStore); ok {
		return bs.UpsertBatch(ctx, records) //nolint:wrapcheck // wrapped by caller
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range records {
		g.Go(func() error {
			if err := s.store.Upsert(gctx, rec); err != nil {
				return fmt.Errorf("chunk %s: %w", rec.ID, err)
			}
			return nil
		})
	}
	return g.Wait() //nolint:wrapcheck // wrapped by caller
}

// rollback removes a half-written document on a detached context.
func (s *Service) rollback(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		s.logger.Error("Failed to roll back partially stored document",
			zap.String("document_id", documentID), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, documentID string) int {
	if s.inval == nil {
		return 0
	}
	return s.inval.InvalidateDocument(ctx, documentID)
}
