// Package memvector is an exact in-process vector store for tests, local
// runs and small corpora.
package memvector

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Compile-time check: Store implements domain.VectorStore.
var _ domain.VectorStore = (*Store)(nil)

type record struct {
	chunk domain.Chunk
	unit  []float32
}

// Store keeps unit-normalized vectors so similarity is a dot product.
type Store struct {
	dimensions int

	mu     sync.RWMutex
	chunks map[string]record
	byDoc  map[string]map[string]struct{}
}

// New creates an empty store for vectors of the given dimension.
func New(dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("memvector: dimensions must be positive: %w", domain.ErrInvalidConfiguration)
	}
	return &Store{
		dimensions: dimensions,
		chunks:     make(map[string]record),
		byDoc:      make(map[string]map[string]struct{}),
	}, nil
}

// Upsert stores rec, replacing any chunk with the same ID.
func (s *Store) Upsert(_ context.Context, rec domain.ChunkRecord) error {
	if len(rec.Embedding) != s.dimensions {
		return fmt.Errorf("memvector: chunk %q got %d want %d: %w",
			rec.ID, len(rec.Embedding), s.dimensions, domain.ErrDimensionMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.chunks[rec.ID]; ok && prev.chunk.DocumentID != rec.DocumentID {
		s.unlink(prev.chunk.DocumentID, rec.ID)
	}
	chunk := rec.Chunk
	chunk.Metadata = maps.Clone(rec.Metadata)
	s.chunks[rec.ID] = record{chunk: chunk, unit: normalize(rec.Embedding)}
	ids, ok := s.byDoc[rec.DocumentID]
	if !ok {
		ids = make(map[string]struct{})
		s.byDoc[rec.DocumentID] = ids
	}
	ids[rec.ID] = struct{}{}
	return nil
}

// Search scans every chunk and returns the topK most similar.
func (s *Store) Search(ctx context.Context, query []float32, topK int, f domain.Filter) ([]domain.Match, error) {
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("memvector: query got %d want %d: %w",
			len(query), s.dimensions, domain.ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("memvector: top-k must be positive: %w", domain.ErrInvalidInput)
	}
	q := normalize(query)

	s.mu.RLock()
	matches := make([]domain.Match, 0, len(s.chunks))
	for _, r := range s.chunks {
		if !f.Allows(r.chunk.DocumentID, r.chunk.Source) {
			continue
		}
		matches = append(matches, domain.Match{
			ChunkID:    r.chunk.ID,
			DocumentID: r.chunk.DocumentID,
			Seq:        r.chunk.Seq,
			Text:       r.chunk.Text,
			TokenCount: r.chunk.TokenCount,
			Source:     r.chunk.Source,
			Metadata:   maps.Clone(r.chunk.Metadata),
			IngestedAt: r.chunk.IngestedAt,
			Score:      dot(q, r.unit),
		})
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memvector: %w", err)
	}
	domain.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteDocument removes every chunk of documentID.
func (s *Store) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byDoc[documentID] {
		delete(s.chunks, id)
	}
	delete(s.byDoc, documentID)
	return nil
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) unlink(documentID, chunkID string) {
	ids := s.byDoc[documentID]
	delete(ids, chunkID)
	if len(ids) == 0 {
		delete(s.byDoc, documentID)
	}
}

// normalize returns v scaled to unit length. A zero vector stays zero and
// scores 0 against everything.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
