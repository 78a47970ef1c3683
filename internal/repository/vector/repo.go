// Package vector stores chunk embeddings as Redis/Valkey hashes behind an
// FT vector index with cosine distance.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kailas-cloud/docqa/internal/db"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// Compile-time check: Repo implements domain.VectorStore.
var _ domain.VectorStore = (*Repo)(nil)

var (
	chunkPrefix = domain.KeyPrefix + "chunk:"
	// Index settings live outside chunkPrefix so the index never covers them.
	indexMetaPrefix = domain.KeyPrefix + "index:"
)

const metaDimensions = "dimensions"

// store is the consumer interface for chunk storage (ISP).
type store interface {
	db.Pinger
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
}

// HNSWConfig tunes the HNSW graph. Zero values leave server defaults.
type HNSWConfig struct {
	M              int
	EFConstruction int
}

// Config describes the index.
type Config struct {
	IndexName  string
	Dimensions int
	Algorithm  db.VectorAlgorithm
	HNSW       HNSWConfig
}

// Repo implements domain.VectorStore.
type Repo struct {
	store store
	cfg   Config
}

// New creates a vector repository.
func New(s store, cfg Config) (*Repo, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive: %w", domain.ErrInvalidConfiguration)
	}
	if cfg.IndexName == "" {
		cfg.IndexName = domain.KeyPrefix + "chunks:idx"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = db.VectorHNSW
	}
	return &Repo{store: s, cfg: cfg}, nil
}

// EnsureIndex creates the FT index unless it already exists. An index built
// for another embedding dimension is dropped and rebuilt; chunks stored at the
// old dimension stay out of the new index until their documents are re-ingested.
// It reports whether an existing index was rebuilt.
func (r *Repo) EnsureIndex(ctx context.Context) (bool, error) {
	def, err := buildIndex(r.cfg)
	if err != nil {
		return false, fmt.Errorf("build index: %w", err)
	}
	metaKey := indexMetaPrefix + def.Name
	want := strconv.Itoa(r.cfg.Dimensions)

	exists, err := r.store.IndexExists(ctx, def.Name)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", def.Name, err)
	}
	rebuilt := false
	if exists {
		meta, err := r.store.HGetAll(ctx, metaKey)
		if err != nil {
			return false, fmt.Errorf("read index settings %s: %w", def.Name, err)
		}
		// Indexes created without settings are trusted as they are.
		if got, ok := meta[metaDimensions]; ok && got != want {
			if err := r.store.DropIndex(ctx, def.Name); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
				return false, fmt.Errorf("drop index %s: %w", def.Name, err)
			}
			exists, rebuilt = false, true
		}
	}
	if !exists {
		if err := r.store.CreateIndex(ctx, def); err != nil && !errors.Is(err, db.ErrIndexExists) {
			return false, fmt.Errorf("create index %s: %w", def.Name, err)
		}
	}
	if err := r.store.HSet(ctx, metaKey, map[string]string{
		metaDimensions: want,
		"algorithm":    string(r.cfg.Algorithm),
	}); err != nil {
		return false, fmt.Errorf("write index settings %s: %w", def.Name, err)
	}
	return rebuilt, nil
}

// Upsert writes the chunk hash. Re-writing the same chunk ID overwrites it.
func (r *Repo) Upsert(ctx context.Context, rec domain.ChunkRecord) error {
	if err := r.checkDim(len(rec.Embedding)); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	key := chunkKey(rec.DocumentID, rec.Seq)
	if err := r.store.HSet(ctx, key, buildHashFields(rec)); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// UpsertBatch writes all chunk hashes in one pipelined round trip.
func (r *Repo) UpsertBatch(ctx context.Context, recs []domain.ChunkRecord) error {
	items := make([]db.HashSetItem, len(recs))
	for i, rec := range recs {
		if err := r.checkDim(len(rec.Embedding)); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
		items[i] = db.HashSetItem{Key: chunkKey(rec.DocumentID, rec.Seq), Fields: buildHashFields(rec)}
	}
	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("hset %d chunks: %w", len(items), err)
	}
	return nil
}

// Search returns up to topK chunks by descending cosine similarity.
func (r *Repo) Search(ctx context.Context, query []float32, topK int, f domain.Filter) ([]domain.Match, error) {
	if err := r.checkDim(len(query)); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("search: top-k must be positive: %w", domain.ErrInvalidInput)
	}

	q := &db.KNNQuery{
		IndexName:    r.cfg.IndexName,
		VectorField:  fieldEmbedding,
		Tags:         tagFilter(f),
		Vector:       query,
		K:            topK,
		ReturnFields: returnFields,
	}
	sr, err := r.store.SearchKNN(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("knn search %s: %w", r.cfg.IndexName, err)
	}
	if sr == nil {
		return nil, nil
	}

	matches := make([]domain.Match, 0, len(sr.Entries))
	for _, e := range sr.Entries {
		matches = append(matches, parseMatch(e.Fields, e.Score))
	}
	domain.SortMatches(matches)
	return matches, nil
}

// DeleteDocument removes every chunk of documentID. Missing documents are a no-op.
func (r *Repo) DeleteDocument(ctx context.Context, documentID string) error {
	prefix := chunkPrefix + documentID + ":"
	keys, err := r.store.Scan(ctx, globEscaper.Replace(prefix)+"*")
	if err != nil {
		return fmt.Errorf("scan %s: %w", documentID, err)
	}

	// A document ID that is a prefix of another, e.g. "a" and "a:b", shares
	// the pattern; keep only keys whose remainder is the sequence number.
	owned := keys[:0]
	for _, k := range keys {
		if isSeq(strings.TrimPrefix(k, prefix)) {
			owned = append(owned, k)
		}
	}
	if err := r.store.Del(ctx, owned...); err != nil {
		return fmt.Errorf("del chunks of %s: %w", documentID, err)
	}
	return nil
}

// Ping checks the underlying store.
func (r *Repo) Ping(ctx context.Context) error {
	return r.store.Ping(ctx) //nolint:wrapcheck // db.Error already
}

func (r *Repo) checkDim(n int) error {
	if n != r.cfg.Dimensions {
		return fmt.Errorf("got %d want %d: %w", n, r.cfg.Dimensions, domain.ErrDimensionMismatch)
	}
	return nil
}

func tagFilter(f domain.Filter) map[string][]string {
	if f.IsEmpty() {
		return nil
	}
	tags := make(map[string][]string, 2)
	if len(f.DocumentIDs) > 0 {
		tags[fieldDocumentID] = f.DocumentIDs
	}
	if f.Source != "" {
		tags[fieldSource] = []string{f.Source}
	}
	return tags
}

func chunkKey(documentID string, seq int) string {
	return fmt.Sprintf("%s%s:%d", chunkPrefix, documentID, seq)
}

func isSeq(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
