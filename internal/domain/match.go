package domain

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Match is a single vector-store hit.
type Match struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Text       string
	TokenCount int
	Source     string
	Metadata   map[string]string
	IngestedAt time.Time
	// Score is cosine similarity in [-1, 1], higher is closer.
	Score float64
}

// Filter narrows a search. Zero value matches everything.
type Filter struct {
	DocumentIDs []string
	Source      string
}

// IsEmpty returns true when the filter matches everything.
func (f Filter) IsEmpty() bool {
	return len(f.DocumentIDs) == 0 && f.Source == ""
}

// Allows reports whether a match passes the filter.
func (f Filter) Allows(documentID, source string) bool {
	if f.Source != "" && f.Source != source {
		return false
	}
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, documentID) {
		return false
	}
	return true
}

// VectorStore holds chunk embeddings and answers similarity queries.
type VectorStore interface {
	Upsert(ctx context.Context, rec ChunkRecord) error
	Search(ctx context.Context, query []float32, topK int, f Filter) ([]Match, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// SortMatches orders matches by descending score. Exact score ties go to the
// lower Seq, then the earlier IngestedAt, then the smaller chunk ID.
func SortMatches(ms []Match) {
	slices.SortStableFunc(ms, CompareMatches)
}

// CompareMatches is the ordering used by SortMatches.
func CompareMatches(a, b Match) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ChunkID, b.ChunkID)
}
