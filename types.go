package docqa

import (
	"context"
	"time"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Errors returned by Client methods. Match them with errors.Is.
var (
	ErrInvalidInput         = domain.ErrInvalidInput
	ErrInvalidConfiguration = domain.ErrInvalidConfiguration
	ErrProviderUnavailable  = domain.ErrProviderUnavailable
	ErrDimensionMismatch    = domain.ErrDimensionMismatch
	ErrDocumentNotFound     = domain.ErrDocumentNotFound
)

// Document is a unit of text to index.
type Document struct {
	// ID is generated when empty. Re-using an ID replaces the document.
	ID       string
	Text     string
	Source   string
	Metadata map[string]string
}

// Chunk describes a stored window of a document.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	TokenCount int
}

// Answer is the result of a query.
type Answer struct {
	Text               string
	SupportingChunkIDs []string
	Model              string
	FromCache          bool
	// Degraded marks the canned answer returned when nothing relevant was indexed.
	Degraded bool
}

// Turn is a past exchange passed to a Generator.
type Turn struct {
	Query  string
	Answer string
	At     time.Time
}

// Passage is a retrieved chunk passed to a Generator as context.
type Passage struct {
	ChunkID string
	Text    string
	Source  string
	Score   float64
}

// GenerationRequest is the input of a custom Generator.
type GenerationRequest struct {
	Query   string
	Context []Passage
	History []Turn
}

// EmbeddingResult is the output of a custom Embedder.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// Embedder vectorizes text. Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// Generator writes an answer. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Health is the aggregated dependency status: "ok", "degraded" or "error".
type Health struct {
	Status string
	Checks map[string]string
}
