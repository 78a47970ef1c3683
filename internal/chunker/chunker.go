// Package chunker splits documents into overlapping token windows.
package chunker

import (
	"fmt"
	"iter"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/tokenizer"
)

// Config holds window parameters, both in tokens.
type Config struct {
	Size    int
	Overlap int
}

// Validate rejects windows that cannot advance.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d: %w", c.Size, domain.ErrInvalidConfiguration)
	}
	if c.Overlap <= 0 {
		return fmt.Errorf("chunk overlap must be positive, got %d: %w", c.Overlap, domain.ErrInvalidConfiguration)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap %d must be less than size %d: %w",
			c.Overlap, c.Size, domain.ErrInvalidConfiguration)
	}
	return nil
}

// Chunker is stateless and safe for concurrent use.
type Chunker struct {
	cfg Config
	tok tokenizer.Tokenizer
}

// New validates cfg and returns a Chunker.
func New(cfg Config, tok tokenizer.Tokenizer) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		tok = tokenizer.Word{}
	}
	return &Chunker{cfg: cfg, tok: tok}, nil
}

// Tokenizer returns the tokenizer the chunker counts with.
func (c *Chunker) Tokenizer() tokenizer.Tokenizer { return c.tok }

// Split lazily yields the chunks of doc. The window advances by Size-Overlap
// tokens; only the final chunk may be shorter than Size. Each range over the
// returned sequence starts again from chunk 0.
func (c *Chunker) Split(doc domain.Document) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		spans := c.tok.Tokenize(doc.Text)
		n := len(spans)
		stride := c.cfg.Size - c.cfg.Overlap

		for seq, start := 0, 0; start < n; seq, start = seq+1, start+stride {
			end := min(start+c.cfg.Size, n)
			overlap := 0
			if seq > 0 {
				overlap = c.cfg.Overlap
			}
			chunk := domain.Chunk{
				ID:         domain.ChunkID(doc.ID, seq),
				DocumentID: doc.ID,
				Seq:        seq,
				Text:       doc.Text[spans[start].Start:spans[end-1].End],
				TokenCount: end - start,
				Overlap:    overlap,
				Source:     doc.Source,
				Metadata:   doc.Metadata,
				IngestedAt: doc.IngestedAt,
			}
			if !yield(chunk) || end == n {
				return
			}
		}
	}
}
