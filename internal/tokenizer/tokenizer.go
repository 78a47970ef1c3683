// Package tokenizer splits text into byte spans that the chunker windows over.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Span is a token's byte range [Start, End) in the original text.
type Span struct {
	Start int
	End   int
}

// Tokenizer maps text to contiguous token spans. Spans must be ordered,
// non-overlapping and adjacent, so text[spans[0].Start:spans[n-1].End]
// reproduces the tokenized text.
type Tokenizer interface {
	Tokenize(text string) []Span
	Name() string
}

// Count returns the number of tokens in text.
func Count(t Tokenizer, text string) int {
	return len(t.Tokenize(text))
}

// New selects a tokenizer by name: "word" (default) or "tiktoken:<encoding-or-model>".
func New(name string) (Tokenizer, error) {
	switch {
	case name == "" || name == "word":
		return Word{}, nil
	case strings.HasPrefix(name, "tiktoken:"):
		return NewTiktoken(strings.TrimPrefix(name, "tiktoken:"))
	default:
		return nil, fmt.Errorf("unknown tokenizer %q: %w", name, domain.ErrInvalidConfiguration)
	}
}

// Word treats each run of non-space characters plus its trailing whitespace as one token.
// Leading whitespace belongs to the first token.
type Word struct{}

// Name implements Tokenizer.
func (Word) Name() string { return "word" }

// Tokenize implements Tokenizer.
func (Word) Tokenize(text string) []Span {
	n := len(text)
	i := skip(text, 0, true)
	if i == n {
		return nil
	}

	var spans []Span
	start := 0
	for i < n {
		i = skip(text, i, false)
		i = skip(text, i, true)
		spans = append(spans, Span{Start: start, End: i})
		start = i
	}
	return spans
}

// skip advances past runes whose IsSpace equals space.
func skip(text string, i int, space bool) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) != space {
			return i
		}
		i += size
	}
	return i
}
