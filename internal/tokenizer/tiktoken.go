package tokenizer

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Tiktoken is a BPE tokenizer backed by tiktoken-go.
type Tiktoken struct {
	name string
	enc  *tiktoken.Tiktoken
}

// NewTiktoken resolves an encoding name (e.g. cl100k_base) or a model name
// (e.g. gpt-4o). Empty means cl100k_base.
func NewTiktoken(encodingOrModel string) (*Tiktoken, error) {
	if encodingOrModel == "" {
		encodingOrModel = defaultEncoding
	}
	enc, encErr := tiktoken.GetEncoding(encodingOrModel)
	if encErr != nil {
		var modelErr error
		enc, modelErr = tiktoken.EncodingForModel(encodingOrModel)
		if modelErr != nil {
			return nil, fmt.Errorf("tiktoken encoding %q: %w", encodingOrModel, errors.Join(encErr, modelErr))
		}
	}
	return &Tiktoken{name: encodingOrModel, enc: enc}, nil
}

// Name implements Tokenizer.
func (t *Tiktoken) Name() string { return "tiktoken:" + t.name }

// Tokenize implements Tokenizer. BPE tokens are byte sequences, so a rune
// can be encoded as several tokens; those are merged into one span and
// every span boundary falls on a rune start.
func (t *Tiktoken) Tokenize(text string) []Span {
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) == 0 {
		return nil
	}
	lengths := make([]int, len(ids))
	for i, id := range ids {
		lengths[i] = len(t.enc.Decode([]int{id}))
	}
	return runeSpans(text, lengths)
}

// runeSpans turns consecutive piece lengths into spans over text, merging
// pieces until the span ends on a rune boundary. Bytes left over after the
// last piece join the final span.
func runeSpans(text string, lengths []int) []Span {
	spans := make([]Span, 0, len(lengths))
	start, pos := 0, 0
	for _, n := range lengths {
		pos = min(pos+n, len(text))
		if pos == start || (pos < len(text) && !utf8.RuneStart(text[pos])) {
			continue
		}
		spans = append(spans, Span{Start: start, End: pos})
		start = pos
	}
	if start < len(text) {
		if len(spans) == 0 || pos > start {
			spans = append(spans, Span{Start: start, End: len(text)})
		} else {
			spans[len(spans)-1].End = len(text)
		}
	}
	return spans
}
