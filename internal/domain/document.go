package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// KeyPrefix namespaces every key docqa writes to a shared Redis/Valkey.
const KeyPrefix = "docqa:"

// Document is a unit of ingested text. Immutable once ingested.
type Document struct {
	ID         string
	Text       string
	Source     string
	Metadata   map[string]string
	IngestedAt time.Time
}

// Chunk is a contiguous, overlapping token window of a document.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Text       string
	TokenCount int
	// Overlap is the number of leading tokens shared with the previous chunk.
	Overlap    int
	Source     string
	Metadata   map[string]string
	IngestedAt time.Time
}

// ChunkID derives the chunk identifier from the document ID and sequence number.
func ChunkID(documentID string, seq int) string {
	return documentID + "#" + strconv.Itoa(seq)
}

// ParseChunkID splits a chunk identifier back into document ID and sequence number.
func ParseChunkID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '#')
	if i < 0 {
		return "", 0, fmt.Errorf("chunk id %q: missing separator: %w", id, ErrInvalidInput)
	}
	seq, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("chunk id %q: %w: %w", id, ErrInvalidInput, err)
	}
	return id[:i], seq, nil
}

// ChunkRecord is a chunk paired with its embedding, as held by a vector store.
type ChunkRecord struct {
	Chunk
	Embedding []float32
}

const maxDocumentIDLen = 256

// ValidateDocumentID rejects identifiers that cannot round-trip through chunk
// IDs, store keys and tag filters: empty, overlong, containing whitespace,
// control characters, commas or braces.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document id is empty: %w", ErrInvalidInput)
	}
	if len(id) > maxDocumentIDLen {
		return fmt.Errorf("document id longer than %d bytes: %w", maxDocumentIDLen, ErrInvalidInput)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(",{}", r) {
			return fmt.Errorf("document id %q contains %q: %w", id, r, ErrInvalidInput)
		}
	}
	return nil
}
