package domain

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfiguration signals unusable settings, e.g. chunk overlap >= chunk size.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidInput signals a request the provider or service rejects permanently.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProviderUnavailable signals a transient provider failure (network, timeout, 429, 5xx).
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrDimensionMismatch signals a vector whose dimension differs from the store's.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrNoRelevantContext signals that no chunk passed the similarity threshold.
	ErrNoRelevantContext = errors.New("no relevant context")
	// ErrDocumentNotFound signals a missing document.
	ErrDocumentNotFound = errors.New("document not found")
)

// Kind names used in logs, metrics labels and pipeline errors.
const (
	KindInvalidConfiguration = "invalid_configuration"
	KindInvalidInput         = "invalid_input"
	KindProviderUnavailable  = "provider_unavailable"
	KindDimensionMismatch    = "dimension_mismatch"
	KindNoRelevantContext    = "no_relevant_context"
	KindDocumentNotFound     = "document_not_found"
	KindCanceled             = "canceled"
	KindDeadlineExceeded     = "deadline_exceeded"
	KindInternal             = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidConfiguration, KindInvalidConfiguration},
	{ErrInvalidInput, KindInvalidInput},
	{ErrProviderUnavailable, KindProviderUnavailable},
	{ErrDimensionMismatch, KindDimensionMismatch},
	{ErrNoRelevantContext, KindNoRelevantContext},
	{ErrDocumentNotFound, KindDocumentNotFound},
}

// KindOf maps an error to its taxonomy kind. Unknown errors are "internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
