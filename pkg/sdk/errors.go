package sdk

import (
	"fmt"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrInvalidInput         = domain.ErrInvalidInput
	ErrInvalidConfiguration = domain.ErrInvalidConfiguration
	ErrProviderUnavailable  = domain.ErrProviderUnavailable
	ErrDimensionMismatch    = domain.ErrDimensionMismatch
	ErrNoRelevantContext    = domain.ErrNoRelevantContext
	ErrDocumentNotFound     = domain.ErrDocumentNotFound
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Stage is the pipeline stage a query failed in, if any.
	Stage string
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("docqa: %d %s at %s: %s", e.StatusCode, e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("docqa: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

var codeSentinels = map[string]error{
	"validation_failed":     ErrInvalidInput,
	"document_not_found":    ErrDocumentNotFound,
	"no_relevant_context":   ErrNoRelevantContext,
	"provider_unavailable":  ErrProviderUnavailable,
	"dimension_mismatch":    ErrDimensionMismatch,
	"invalid_configuration": ErrInvalidConfiguration,
}

// Unwrap maps the server error code to a sentinel.
func (e *APIError) Unwrap() error {
	return codeSentinels[e.Code]
}
