package chi

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest           ErrorCode = "bad_request"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeNotFound             ErrorCode = "not_found"
	CodeMethodNotAllowed     ErrorCode = "method_not_allowed"
	CodeValidationFailed     ErrorCode = "validation_failed"
	CodeDocumentNotFound     ErrorCode = "document_not_found"
	CodeNoRelevantContext    ErrorCode = "no_relevant_context"
	CodeProviderUnavailable  ErrorCode = "provider_unavailable"
	CodeDimensionMismatch    ErrorCode = "dimension_mismatch"
	CodeInvalidConfiguration ErrorCode = "invalid_configuration"
	CodeTimeout              ErrorCode = "timeout"
	CodeCanceled             ErrorCode = "canceled"
	CodeInternalError        ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Stage is set for query failures.
	Stage string `json:"stage,omitempty"`
}

// IngestRequest is the body of POST /documents.
type IngestRequest struct {
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChunkResponse describes a stored chunk.
type ChunkResponse struct {
	ID         string `json:"id"`
	Seq        int    `json:"seq"`
	TokenCount int    `json:"token_count"`
}

// IngestResponse is returned by POST /documents.
type IngestResponse struct {
	DocumentID string          `json:"document_id"`
	Chunks     []ChunkResponse `json:"chunks"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// QueryResponse is returned by POST /query.
type QueryResponse struct {
	Answer             string   `json:"answer"`
	SupportingChunkIDs []string `json:"supporting_chunk_ids"`
	FromCache          bool     `json:"from_cache"`
	Degraded           bool     `json:"degraded"`
	Model              string   `json:"model,omitempty"`
	Fingerprint        string   `json:"fingerprint,omitempty"`
	Stages             []string `json:"stages,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version"`
}
