package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Error kinds used as metric labels.
const (
	kindRateLimited = "rate_limited"
	kindServer      = "server_error"
	kindRejected    = "rejected"
	kindNetwork     = "network"
	kindTimeout     = "timeout"
	kindCanceled    = "canceled"
	kindEmpty       = "empty_response"
)

// classify maps a go-openai error to the domain taxonomy. Timeouts, network
// failures, 408, 429 and 5xx are retryable (ErrProviderUnavailable); other 4xx
// are ErrInvalidInput. A canceled caller context is returned as is.
func classify(api string, err error) (string, error) {
	if errors.Is(err, context.Canceled) {
		return kindCanceled, fmt.Errorf("%s request: %w", api, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout, fmt.Errorf("%s request timed out: %w: %w", api, domain.ErrProviderUnavailable, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(api, apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = string(reqErr.Body)
		}
		return statusError(api, reqErr.HTTPStatusCode, detail)
	}

	return kindNetwork, fmt.Errorf("%s request failed: %w: %w", api, domain.ErrProviderUnavailable, err)
}

func statusError(api string, status int, detail string) (string, error) {
	switch {
	case status == http.StatusTooManyRequests:
		return kindRateLimited, fmt.Errorf("%s API error %d: %s: %w", api, status, detail, domain.ErrProviderUnavailable)
	case status == http.StatusRequestTimeout:
		return kindTimeout, fmt.Errorf("%s API error %d: %s: %w", api, status, detail, domain.ErrProviderUnavailable)
	case status >= http.StatusInternalServerError || status == 0:
		return kindServer, fmt.Errorf("%s API error %d: %s: %w", api, status, detail, domain.ErrProviderUnavailable)
	default:
		return kindRejected, fmt.Errorf("%s API error %d: %s: %w", api, status, detail, domain.ErrInvalidInput)
	}
}

// extractDetail extracts the "detail" field from a JSON error body (Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
