package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 64 << 10
)

// Document is a unit of ingestion.
type Document struct {
	// ID is optional; the server assigns one when empty.
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Chunk describes a stored chunk of an ingested document.
type Chunk struct {
	ID         string `json:"id"`
	Seq        int    `json:"seq"`
	TokenCount int    `json:"token_count"`
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	DocumentID string  `json:"document_id"`
	Chunks     []Chunk `json:"chunks"`
}

// Answer is the result of a query.
type Answer struct {
	Text               string   `json:"answer"`
	SupportingChunkIDs []string `json:"supporting_chunk_ids"`
	FromCache          bool     `json:"from_cache"`
	// Degraded is set when no stored chunk was relevant and the answer is a fallback.
	Degraded    bool     `json:"degraded"`
	Model       string   `json:"model,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Stages      []string `json:"stages,omitempty"`
}

// HealthStatus represents the aggregated server health.
type HealthStatus struct {
	Status  string            `json:"status"` // "ok", "degraded", "error"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version"`
}

type queryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// Client talks to a docqa server. Safe for concurrent use.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	obs     *observer
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("docqa: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("docqa: base url must be http or https, got %q", baseURL)
	}

	cfg := &clientConfig{timeout: defaultTimeout}
	for _, o := range opts {
		o.apply(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	return &Client{baseURL: u, apiKey: cfg.apiKey, http: hc, obs: obs}, nil
}

// Ingest stores a document, replacing any document with the same ID.
func (c *Client) Ingest(ctx context.Context, doc Document) (res IngestResult, err error) {
	start := time.Now()
	defer func() { c.obs.observe("ingest", start, err) }()

	err = c.do(ctx, http.MethodPost, "/documents", doc, &res, http.StatusCreated)
	return res, err
}

// Delete removes a document and all of its chunks.
func (c *Client) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("delete", start, err) }()

	return c.do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil, http.StatusNoContent)
}

// Query answers a question from the ingested documents.
func (c *Client) Query(ctx context.Context, query string, opts ...QueryOption) (ans Answer, err error) {
	start := time.Now()
	defer func() { c.obs.observe("query", start, err) }()

	req := queryRequest{Query: query}
	for _, o := range opts {
		o(&req)
	}
	err = c.do(ctx, http.MethodPost, "/query", req, &ans, http.StatusOK)
	return ans, err
}

// Health reports server health. An unhealthy server still yields a status;
// err is set only when the server could not be reached or answered garbage.
func (c *Client) Health(ctx context.Context) (hs HealthStatus, err error) {
	start := time.Now()
	defer func() { c.obs.observe("health", start, err) }()

	err = c.do(ctx, http.MethodGet, "/health", nil, &hs, http.StatusOK, http.StatusServiceUnavailable)
	return hs, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, accept ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("docqa: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("docqa: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("docqa: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("docqa: decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	if err == nil && json.Unmarshal(data, &eb) == nil && eb.Code != "" {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Message
		apiErr.Stage = eb.Stage
		return apiErr
	}

	apiErr.Code = "unexpected_status"
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// AsAPIError returns the server error carried by err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
