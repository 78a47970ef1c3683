// Package chi is docqa's HTTP transport: ingest, query, health and metrics
// over a go-chi router.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
	healthuc "github.com/kailas-cloud/docqa/internal/usecase/health"
	"github.com/kailas-cloud/docqa/internal/version"
)

const defaultMaxBodyBytes = 8 << 20

// Server serves the docqa HTTP API.
type Server struct {
	ingest        Ingester
	query         Querier
	health        HealthChecker
	logger        *zap.Logger
	maxBodyBytes  int64
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(ingest Ingester, query Querier, health HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ingest:        ingest,
		query:         query,
		health:        health,
		logger:        logger,
		maxBodyBytes:  defaultMaxBodyBytes,
		errorHandlers: defaultErrorHandlers(),
	}
}

// WithMaxBodyBytes caps request bodies. Non-positive values keep the default.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	if n > 0 {
		s.maxBodyBytes = n
	}
	return s
}

// Mount registers the API routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Post("/documents", s.IngestDocument)
	r.Delete("/documents/{id}", s.DeleteDocument)
	r.Post("/query", s.Query)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// IngestDocument handles POST /documents.
func (s *Server) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !s.decode(w, r, &req) {
		return
	}

	chunks, err := s.ingest.Ingest(r.Context(), domain.Document{
		ID:       req.ID,
		Text:     req.Text,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	resp := IngestResponse{Chunks: make([]ChunkResponse, len(chunks))}
	for i, c := range chunks {
		resp.DocumentID = c.DocumentID
		resp.Chunks[i] = ChunkResponse{ID: c.ID, Seq: c.Seq, TokenCount: c.TokenCount}
	}

	w.Header().Set("Location", "/documents/"+url.PathEscape(resp.DocumentID))
	writeJSON(w, http.StatusCreated, resp)
}

// DeleteDocument handles DELETE /documents/{id}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Query handles POST /query.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.query.Query(r.Context(), req.Query, req.ConversationID)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	stages := make([]string, len(res.Stages))
	for i, st := range res.Stages {
		stages[i] = string(st)
	}
	ids := res.SupportingChunkIDs
	if ids == nil {
		ids = []string{}
	}

	if res.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Answer:             res.Answer.Text,
		SupportingChunkIDs: ids,
		FromCache:          res.FromCache,
		Degraded:           res.Degraded,
		Model:              res.Answer.Model,
		Fingerprint:        string(res.Fingerprint),
		Stages:             stages,
	})
}

// HealthCheck handles GET /health. A degraded report still answers 200:
// cached answers and ingestion keep working without a provider.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:  string(report.Status),
		Checks:  checks,
		Version: version.Version,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}
