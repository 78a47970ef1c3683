package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/db"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/logger"
	"github.com/kailas-cloud/docqa/internal/usecase/pipeline"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, resp ErrorResponse) bool

func defaultErrorHandlers() []errorHandler {
	return []errorHandler{
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, CodeDocumentNotFound),
		sentinelHandler(domain.ErrNoRelevantContext, http.StatusNotFound, CodeNoRelevantContext),
		sentinelHandler(domain.ErrProviderUnavailable, http.StatusServiceUnavailable, CodeProviderUnavailable),
		sentinelHandler(domain.ErrDimensionMismatch, http.StatusInternalServerError, CodeDimensionMismatch),
		sentinelHandler(domain.ErrInvalidConfiguration, http.StatusInternalServerError, CodeInvalidConfiguration),
		sentinelHandler(context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout),
		sentinelHandler(context.Canceled, statusClientClosedRequest, CodeCanceled),
	}
}

// sentinels are the errors whose message is safe to show to clients.
var sentinels = []error{
	domain.ErrInvalidInput,
	domain.ErrDocumentNotFound,
	domain.ErrNoRelevantContext,
	domain.ErrProviderUnavailable,
	domain.ErrDimensionMismatch,
	domain.ErrInvalidConfiguration,
	context.DeadlineExceeded,
	context.Canceled,
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, resp ErrorResponse) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		resp.Code = code
		writeJSON(w, status, resp)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContextOr(r.Context(), s.logger)

	resp := ErrorResponse{Message: safeDomainMessage(err)}
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		resp.Stage = string(perr.Stage)
	}

	for _, h := range s.errorHandlers {
		if h(w, err, resp) {
			log.Debug("domain error", zap.String("kind", domain.KindOf(err)), zap.Error(err))
			return
		}
	}
	fields := []zap.Field{zap.Error(err)}
	if op := db.OpOf(err); op != "" {
		fields = append(fields, zap.String("db_op", op))
	}
	log.Error("internal error", fields...)
	resp.Code = CodeInternalError
	writeJSON(w, http.StatusInternalServerError, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
