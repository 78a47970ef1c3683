package chi

import (
	"context"

	"github.com/kailas-cloud/docqa/internal/domain"
	healthuc "github.com/kailas-cloud/docqa/internal/usecase/health"
	"github.com/kailas-cloud/docqa/internal/usecase/pipeline"
)

// Ingester stores and removes documents.
type Ingester interface {
	Ingest(ctx context.Context, doc domain.Document) ([]domain.Chunk, error)
	Delete(ctx context.Context, documentID string) error
}

// Querier answers questions.
type Querier interface {
	Query(ctx context.Context, text, conversationID string) (pipeline.QueryResult, error)
}

// HealthChecker aggregates dependency checks.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}
