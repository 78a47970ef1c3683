package chi

import (
	"context"
	"net/http"

	"github.com/kailas-cloud/docqa/internal/domain"
	healthuc "github.com/kailas-cloud/docqa/internal/usecase/health"
	"github.com/kailas-cloud/docqa/internal/usecase/pipeline"
)

type mockIngester struct {
	ingestFn func(ctx context.Context, doc domain.Document) ([]domain.Chunk, error)
	deleteFn func(ctx context.Context, id string) error
}

func (m *mockIngester) Ingest(ctx context.Context, doc domain.Document) ([]domain.Chunk, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, doc)
	}
	return []domain.Chunk{
		{ID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, Seq: 0, TokenCount: 3},
	}, nil
}

func (m *mockIngester) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

type mockQuerier struct {
	queryFn func(ctx context.Context, text, conversationID string) (pipeline.QueryResult, error)
}

func (m *mockQuerier) Query(ctx context.Context, text, conversationID string) (pipeline.QueryResult, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, text, conversationID)
	}
	return pipeline.QueryResult{
		Answer:             domain.Answer{Text: "Paris.", Sources: []string{"doc#0"}, Model: "test-model"},
		SupportingChunkIDs: []string{"doc#0"},
		Fingerprint:        "fp",
		Stages:             []pipeline.Stage{pipeline.StageFingerprinting, pipeline.StageDone},
	}, nil
}

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(context.Context) healthuc.Report {
	return m.report
}

func newTestRouter(ing Ingester, q Querier, h HealthChecker, apiKeys ...string) http.Handler {
	if ing == nil {
		ing = &mockIngester{}
	}
	if q == nil {
		q = &mockQuerier{}
	}
	if h == nil {
		h = &mockHealth{report: healthuc.Report{
			Status: healthuc.Healthy,
			Checks: map[string]healthuc.CheckResult{"database": healthuc.CheckOK},
		}}
	}
	return NewRouter(NewServer(ing, q, h, nil), RouterConfig{APIKeys: apiKeys})
}
