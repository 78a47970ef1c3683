package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/repository/conversation"
	"github.com/kailas-cloud/docqa/internal/repository/resultcache"
	"github.com/kailas-cloud/docqa/internal/resilience"
	"github.com/kailas-cloud/docqa/internal/usecase/retrieval"
)

type mockRetriever struct {
	retrieveFn func(ctx context.Context, query string) (retrieval.Result, error)
	calls      atomic.Int32
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, _ domain.Filter) (retrieval.Result, error) {
	m.calls.Add(1)
	if m.retrieveFn != nil {
		return m.retrieveFn(ctx, query)
	}
	return retrieval.Result{Matches: []domain.Match{
		{ChunkID: "doc#0", DocumentID: "doc", Text: "Paris is the capital of France.", Score: 0.92},
		{ChunkID: "doc#1", DocumentID: "doc", Seq: 1, Text: "France is in Europe.", Score: 0.81},
	}}, nil
}

type mockGenerator struct {
	generateFn func(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error)
	calls      atomic.Int32
}

func (m *mockGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	m.calls.Add(1)
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return domain.GenerationResult{Text: "Paris.", Model: "test-chat"}, nil
}

type fixture struct {
	orch      *Orchestrator
	retriever *mockRetriever
	generator *mockGenerator
	results   *resultcache.Cache
	memory    *conversation.Store
}

func newFixture(t *testing.T, globalEnabled bool) *fixture {
	t.Helper()
	answers, err := cache.New[domain.Answer](cache.Config{Name: "result", TTL: time.Hour, MaxEntries: 100}, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(answers.Close)

	memory, err := conversation.New(conversation.Config{Window: 5})
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	t.Cleanup(memory.Close)

	f := &fixture{
		retriever: &mockRetriever{},
		generator: &mockGenerator{},
		results:   resultcache.New(answers, globalEnabled, nil),
		memory:    memory,
	}
	f.orch = New(f.retriever, f.generator, f.results, f.memory, Config{
		HistoryTurns:     3,
		GenerationPolicy: resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return f
}
