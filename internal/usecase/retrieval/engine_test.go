package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/metrics"
	"github.com/kailas-cloud/docqa/internal/resilience"
)

func TestMain(m *testing.M) {
	metrics.Register()
	os.Exit(m.Run())
}

func match(id string, seq int, score float64, tokens int) domain.Match {
	return domain.Match{ChunkID: id, DocumentID: "d", Seq: seq, Text: id, TokenCount: tokens, Score: score}
}

func baseConfig() Config {
	return Config{
		TopK:             2,
		MinSimilarity:    0.5,
		MaxContextTokens: 1000,
		SearchPolicy:     resilience.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func mustEngine(t *testing.T, s Searcher, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := baseConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(&mockEmbedder{}, s, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestRetrieve_ColdQueryTopKAndThreshold(t *testing.T) {
	store := storeOf(match("d#0", 0, 0.92, 10), match("d#1", 1, 0.81, 10), match("d#2", 2, 0.40, 10))
	res, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	ids := res.ChunkIDs()
	if len(ids) != 2 || ids[0] != "d#0" || ids[1] != "d#1" {
		t.Fatalf("expected [d#0 d#1], got %v", ids)
	}
	if res.ContextTokens != 20 || res.Candidates != 2 || res.EmbeddingTokens != 3 {
		t.Errorf("unexpected result stats: %+v", res)
	}
}

func TestRetrieve_ThresholdIsInclusive(t *testing.T) {
	store := storeOf(match("d#0", 0, 0.5, 1))
	res, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil || len(res.Matches) != 1 {
		t.Fatalf("score equal to threshold must pass: %+v %v", res, err)
	}
}

func TestRetrieve_NoRelevantContext(t *testing.T) {
	store := storeOf(match("d#0", 0, 0.3, 1), match("d#1", 1, 0.1, 1))
	_, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", domain.Filter{})
	if !errors.Is(err, domain.ErrNoRelevantContext) {
		t.Fatalf("expected ErrNoRelevantContext, got %v", err)
	}
}

func TestRetrieve_EmptyStore(t *testing.T) {
	_, err := mustEngine(t, storeOf(), nil).Retrieve(context.Background(), "q", domain.Filter{})
	if !errors.Is(err, domain.ErrNoRelevantContext) {
		t.Fatalf("expected ErrNoRelevantContext, got %v", err)
	}
}

func TestRetrieve_ContextBudgetDropsWholeChunks(t *testing.T) {
	store := storeOf(match("d#0", 0, 0.9, 40), match("d#1", 1, 0.8, 40), match("d#2", 2, 0.7, 5))
	e := mustEngine(t, store, func(c *Config) {
		c.TopK = 3
		c.MaxContextTokens = 60
	})
	res, err := e.Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// d#2 would fit on its own, but the context is a prefix of the ranking.
	if ids := res.ChunkIDs(); len(ids) != 1 || ids[0] != "d#0" {
		t.Fatalf("expected [d#0], got %v", ids)
	}
	if res.ContextTokens != 40 {
		t.Errorf("expected 40 context tokens, got %d", res.ContextTokens)
	}
}

func TestRetrieve_TopChunkOverBudget(t *testing.T) {
	store := storeOf(match("d#0", 0, 0.9, 100))
	e := mustEngine(t, store, func(c *Config) { c.MaxContextTokens = 50 })
	if _, err := e.Retrieve(context.Background(), "q", domain.Filter{}); !errors.Is(err, domain.ErrNoRelevantContext) {
		t.Fatalf("expected ErrNoRelevantContext, got %v", err)
	}
}

func TestRetrieve_CountsTokensWhenMissing(t *testing.T) {
	m := match("d#0", 0, 0.9, 0)
	m.Text = "one two three"
	res, err := mustEngine(t, storeOf(m), nil).Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil || res.ContextTokens != 3 {
		t.Fatalf("expected 3 counted tokens, got %+v %v", res, err)
	}
}

func TestRetrieve_RecencyBoost(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := match("old#0", 0, 0.80, 1)
	old.IngestedAt = now.Add(-365 * 24 * time.Hour)
	fresh := match("new#0", 0, 0.75, 1)
	fresh.IngestedAt = now

	e := mustEngine(t, storeOf(old, fresh), func(c *Config) {
		c.RecencyWeight = 0.2
		c.RecencyHalfLife = 24 * time.Hour
		c.Now = func() time.Time { return now }
	})
	res, err := e.Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ids := res.ChunkIDs(); ids[0] != "new#0" {
		t.Fatalf("fresh chunk should outrank a slightly closer stale one, got %v", ids)
	}
	if res.Matches[0].Score != 0.75 {
		t.Errorf("raw similarity must be preserved, got %g", res.Matches[0].Score)
	}
}

func TestRetrieve_RecencyBoostMonotonicForEqualAge(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := match("a#0", 0, 0.9, 1)
	b := match("b#0", 0, 0.6, 1)
	a.IngestedAt, b.IngestedAt = now, now

	e := mustEngine(t, storeOf(b, a), func(c *Config) {
		c.RecencyWeight = 1
		c.RecencyHalfLife = time.Hour
		c.Now = func() time.Time { return now }
	})
	res, err := e.Retrieve(context.Background(), "q", domain.Filter{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ids := res.ChunkIDs(); ids[0] != "a#0" {
		t.Errorf("boost must not invert similarity order at equal age, got %v", ids)
	}
}

func TestRetrieve_PassesFilterAndTopK(t *testing.T) {
	want := domain.Filter{DocumentIDs: []string{"d"}, Source: "wiki"}
	store := &mockSearcher{searchFn: func(_ context.Context, q []float32, topK int, f domain.Filter) ([]domain.Match, error) {
		if topK != 2 || len(q) != 2 || f.Source != want.Source || len(f.DocumentIDs) != 1 {
			t.Errorf("unexpected search args: topK=%d q=%v f=%+v", topK, q, f)
		}
		return []domain.Match{match("d#0", 0, 0.9, 1)}, nil
	}}
	if _, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", want); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	_, err := mustEngine(t, storeOf(), nil).Retrieve(context.Background(), " ", domain.Filter{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRetrieve_EmbeddingErrorPropagates(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(context.Context, string) (domain.EmbeddingResult, error) {
		return domain.EmbeddingResult{}, fmt.Errorf("down: %w", domain.ErrProviderUnavailable)
	}}
	e, err := New(emb, storeOf(), baseConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Retrieve(context.Background(), "q", domain.Filter{}); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestRetrieve_SearchRetriedOnTransientError(t *testing.T) {
	store := &mockSearcher{}
	store.searchFn = func(context.Context, []float32, int, domain.Filter) ([]domain.Match, error) {
		if store.calls == 1 {
			return nil, domain.ErrProviderUnavailable
		}
		return []domain.Match{match("d#0", 0, 0.9, 1)}, nil
	}
	if _, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", domain.Filter{}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected 2 search calls, got %d", store.calls)
	}
}

func TestRetrieve_DimensionMismatchNotRetried(t *testing.T) {
	store := &mockSearcher{searchFn: func(context.Context, []float32, int, domain.Filter) ([]domain.Match, error) {
		return nil, fmt.Errorf("query has 2 dims: %w", domain.ErrDimensionMismatch)
	}}
	_, err := mustEngine(t, store, nil).Retrieve(context.Background(), "q", domain.Filter{})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("dimension mismatch must not be retried, got %d calls", store.calls)
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.TopK = 0 },
		func(c *Config) { c.MinSimilarity = 1.5 },
		func(c *Config) { c.MaxContextTokens = 0 },
		func(c *Config) { c.RecencyWeight = -1 },
		func(c *Config) { c.RecencyWeight = 0.5; c.RecencyHalfLife = 0 },
	}
	for i, mutate := range bad {
		cfg := baseConfig()
		mutate(&cfg)
		if _, err := New(&mockEmbedder{}, storeOf(), cfg); !errors.Is(err, domain.ErrInvalidConfiguration) {
			t.Errorf("case %d: expected ErrInvalidConfiguration, got %v", i, err)
		}
	}
}
