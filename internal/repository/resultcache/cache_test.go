package resultcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/db"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// sharedTier stands in for Redis between two replicas.
type sharedTier struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *sharedTier) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (s *sharedTier) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *sharedTier) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func newReplica(t *testing.T, tier *sharedTier) *Cache {
	t.Helper()
	c, err := cache.New[domain.Answer](cache.Config{
		Name: "result", TTL: time.Hour, MaxEntries: 32, KeyPrefix: KeyPrefix, Backend: tier,
	}, cache.JSONCodec[domain.Answer]{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(c.Close)
	return New(c, true, nil)
}

func newTestCache(t *testing.T, global bool) *Cache {
	t.Helper()
	c, err := cache.New[domain.Answer](cache.Config{Name: "result", TTL: time.Hour, MaxEntries: 32},
		cache.JSONCodec[domain.Answer]{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(c.Close)
	return New(c, global, nil)
}

func answerFrom(sources ...string) func(context.Context) (domain.Answer, error) {
	return func(context.Context) (domain.Answer, error) {
		return domain.Answer{Text: "a", Sources: sources}, nil
	}
}

func TestGetOrCompute_ConversationScope(t *testing.T) {
	c := newTestCache(t, false)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "conv-1", nil)

	if _, out, err := c.GetOrCompute(ctx, fp, "conv-1", answerFrom("d1#0")); err != nil || out.Hit {
		t.Fatalf("first call: out=%+v err=%v", out, err)
	}
	if _, out, err := c.GetOrCompute(ctx, fp, "conv-1", answerFrom("d1#0")); err != nil || !out.Hit {
		t.Fatalf("second call should hit: out=%+v err=%v", out, err)
	}
	// conversation entries are not tracked for invalidation
	if n := c.InvalidateDocument(ctx, "d1"); n != 0 {
		t.Errorf("expected no invalidation, got %d", n)
	}
	if _, out, _ := c.GetOrCompute(ctx, fp, "conv-1", answerFrom()); !out.Hit {
		t.Error("conversation entry must survive document invalidation")
	}
}

func TestGetOrCompute_GlobalDisabledBypasses(t *testing.T) {
	c := newTestCache(t, false)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)

	calls := 0
	fn := func(context.Context) (domain.Answer, error) {
		calls++
		return domain.Answer{Text: "a"}, nil
	}
	for range 2 {
		if _, out, err := c.GetOrCompute(ctx, fp, "", fn); err != nil || out.Hit {
			t.Fatalf("bypass: out=%+v err=%v", out, err)
		}
	}
	if calls != 2 {
		t.Errorf("expected every global query to compute, got %d", calls)
	}
	if c.Enabled("") {
		t.Error("global scope should be disabled")
	}
}

func TestInvalidateDocument_Global(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()

	fpA := domain.NewFingerprint("about d1 and d2", "", nil)
	fpB := domain.NewFingerprint("about d3", "", nil)
	_, _, _ = c.GetOrCompute(ctx, fpA, "", answerFrom("d1#0", "d2#4"))
	_, _, _ = c.GetOrCompute(ctx, fpB, "", answerFrom("d3#1"))

	if n := c.InvalidateDocument(ctx, "d2"); n != 1 {
		t.Fatalf("expected 1 invalidated entry, got %d", n)
	}
	if _, out, _ := c.GetOrCompute(ctx, fpA, "", answerFrom("d1#0")); out.Hit {
		t.Error("entry citing d2 must be invalidated")
	}
	if _, out, _ := c.GetOrCompute(ctx, fpB, "", answerFrom("d3#1")); !out.Hit {
		t.Error("unrelated entry must survive")
	}
	if n := c.InvalidateDocument(ctx, "unknown"); n != 0 {
		t.Errorf("expected 0 for unknown document, got %d", n)
	}
}

func TestInvalidateDocument_ForgetsAcrossDocuments(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)
	_, _, _ = c.GetOrCompute(ctx, fp, "", answerFrom("d1#0", "d2#0"))

	c.InvalidateDocument(ctx, "d1")
	if n := c.InvalidateDocument(ctx, "d2"); n != 0 {
		t.Errorf("fingerprint already dropped via d1, got %d", n)
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)

	_, _, err := c.GetOrCompute(ctx, fp, "", func(context.Context) (domain.Answer, error) {
		return domain.Answer{}, domain.ErrNoRelevantContext
	})
	if !errors.Is(err, domain.ErrNoRelevantContext) {
		t.Fatalf("expected ErrNoRelevantContext, got %v", err)
	}
	if _, out, _ := c.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); out.Hit {
		t.Error("failed computation must not be cached")
	}
}

func TestInvalidateDocument_DuringComputation(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan domain.Answer, 1)
	go func() {
		ans, _, _ := c.GetOrCompute(ctx, fp, "", func(context.Context) (domain.Answer, error) {
			close(entered)
			<-release
			return domain.Answer{Text: "old answer", Sources: []string{"d1#0"}}, nil
		})
		done <- ans
	}()

	<-entered
	c.InvalidateDocument(ctx, "d1")
	close(release)
	if ans := <-done; ans.Text != "old answer" {
		t.Fatalf("in-flight caller should still get its answer, got %q", ans.Text)
	}

	ans, out, err := c.GetOrCompute(ctx, fp, "", answerFrom("d1#0"))
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if out.Hit {
		t.Errorf("answer built before the invalidation must not be served, got %q", ans.Text)
	}
	if _, out, _ := c.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); !out.Hit {
		t.Error("answer computed after the invalidation should be cached")
	}
}

func TestInvalidateDocument_UnrelatedChangeKeepsInFlightAnswer(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)

	_, _, _ = c.GetOrCompute(ctx, fp, "", func(context.Context) (domain.Answer, error) {
		c.InvalidateDocument(ctx, "d9")
		return domain.Answer{Text: "a", Sources: []string{"d1#0"}}, nil
	})
	if _, out, _ := c.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); !out.Hit {
		t.Error("invalidating another document must not discard the answer")
	}
}

func TestInvalidateDocument_SharedTierHit(t *testing.T) {
	tier := &sharedTier{data: map[string][]byte{}}
	ctx := context.Background()
	fp := domain.NewFingerprint("q", "", nil)

	writer := newReplica(t, tier)
	if _, _, err := writer.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reader := newReplica(t, tier)
	if _, out, _ := reader.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); !out.Hit {
		t.Fatal("expected a hit from the shared tier")
	}
	if n := reader.InvalidateDocument(ctx, "d1"); n != 1 {
		t.Fatalf("expected the shared-tier entry to be tracked, invalidated %d", n)
	}
	if _, err := tier.Get(ctx, KeyPrefix+string(fp)); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("entry must be removed from the shared tier, err=%v", err)
	}
	if _, out, _ := reader.GetOrCompute(ctx, fp, "", answerFrom("d1#0")); out.Hit {
		t.Error("expected a miss after invalidation")
	}
}
