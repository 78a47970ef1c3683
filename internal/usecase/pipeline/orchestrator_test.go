package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/metrics"
	"github.com/kailas-cloud/docqa/internal/usecase/retrieval"
)

func TestMain(m *testing.M) {
	metrics.Register()
	os.Exit(m.Run())
}

func TestQuery_ColdThenWarm(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	cold, err := f.orch.Query(ctx, "What is the capital of France?", "")
	if err != nil {
		t.Fatalf("cold query: %v", err)
	}
	if cold.FromCache || cold.Degraded {
		t.Fatalf("cold query must be generated: %+v", cold)
	}
	if !slices.Equal(cold.SupportingChunkIDs, []string{"doc#0", "doc#1"}) {
		t.Errorf("unexpected sources %v", cold.SupportingChunkIDs)
	}
	wantStages := []Stage{
		StageFingerprinting, StageCacheCheck, StageRetrieving, StageGenerating, StageCaching, StageDone,
	}
	if !slices.Equal(cold.Stages, wantStages) {
		t.Errorf("cold stages %v, want %v", cold.Stages, wantStages)
	}

	warm, err := f.orch.Query(ctx, "  what is the capital of FRANCE? ", "")
	if err != nil {
		t.Fatalf("warm query: %v", err)
	}
	if !warm.FromCache {
		t.Fatal("normalized repeat must be served from cache")
	}
	if warm.Answer.Text != cold.Answer.Text || warm.Fingerprint != cold.Fingerprint {
		t.Errorf("warm answer differs: %+v vs %+v", warm.Answer, cold.Answer)
	}
	if !slices.Equal(warm.Stages, []Stage{StageFingerprinting, StageCacheCheck, StageDone}) {
		t.Errorf("hit must short-circuit, got %v", warm.Stages)
	}
	if f.retriever.calls.Load() != 1 || f.generator.calls.Load() != 1 {
		t.Errorf("warm query reached providers: retrieve=%d generate=%d",
			f.retriever.calls.Load(), f.generator.calls.Load())
	}
}

func TestQuery_ConversationMemoryAndFingerprint(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var histories [][]domain.Turn
	var mu sync.Mutex
	f.generator.generateFn = func(_ context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
		mu.Lock()
		histories = append(histories, req.History)
		mu.Unlock()
		return domain.GenerationResult{Text: "answer to " + req.Query}, nil
	}

	first, err := f.orch.Query(ctx, "q1", "conv")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !slices.Contains(first.Stages, StageMemoryUpdate) {
		t.Errorf("conversation query must update memory, stages %v", first.Stages)
	}
	second, err := f.orch.Query(ctx, "q1", "conv")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.FromCache {
		t.Error("a new turn changes the fingerprint, repeat must miss")
	}
	if first.Fingerprint == second.Fingerprint {
		t.Error("fingerprints must differ after a turn was appended")
	}

	turns := f.memory.RecentTurns("conv", 0)
	if len(turns) != 2 || turns[0].Answer != "answer to q1" {
		t.Fatalf("unexpected memory: %+v", turns)
	}
	if len(histories[1]) != 1 || histories[1][0].Query != "q1" {
		t.Errorf("second generation should see the first turn, got %+v", histories[1])
	}
}

func TestQuery_GlobalDisabledBypassesCache(t *testing.T) {
	f := newFixture(t, false)
	for range 2 {
		res, err := f.orch.Query(context.Background(), "q", "")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if res.FromCache || slices.Contains(res.Stages, StageCaching) {
			t.Errorf("global scope disabled must not cache: %+v", res)
		}
	}
	if f.generator.calls.Load() != 2 {
		t.Errorf("expected 2 generations, got %d", f.generator.calls.Load())
	}
}

func TestQuery_DegradedOnNoRelevantContext(t *testing.T) {
	f := newFixture(t, true)
	f.retriever.retrieveFn = func(context.Context, string) (retrieval.Result, error) {
		return retrieval.Result{}, fmt.Errorf("all below threshold: %w", domain.ErrNoRelevantContext)
	}

	res, err := f.orch.Query(context.Background(), "unknown topic", "conv")
	if err != nil {
		t.Fatalf("degraded query must not fail: %v", err)
	}
	if !res.Degraded || res.Answer.Text != DefaultNoContextAnswer || len(res.SupportingChunkIDs) != 0 {
		t.Errorf("unexpected degraded result: %+v", res)
	}
	if f.generator.calls.Load() != 0 {
		t.Error("no generation call expected for a degraded answer")
	}
	if len(f.memory.RecentTurns("conv", 0)) != 0 {
		t.Error("degraded answer must not be remembered")
	}

	if _, err := f.orch.Query(context.Background(), "unknown topic", "conv"); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if f.retriever.calls.Load() != 2 {
		t.Error("degraded answer must not be cached")
	}
}

func TestQuery_GenerationFailureNoPartialWrites(t *testing.T) {
	f := newFixture(t, true)
	f.generator.generateFn = func(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
		return domain.GenerationResult{}, fmt.Errorf("400: %w", domain.ErrInvalidInput)
	}

	res, err := f.orch.Query(context.Background(), "q", "conv")
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Stage != StageGenerating || perr.Kind != domain.KindInvalidInput {
		t.Errorf("unexpected error origin: %+v", perr)
	}
	if res.Stages[len(res.Stages)-1] != StageFailed {
		t.Errorf("expected FAILED terminal stage, got %v", res.Stages)
	}
	if len(f.memory.RecentTurns("conv", 0)) != 0 {
		t.Error("failed query must not touch memory")
	}

	f.generator.generateFn = nil
	again, err := f.orch.Query(context.Background(), "q", "conv")
	if err != nil || again.FromCache {
		t.Fatalf("failure must not be cached: %+v %v", again, err)
	}
}

func TestQuery_GenerationRetriedThenSucceeds(t *testing.T) {
	f := newFixture(t, false)
	f.generator.generateFn = func(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
		if f.generator.calls.Load() < 3 {
			return domain.GenerationResult{}, domain.ErrProviderUnavailable
		}
		return domain.GenerationResult{Text: "ok"}, nil
	}
	res, err := f.orch.Query(context.Background(), "q", "")
	if err != nil || res.Answer.Text != "ok" {
		t.Fatalf("expected success after retries: %+v %v", res, err)
	}
	if f.generator.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", f.generator.calls.Load())
	}
}

func TestQuery_ProviderExhaustedFails(t *testing.T) {
	f := newFixture(t, false)
	f.generator.generateFn = func(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
		return domain.GenerationResult{}, domain.ErrProviderUnavailable
	}
	_, err := f.orch.Query(context.Background(), "q", "")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != domain.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable failure, got %v", err)
	}
	if f.generator.calls.Load() != 3 {
		t.Errorf("expected bounded retries, got %d calls", f.generator.calls.Load())
	}
}

func TestQuery_RetrievalFailureStage(t *testing.T) {
	f := newFixture(t, true)
	f.retriever.retrieveFn = func(context.Context, string) (retrieval.Result, error) {
		return retrieval.Result{}, fmt.Errorf("index skew: %w", domain.ErrDimensionMismatch)
	}
	_, err := f.orch.Query(context.Background(), "q", "")
	var perr *Error
	if !errors.As(err, &perr) || perr.Stage != StageRetrieving || perr.Kind != domain.KindDimensionMismatch {
		t.Fatalf("expected retrieval dimension mismatch, got %v", err)
	}
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Error("pipeline error must unwrap to the cause")
	}
}

func TestQuery_EmptyQuery(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.orch.Query(context.Background(), "   ", "")
	var perr *Error
	if !errors.As(err, &perr) || perr.Stage != StageFingerprinting || perr.Kind != domain.KindInvalidInput {
		t.Fatalf("expected invalid input at fingerprinting, got %v", err)
	}
}

func TestQuery_ConcurrentIdenticalQueriesShareGeneration(t *testing.T) {
	f := newFixture(t, true)
	release := make(chan struct{})
	f.generator.generateFn = func(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
		<-release
		return domain.GenerationResult{Text: "shared"}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	answers := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Query(context.Background(), "same question", "")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			answers[i] = res.Answer.Text
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := f.generator.calls.Load(); n != 1 {
		t.Errorf("expected 1 generation for concurrent identical queries, got %d", n)
	}
	for i, a := range answers {
		if a != "shared" {
			t.Errorf("caller %d got %q", i, a)
		}
	}
}

func TestQuery_CallerCancellation(t *testing.T) {
	f := newFixture(t, true)
	started := make(chan struct{})
	release := make(chan struct{})
	f.generator.generateFn = func(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
		close(started)
		<-release
		return domain.GenerationResult{Text: "late"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Query(ctx, "slow", "")
		errCh <- err
	}()
	<-started
	cancel()

	err := <-errCh
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != domain.KindCanceled {
		t.Fatalf("expected canceled failure, got %v", err)
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for {
		res, err := f.orch.Query(context.Background(), "slow", "")
		if err == nil && res.FromCache {
			if res.Answer.Text != "late" {
				t.Fatalf("unexpected cached answer %q", res.Answer.Text)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned computation did not populate the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLocks_Serialize(t *testing.T) {
	locks := newSessionLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("s")
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("session critical sections overlapped")
	}
	if locks.len() != 0 {
		t.Errorf("unused session locks must be dropped, %d left", locks.len())
	}
}

func TestQuery_SessionTurnsFollowCompletionOrder(t *testing.T) {
	f := newFixture(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	f.generator.generateFn = func(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
		if req.Query == "slow question" {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return domain.GenerationResult{}, ctx.Err()
			}
		}
		return domain.GenerationResult{Text: "answer to " + req.Query}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Query(context.Background(), "slow question", "s1")
		done <- err
	}()
	<-started

	if _, err := f.orch.Query(context.Background(), "fast question", "s1"); err != nil {
		t.Fatalf("fast query: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow query: %v", err)
	}

	turns := f.memory.RecentTurns("s1", 5)
	var got []string
	for _, turn := range turns {
		got = append(got, turn.Query)
	}
	if want := []string{"fast question", "slow question"}; !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}
	if turns[1].Answer != "answer to slow question" {
		t.Errorf("slow turn answer = %q", turns[1].Answer)
	}
}
