// Package pipeline runs a query through fingerprinting, the result cache,
// retrieval, generation and conversation memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/logger"
	"github.com/kailas-cloud/docqa/internal/metrics"
	"github.com/kailas-cloud/docqa/internal/resilience"
)

// DefaultNoContextAnswer is returned when nothing relevant was retrieved.
const DefaultNoContextAnswer = "I couldn't find any information in the indexed documents to answer that question."

const defaultHistoryTurns = 3

// Config holds orchestration settings.
type Config struct {
	// HistoryTurns is how many recent turns feed the fingerprint and the prompt.
	HistoryTurns int
	// GenerationPolicy wraps generator calls.
	GenerationPolicy resilience.Policy
	NoContextAnswer  string
	Now              func() time.Time
	Logger           *zap.Logger
}

// QueryResult is the outcome of a successful or degraded query.
type QueryResult struct {
	Answer             domain.Answer
	SupportingChunkIDs []string
	FromCache          bool
	// Degraded marks the canned answer served when nothing relevant was found.
	Degraded    bool
	Fingerprint domain.QueryFingerprint
	Stages      []Stage
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	retriever Retriever
	generator domain.Generator
	results   ResultCache
	memory    Memory
	sessions  *sessionLocks
	cfg       Config
}

// New creates an orchestrator.
func New(retriever Retriever, generator domain.Generator, results ResultCache, memory Memory, cfg Config) *Orchestrator {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.NoContextAnswer == "" {
		cfg.NoContextAnswer = DefaultNoContextAnswer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		results:   results,
		memory:    memory,
		sessions:  newSessionLocks(),
		cfg:       cfg,
	}
}

// Query answers text within conversationID (empty for a standalone query).
//
// The result cache and conversation memory are written only after a
// successful generation. A cache hit returns before any provider call and
// leaves memory untouched. When retrieval finds nothing relevant the result
// is a degraded canned answer with a nil error; it is neither cached nor
// remembered. Every other failure is returned as *Error.
func (o *Orchestrator) Query(ctx context.Context, text, conversationID string) (QueryResult, error) {
	tr := newTrace(o.cfg.Now)
	log := o.log(ctx).With(zap.String("conversation_id", conversationID))

	tr.enter(StageFingerprinting)
	if strings.TrimSpace(text) == "" {
		return o.fail(log, tr, "", StageFingerprinting, fmt.Errorf("empty query: %w", domain.ErrInvalidInput))
	}
	var recent []domain.Turn
	if conversationID != "" {
		recent = o.memory.RecentTurns(conversationID, o.cfg.HistoryTurns)
	}
	fp := domain.NewFingerprint(text, conversationID, recent)
	log = log.With(zap.String("fingerprint", string(fp)))

	tr.enter(StageCacheCheck)
	caching := o.results.Enabled(conversationID)
	ans, out, err := o.results.GetOrCompute(ctx, fp, conversationID, func(ctx context.Context) (domain.Answer, error) {
		return o.answer(ctx, tr, text, recent, caching)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoRelevantContext) {
			return o.degraded(log, tr, fp, err), nil
		}
		return o.fail(log, tr, fp, originOf(err, StageCacheCheck), err)
	}

	res := QueryResult{
		Answer:             ans,
		SupportingChunkIDs: ans.Sources,
		FromCache:          out.Hit,
		Fingerprint:        fp,
	}
	if out.Hit {
		tr.enter(StageDone)
		res.Stages = tr.snapshot()
		metrics.QueriesTotal.WithLabelValues("cache_hit", "none").Inc()
		log.Debug("Answer served from cache")
		return res, nil
	}

	if conversationID != "" {
		tr.enter(StageMemoryUpdate)
		unlock := o.sessions.lock(conversationID)
		o.memory.AppendTurn(conversationID, text, ans.Text)
		unlock()
	}

	tr.enter(StageDone)
	res.Stages = tr.snapshot()
	metrics.QueriesTotal.WithLabelValues("generated", "none").Inc()
	log.Debug("Answer generated",
		zap.Bool("shared", out.Shared),
		zap.Strings("sources", ans.Sources),
	)
	return res, nil
}

// answer runs retrieval and generation. It may keep running after the caller
// left, on the result cache's detached context.
func (o *Orchestrator) answer(
	ctx context.Context, tr *trace, text string, history []domain.Turn, caching bool,
) (domain.Answer, error) {
	tr.enter(StageRetrieving)
	retrieved, err := o.retriever.Retrieve(ctx, text, domain.Filter{})
	if err != nil {
		return domain.Answer{}, inStage(StageRetrieving, err)
	}

	tr.enter(StageGenerating)
	gen, err := resilience.Call(ctx, o.cfg.GenerationPolicy, "generate",
		func(ctx context.Context) (domain.GenerationResult, error) {
			return o.generator.Generate(ctx, domain.GenerationRequest{
				Query:   text,
				Context: retrieved.Matches,
				History: history,
			})
		})
	if err != nil {
		return domain.Answer{}, inStage(StageGenerating, err)
	}

	if caching {
		tr.enter(StageCaching)
	}
	return domain.Answer{
		Text:      gen.Text,
		Sources:   retrieved.ChunkIDs(),
		Model:     gen.Model,
		CreatedAt: o.cfg.Now().UTC(),
	}, nil
}

func (o *Orchestrator) degraded(log *zap.Logger, tr *trace, fp domain.QueryFingerprint, cause error) QueryResult {
	tr.enter(StageDone)
	metrics.QueriesTotal.WithLabelValues("degraded", domain.KindNoRelevantContext).Inc()
	log.Info("No relevant context, serving canned answer", zap.Error(cause))
	return QueryResult{
		Answer:      domain.Answer{Text: o.cfg.NoContextAnswer, CreatedAt: o.cfg.Now().UTC()},
		Degraded:    true,
		Fingerprint: fp,
		Stages:      tr.snapshot(),
	}
}

func (o *Orchestrator) fail(
	log *zap.Logger, tr *trace, fp domain.QueryFingerprint, stage Stage, err error,
) (QueryResult, error) {
	tr.enter(StageFailed)
	kind := domain.KindOf(err)
	metrics.QueriesTotal.WithLabelValues("failed", kind).Inc()

	fields := []zap.Field{zap.String("stage", string(stage)), zap.String("kind", kind), zap.Error(err)}
	switch kind {
	case domain.KindDimensionMismatch, domain.KindInternal:
		log.Error("Query failed", fields...)
	case domain.KindInvalidInput, domain.KindCanceled, domain.KindDeadlineExceeded:
		log.Debug("Query rejected", fields...)
	default:
		log.Warn("Query failed", fields...)
	}

	return QueryResult{Fingerprint: fp, Stages: tr.snapshot()}, &Error{Stage: stage, Kind: kind, Err: err}
}

// log prefers the request-scoped logger.
func (o *Orchestrator) log(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, o.cfg.Logger)
}
