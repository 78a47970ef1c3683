package pipeline

import (
	"context"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/usecase/retrieval"
)

// Retriever assembles ranked context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, f domain.Filter) (retrieval.Result, error)
}

// ResultCache memoizes answers by fingerprint.
type ResultCache interface {
	Enabled(conversationID string) bool
	GetOrCompute(ctx context.Context, fp domain.QueryFingerprint, conversationID string,
		fn func(ctx context.Context) (domain.Answer, error)) (domain.Answer, cache.Outcome, error)
}

// Memory holds conversation turns.
type Memory interface {
	AppendTurn(sessionID, query, answer string)
	RecentTurns(sessionID string, maxTurns int) []domain.Turn
}
