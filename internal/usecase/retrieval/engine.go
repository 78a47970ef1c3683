// Package retrieval turns a query into a ranked, budgeted list of context chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/resilience"
	"github.com/kailas-cloud/docqa/internal/tokenizer"
)

// Config holds retrieval settings.
type Config struct {
	TopK int
	// MinSimilarity is compared against raw cosine similarity, before any boost.
	MinSimilarity    float64
	MaxContextTokens int
	// RecencyWeight scales the freshness boost; zero disables re-ranking.
	RecencyWeight   float64
	RecencyHalfLife time.Duration
	// SearchPolicy wraps vector store calls.
	SearchPolicy resilience.Policy
	// Tokenizer counts chunks stored without a token count.
	Tokenizer tokenizer.Tokenizer
	Now       func() time.Time
	Logger    *zap.Logger
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d: %w", c.TopK, domain.ErrInvalidConfiguration)
	}
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be in [-1, 1], got %g: %w", c.MinSimilarity, domain.ErrInvalidConfiguration)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive, got %d: %w",
			c.MaxContextTokens, domain.ErrInvalidConfiguration)
	}
	if c.RecencyWeight < 0 {
		return fmt.Errorf("recency weight must not be negative: %w", domain.ErrInvalidConfiguration)
	}
	if c.RecencyWeight > 0 && c.RecencyHalfLife <= 0 {
		return fmt.Errorf("recency half-life must be positive when recency weight is set: %w",
			domain.ErrInvalidConfiguration)
	}
	return nil
}

// Result is the assembled context for one query.
type Result struct {
	// Matches are ranked best first and fit within MaxContextTokens.
	Matches []domain.Match
	// Candidates is how many matches passed the similarity threshold.
	Candidates      int
	ContextTokens   int
	EmbeddingTokens int
}

// ChunkIDs returns the identifiers of the selected chunks in rank order.
func (r Result) ChunkIDs() []string {
	ids := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		ids[i] = m.ChunkID
	}
	return ids
}

// Engine is safe for concurrent use.
type Engine struct {
	embed  Embedder
	store  Searcher
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and creates an engine.
func New(embed Embedder, store Searcher, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = tokenizer.Word{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{embed: embed, store: store, cfg: cfg, logger: cfg.Logger}, nil
}

// Retrieve embeds query, searches the store and assembles the context.
// It returns domain.ErrNoRelevantContext when no match reaches MinSimilarity.
func (e *Engine) Retrieve(ctx context.Context, query string, f domain.Filter) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, fmt.Errorf("retrieve: empty query: %w", domain.ErrInvalidInput)
	}

	emb, err := e.embed.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("vectorize query: %w", err)
	}

	matches, err := resilience.Call(ctx, e.cfg.SearchPolicy, "search",
		func(ctx context.Context) ([]domain.Match, error) {
			return e.store.Search(ctx, emb.Embedding, e.cfg.TopK, f)
		})
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			e.logger.Error("Query embedding does not match the index dimension",
				zap.Int("dimensions", len(emb.Embedding)), zap.Error(err))
		}
		return Result{}, fmt.Errorf("search: %w", err)
	}

	relevant := matches[:0:0]
	for _, m := range matches {
		if m.Score >= e.cfg.MinSimilarity {
			relevant = append(relevant, m)
		}
	}
	if len(relevant) == 0 {
		return Result{}, fmt.Errorf("%d candidates below similarity %g: %w",
			len(matches), e.cfg.MinSimilarity, domain.ErrNoRelevantContext)
	}

	ranked := e.rank(relevant)
	selected, tokens := e.fit(ranked)
	if len(selected) == 0 {
		return Result{}, fmt.Errorf("top chunk exceeds %d context tokens: %w",
			e.cfg.MaxContextTokens, domain.ErrNoRelevantContext)
	}

	e.logger.Debug("Retrieved context",
		zap.Int("candidates", len(relevant)),
		zap.Int("selected", len(selected)),
		zap.Int("context_tokens", tokens),
	)

	return Result{
		Matches:         selected,
		Candidates:      len(relevant),
		ContextTokens:   tokens,
		EmbeddingTokens: emb.TotalTokens,
	}, nil
}

// rank orders matches for the context, applying the recency boost when enabled.
func (e *Engine) rank(ms []domain.Match) []domain.Match {
	out := slices.Clone(ms)
	if e.cfg.RecencyWeight == 0 {
		domain.SortMatches(out)
		return out
	}

	now := e.cfg.Now()
	boosted := make(map[string]float64, len(out))
	for _, m := range out {
		boosted[m.ChunkID] = e.boost(m, now)
	}
	slices.SortStableFunc(out, func(a, b domain.Match) int {
		ba, bb := boosted[a.ChunkID], boosted[b.ChunkID]
		switch {
		case ba > bb:
			return -1
		case ba < bb:
			return 1
		}
		return domain.CompareMatches(a, b)
	})
	return out
}

// boost returns score × (1 + w × 2^(−age/half_life)). Non-positive scores are
// left alone so the boost never moves a match down.
func (e *Engine) boost(m domain.Match, now time.Time) float64 {
	if m.Score <= 0 || m.IngestedAt.IsZero() {
		return m.Score
	}
	age := max(now.Sub(m.IngestedAt), 0)
	fresh := math.Exp2(-age.Seconds() / e.cfg.RecencyHalfLife.Seconds())
	return m.Score * (1 + e.cfg.RecencyWeight*fresh)
}

// fit keeps the longest ranked prefix within the token budget. Chunks are
// never cut; the first one that does not fit ends the context.
func (e *Engine) fit(ranked []domain.Match) ([]domain.Match, int) {
	total := 0
	for i, m := range ranked {
		n := m.TokenCount
		if n <= 0 {
			n = tokenizer.Count(e.cfg.Tokenizer, m.Text)
		}
		if total+n > e.cfg.MaxContextTokens {
			return ranked[:i], total
		}
		total += n
	}
	return ranked, total
}
