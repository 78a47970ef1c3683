// Package resultcache stores final answers keyed by query fingerprint.
//
// Conversation-scoped entries are never invalidated explicitly: new turns
// change the fingerprint. Global entries (no conversation) are opt-in and
// are dropped when a document they were built from changes.
package resultcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/cache"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// KeyPrefix namespaces result entries in the shared tier.
const KeyPrefix = domain.KeyPrefix + "result:"

// store is the consumer interface for the generic cache (ISP).
type store interface {
	GetOrCompute(ctx context.Context, key string,
		fn func(ctx context.Context) (domain.Answer, error)) (domain.Answer, cache.Outcome, error)
	GetOrComputeValid(ctx context.Context, key string,
		fn func(ctx context.Context) (domain.Answer, error),
		valid func(domain.Answer) bool) (domain.Answer, cache.Outcome, error)
	Delete(ctx context.Context, keys ...string)
}

// Cache is safe for concurrent use.
type Cache struct {
	store         store
	globalEnabled bool
	logger        *zap.Logger

	mu sync.Mutex
	// byDocument indexes global fingerprints by the documents their answer cites.
	byDocument map[string]map[domain.QueryFingerprint]struct{}
	// seq counts invalidations; changedAt holds the seq of each document's last one.
	seq       uint64
	changedAt map[string]uint64
}

// New wraps s. With globalEnabled false, queries without a conversation
// bypass the cache entirely.
func New(s store, globalEnabled bool, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:         s,
		globalEnabled: globalEnabled,
		logger:        logger,
		byDocument:    make(map[string]map[domain.QueryFingerprint]struct{}),
		changedAt:     make(map[string]uint64),
	}
}

// Enabled reports whether a query in conversationID is served from the cache.
func (c *Cache) Enabled(conversationID string) bool {
	return conversationID != "" || c.globalEnabled
}

// GetOrCompute returns the answer cached under fp or runs fn once for all
// concurrent callers. Only successful answers are stored. When the scope is
// disabled fn runs directly and Outcome is zero.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	fp domain.QueryFingerprint,
	conversationID string,
	fn func(ctx context.Context) (domain.Answer, error),
) (domain.Answer, cache.Outcome, error) {
	if !c.Enabled(conversationID) {
		ans, err := fn(ctx)
		return ans, cache.Outcome{}, err
	}
	if conversationID != "" {
		return c.store.GetOrCompute(ctx, string(fp), fn) //nolint:wrapcheck // cache errors are fn errors
	}

	// An answer computed across an invalidation of a document it cites was
	// built from the old chunks; it is returned but never kept.
	var started uint64
	ans, out, err := c.store.GetOrComputeValid(ctx, string(fp),
		func(ctx context.Context) (domain.Answer, error) {
			started = c.sequence()
			ans, err := fn(ctx)
			if err != nil {
				return ans, err
			}
			c.track(fp, ans.Sources)
			return ans, nil
		},
		func(ans domain.Answer) bool {
			return !c.changedSince(started, ans.Sources)
		})
	if err == nil && out.Hit {
		// Entries read back from the shared tier were computed elsewhere.
		c.track(fp, ans.Sources)
	}
	return ans, out, err //nolint:wrapcheck // cache errors are fn errors
}

// InvalidateDocument drops every global entry whose supporting chunks belong
// to docID and returns how many were dropped.
func (c *Cache) InvalidateDocument(ctx context.Context, docID string) int {
	c.mu.Lock()
	c.seq++
	c.changedAt[docID] = c.seq
	fps := c.byDocument[docID]
	delete(c.byDocument, docID)
	keys := make([]string, 0, len(fps))
	for fp := range fps {
		keys = append(keys, string(fp))
		// An answer can cite several documents; forget fp everywhere.
		for other, set := range c.byDocument {
			delete(set, fp)
			if len(set) == 0 {
				delete(c.byDocument, other)
			}
		}
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return 0
	}
	c.store.Delete(ctx, keys...)
	c.logger.Info("Invalidated cached answers",
		zap.String("document_id", docID), zap.Int("entries", len(keys)))
	return len(keys)
}

func (c *Cache) sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// changedSince reports whether a document cited by chunkIDs was invalidated
// after seq was read.
func (c *Cache) changedSince(seq uint64, chunkIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range chunkIDs {
		docID, _, err := domain.ParseChunkID(id)
		if err != nil {
			continue
		}
		if c.changedAt[docID] > seq {
			return true
		}
	}
	return false
}

func (c *Cache) track(fp domain.QueryFingerprint, chunkIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range chunkIDs {
		docID, _, err := domain.ParseChunkID(id)
		if err != nil {
			c.logger.Warn("Skipping malformed chunk id", zap.String("chunk_id", id), zap.Error(err))
			continue
		}
		set, ok := c.byDocument[docID]
		if !ok {
			set = make(map[domain.QueryFingerprint]struct{})
			c.byDocument[docID] = set
		}
		set[fp] = struct{}{}
	}
}
