package docqa

import (
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/config"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	cfg       config.Config
	embedder  Embedder
	generator Generator
	logger    *zap.Logger
}

// WithValkey stores chunks in Valkey with valkey-search.
func WithValkey(addrs ...string) Option {
	return func(c *clientConfig) {
		c.cfg.Database.Driver = config.DriverValkey
		c.cfg.Database.Addrs = addrs
	}
}

// WithRedis stores chunks in Redis Stack.
func WithRedis(addrs ...string) Option {
	return func(c *clientConfig) {
		c.cfg.Database.Driver = config.DriverRedis
		c.cfg.Database.Addrs = addrs
	}
}

// WithPassword sets the Redis/Valkey password.
func WithPassword(password string) Option {
	return func(c *clientConfig) {
		c.cfg.Database.Password = password
	}
}

// WithPgvector stores chunks in PostgreSQL with the vector extension.
func WithPgvector(dsn string) Option {
	return func(c *clientConfig) {
		c.cfg.Database.Driver = config.DriverPgvector
		c.cfg.Database.DSN = dsn
	}
}

// WithMemoryStore keeps chunks in process. Nothing survives Close.
func WithMemoryStore() Option {
	return func(c *clientConfig) {
		c.cfg.Database.Driver = config.DriverMemory
	}
}

// WithSharedCache keeps embeddings and answers in Redis/Valkey too, so
// replicas share them. Ignored for other stores.
func WithSharedCache() Option {
	return func(c *clientConfig) {
		c.cfg.EmbeddingCache.Shared = true
		c.cfg.ResultCache.Shared = true
	}
}

// WithOpenAI configures OpenAI-compatible embedding and chat endpoints.
// An empty baseURL means api.openai.com.
func WithOpenAI(apiKey, baseURL string) Option {
	return func(c *clientConfig) {
		for _, p := range []*config.ProviderConfig{&c.cfg.Embedding.ProviderConfig, &c.cfg.Generation.ProviderConfig} {
			p.Provider = "openai"
			p.APIKey = apiKey
			p.BaseURL = baseURL
		}
	}
}

// WithEmbeddingModel selects the embedding model and its vector dimension.
func WithEmbeddingModel(model string, dimensions int) Option {
	return func(c *clientConfig) {
		c.cfg.Embedding.Model = model
		c.cfg.Embedding.Dimensions = dimensions
	}
}

// WithGenerationModel selects the chat model.
func WithGenerationModel(model string) Option {
	return func(c *clientConfig) {
		c.cfg.Generation.Model = model
	}
}

// WithSystemPrompt replaces the default answer prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *clientConfig) {
		c.cfg.Generation.SystemPrompt = prompt
	}
}

// WithEmbedder uses e instead of an HTTP provider. dimensions must match its vectors.
func WithEmbedder(e Embedder, dimensions int) Option {
	return func(c *clientConfig) {
		c.embedder = e
		c.cfg.Embedding.Provider = config.ProviderExternal
		c.cfg.Embedding.Dimensions = dimensions
	}
}

// WithGenerator uses g instead of an HTTP chat provider.
func WithGenerator(g Generator) Option {
	return func(c *clientConfig) {
		c.generator = g
		c.cfg.Generation.Provider = config.ProviderExternal
	}
}

// WithChunking sets the chunk window in tokens.
func WithChunking(size, overlap int) Option {
	return func(c *clientConfig) {
		c.cfg.Chunking.Size = size
		c.cfg.Chunking.Overlap = overlap
	}
}

// WithTokenizer selects "word" or "tiktoken:<encoding-or-model>".
func WithTokenizer(name string) Option {
	return func(c *clientConfig) {
		c.cfg.Chunking.Tokenizer = name
	}
}

// WithRetrieval sets top-K, the similarity threshold and the context token budget.
func WithRetrieval(topK int, minSimilarity float64, maxContextTokens int) Option {
	return func(c *clientConfig) {
		c.cfg.Retrieval.TopK = topK
		c.cfg.Retrieval.MinSimilarity = minSimilarity
		c.cfg.Retrieval.MaxContextTokens = maxContextTokens
	}
}

// WithResultCache sets the answer TTL and whether queries without a
// conversation are cached.
func WithResultCache(ttl time.Duration, global bool) Option {
	return func(c *clientConfig) {
		c.cfg.ResultCache.TTL = ttl
		c.cfg.ResultCache.GlobalEnabled = global
	}
}

// WithConversationWindow sets how many turns are kept per conversation.
func WithConversationWindow(turns int) Option {
	return func(c *clientConfig) {
		c.cfg.Conversation.Window = turns
	}
}

// WithRetry sets provider retry attempts and backoff bounds.
func WithRetry(attempts int, base, maxDelay time.Duration) Option {
	return func(c *clientConfig) {
		c.cfg.Retry.Attempts = attempts
		c.cfg.Retry.BaseDelay = base
		c.cfg.Retry.MaxDelay = maxDelay
	}
}

// WithLogger sets the zap logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// QueryOption configures a single query.
type QueryOption func(*queryConfig)

type queryConfig struct {
	conversationID string
}

// InConversation scopes the query to a conversation: recent turns shape the
// answer and the cache key, and the exchange is remembered.
func InConversation(id string) QueryOption {
	return func(q *queryConfig) {
		q.conversationID = id
	}
}
