package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/docqa/internal/db"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// Database drivers.
const (
	DriverValkey   = "valkey"
	DriverRedis    = "redis"
	DriverPgvector = "pgvector"
	DriverMemory   = "memory"
)

// ProviderExternal marks a provider supplied in-process by an embedding
// program; it needs no endpoint or credentials.
const ProviderExternal = "external"

// Config holds the docqa service configuration.
type Config struct {
	HTTP           HTTPConfig         `yaml:"http"`
	Database       DatabaseConfig     `yaml:"database"`
	VectorStore    VectorStoreConfig  `yaml:"vector_store"`
	Embedding      EmbeddingConfig    `yaml:"embedding"`
	Generation     GenerationConfig   `yaml:"generation"`
	Chunking       ChunkingConfig     `yaml:"chunking"`
	EmbeddingCache CacheConfig        `yaml:"embedding_cache"`
	ResultCache    ResultCacheConfig  `yaml:"result_cache"`
	Retrieval      RetrievalConfig    `yaml:"retrieval"`
	Conversation   ConversationConfig `yaml:"conversation"`
	Retry          RetryConfig        `yaml:"retry"`
	Timeouts       TimeoutsConfig     `yaml:"timeouts"`
	Auth           AuthConfig         `yaml:"auth"`
	Logging        LoggingConfig      `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int   `yaml:"port"`
	ReadTimeoutSec  int   `yaml:"read_timeout_sec"`
	WriteTimeoutSec int   `yaml:"write_timeout_sec"`
	ShutdownSec     int   `yaml:"shutdown_timeout_sec"`
	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
}

// DatabaseConfig holds vector store connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis, pgvector, memory (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	DSN              string   `yaml:"dsn"` // pgvector only
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// VectorStoreConfig holds index settings.
type VectorStoreConfig struct {
	IndexName       string `yaml:"index_name"`
	Algorithm       string `yaml:"algorithm"` // hnsw, flat
	HNSWM           int    `yaml:"hnsw_m"`
	HNSWEFConstruct int    `yaml:"hnsw_ef_construction"`
	Table           string `yaml:"table"`         // pgvector only
	IVFFlatLists    int    `yaml:"ivfflat_lists"` // pgvector only, 0 = exact scan
}

// ProviderConfig holds OpenAI-compatible endpoint settings.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // label for metrics and logs
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	ProviderConfig      `yaml:",inline"`
	Dimensions          int    `yaml:"dimensions"`
	DocumentInstruction string `yaml:"document_instruction"`
	QueryInstruction    string `yaml:"query_instruction"`
	Concurrency         int    `yaml:"concurrency"`
}

// GenerationConfig holds chat completion settings.
type GenerationConfig struct {
	ProviderConfig `yaml:",inline"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float32 `yaml:"temperature"`
	SystemPrompt   string  `yaml:"system_prompt"`
}

// ChunkingConfig holds chunker settings, in tokens.
type ChunkingConfig struct {
	Size      int    `yaml:"size"`
	Overlap   int    `yaml:"overlap"`
	Tokenizer string `yaml:"tokenizer"` // word, tiktoken:<encoding>
}

// CacheConfig holds settings shared by both caches.
type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	MaxEntries     int           `yaml:"max_entries"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ComputeTimeout time.Duration `yaml:"compute_timeout"`
	// Shared keeps a second tier in Redis/Valkey. Ignored for other drivers.
	Shared bool `yaml:"shared"`
}

// ResultCacheConfig adds answer specific settings.
type ResultCacheConfig struct {
	CacheConfig   `yaml:",inline"`
	GlobalEnabled bool `yaml:"global_enabled"`
}

// RetrievalConfig holds ranking settings.
type RetrievalConfig struct {
	TopK             int           `yaml:"top_k"`
	MinSimilarity    float64       `yaml:"min_similarity"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	RecencyWeight    float64       `yaml:"recency_weight"`
	RecencyHalfLife  time.Duration `yaml:"recency_half_life"`
}

// ConversationConfig holds memory settings.
type ConversationConfig struct {
	Window        int           `yaml:"window"`
	HistoryTurns  int           `yaml:"history_turns"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetryConfig holds provider retry settings.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    time.Duration `yaml:"jitter"`
}

// TimeoutsConfig bounds each blocking call.
type TimeoutsConfig struct {
	Embedding  time.Duration `yaml:"embedding"`
	Search     time.Duration `yaml:"search"`
	Generation time.Duration `yaml:"generation"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML with ${VAR} expansion, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
//
//nolint:gocyclo // flat list of defaults
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 8 << 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverValkey
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.VectorStore.IndexName == "" {
		c.VectorStore.IndexName = domain.KeyPrefix + "chunks:idx"
	}
	if c.VectorStore.Algorithm == "" {
		c.VectorStore.Algorithm = "hnsw"
	}
	if c.VectorStore.HNSWM <= 0 {
		c.VectorStore.HNSWM = 16
	}
	if c.VectorStore.HNSWEFConstruct <= 0 {
		c.VectorStore.HNSWEFConstruct = 200
	}
	if c.VectorStore.Table == "" {
		c.VectorStore.Table = "docqa_chunks"
	}

	c.Embedding.ProviderConfig.applyDefaults("text-embedding-3-small")
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.Concurrency <= 0 {
		c.Embedding.Concurrency = 4
	}
	c.Generation.ProviderConfig.applyDefaults("gpt-4o-mini")
	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = 512
	}

	if c.Chunking.Size == 0 {
		c.Chunking.Size = 500
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = 50
	}
	if c.Chunking.Tokenizer == "" {
		c.Chunking.Tokenizer = "word"
	}

	c.EmbeddingCache.applyDefaults(24*time.Hour, 10000)
	c.ResultCache.CacheConfig.applyDefaults(time.Hour, 1000)

	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.MaxContextTokens <= 0 {
		c.Retrieval.MaxContextTokens = 3000
	}
	if c.Retrieval.RecencyHalfLife <= 0 {
		c.Retrieval.RecencyHalfLife = 30 * 24 * time.Hour
	}

	if c.Conversation.Window <= 0 {
		c.Conversation.Window = 10
	}
	if c.Conversation.HistoryTurns <= 0 {
		c.Conversation.HistoryTurns = 3
	}
	if c.Conversation.IdleTimeout <= 0 {
		c.Conversation.IdleTimeout = 30 * time.Minute
	}
	if c.Conversation.SweepInterval <= 0 {
		c.Conversation.SweepInterval = time.Minute
	}

	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 2 * time.Second
	}

	if c.Timeouts.Embedding <= 0 {
		c.Timeouts.Embedding = 10 * time.Second
	}
	if c.Timeouts.Search <= 0 {
		c.Timeouts.Search = 5 * time.Second
	}
	if c.Timeouts.Generation <= 0 {
		c.Timeouts.Generation = 30 * time.Second
	}
}

func (p *ProviderConfig) applyDefaults(model string) {
	if p.Provider == "" {
		p.Provider = "openai"
	}
	if p.Model == "" {
		p.Model = model
	}
}

func (p *ProviderConfig) reachable() bool {
	return p.Provider == ProviderExternal || p.BaseURL != "" || p.APIKey != ""
}

func (c *CacheConfig) applyDefaults(ttl time.Duration, maxEntries int) {
	if c.TTL <= 0 {
		c.TTL = ttl
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = maxEntries
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = 2 * time.Minute
	}
}

// Validate checks the configuration for correctness. Every error wraps
// domain.ErrInvalidConfiguration.
//
//nolint:gocyclo // flat list of checks
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return invalid("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Database.Driver {
	case DriverValkey, DriverRedis:
		if len(c.Database.Addrs) == 0 {
			return invalid("database.addrs is required for driver %q", c.Database.Driver)
		}
	case DriverPgvector:
		if c.Database.DSN == "" {
			return invalid("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return invalid("database.driver must be one of valkey, redis, pgvector, memory, got %q", c.Database.Driver)
	}

	if _, err := db.ParseVectorAlgorithm(c.VectorStore.Algorithm); err != nil {
		return invalid("vector_store.algorithm: %v", err)
	}
	if c.VectorStore.IVFFlatLists < 0 {
		return invalid("vector_store.ivfflat_lists must not be negative")
	}

	if c.Embedding.Dimensions <= 0 {
		return invalid("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if !c.Embedding.ProviderConfig.reachable() {
		return invalid("embedding.api_key or embedding.base_url is required")
	}
	if !c.Generation.ProviderConfig.reachable() {
		return invalid("generation.api_key or generation.base_url is required")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return invalid("generation.temperature must be in [0, 2], got %g", c.Generation.Temperature)
	}

	if c.Chunking.Size <= 0 || c.Chunking.Overlap <= 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return invalid("chunking requires 0 < overlap < size, got size=%d overlap=%d",
			c.Chunking.Size, c.Chunking.Overlap)
	}
	if c.Retrieval.MaxContextTokens < c.Chunking.Size {
		return invalid("retrieval.max_context_tokens (%d) must fit at least one chunk (%d)",
			c.Retrieval.MaxContextTokens, c.Chunking.Size)
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		return invalid("retrieval.min_similarity must be in [-1, 1], got %g", c.Retrieval.MinSimilarity)
	}
	if c.Retrieval.RecencyWeight < 0 {
		return invalid("retrieval.recency_weight must not be negative, got %g", c.Retrieval.RecencyWeight)
	}

	if c.Conversation.HistoryTurns > c.Conversation.Window {
		return invalid("conversation.history_turns (%d) must not exceed conversation.window (%d)",
			c.Conversation.HistoryTurns, c.Conversation.Window)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return invalid("retry.max_delay must be >= retry.base_delay")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidConfiguration)
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
