// Package config loads and validates Quarry's TOML configuration.
// Configuration is explicit: it is loaded once in cmd and passed into
// pipeline constructors, never read from ambient globals, so concurrent
// pipelines under test can run with different configurations.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// ChunkStrategy selects how artifacts are split. Selection happens once
// per ingestion pass; StructureAware falls back to FixedToken internally
// on unsupported input rather than changing behavior mid-pass.
type ChunkStrategy string

const (
	StrategyFixedToken     ChunkStrategy = "fixed-token"
	StrategyStructureAware ChunkStrategy = "structure-aware"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Chunker   ChunkerConfig   `toml:"chunker"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Freshness FreshnessConfig `toml:"freshness"`
	Search    SearchConfig    `toml:"search"`
}

// StoreConfig selects and configures the document/metadata store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `toml:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath  string `toml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN string `toml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// DiscoveryConfig controls artifact discovery policy.
type DiscoveryConfig struct {
	// CatalogThresholdBytes marks files above this size cataloged-only.
	CatalogThresholdBytes int64 `toml:"catalog_threshold_bytes" validate:"gt=0"`
	// MaxPathLength skips paths longer than this many bytes.
	MaxPathLength int      `toml:"max_path_length" validate:"gt=0"`
	SkipDirs      []string `toml:"skip_dirs"`
}

// ChunkerConfig controls chunking.
type ChunkerConfig struct {
	Strategy ChunkStrategy `toml:"strategy" validate:"oneof=fixed-token structure-aware"`
	// TargetTokens is the approximate token count per chunk.
	TargetTokens int `toml:"target_tokens" validate:"gt=0"`
	// OverlapFraction is the fraction of TargetTokens shared between
	// consecutive chunks.
	OverlapFraction float64 `toml:"overlap_fraction" validate:"gte=0,lt=1"`
	// LookaheadTokens bounds the search for a structural boundary past
	// the target size before falling back to a token cut.
	LookaheadTokens int `toml:"lookahead_tokens" validate:"gte=0"`
	// MaxChunksPerArtifact caps runaway files.
	MaxChunksPerArtifact int `toml:"max_chunks_per_artifact" validate:"gt=0"`
}

// EmbeddingConfig controls the embedding provider and batcher.
type EmbeddingConfig struct {
	// Endpoint is an OpenAI-compatible embeddings API URL. Empty selects
	// the deterministic in-process embedder, which keeps offline runs
	// working with degraded vector quality.
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
	// Dimension is the provider's vector dimension.
	Dimension    int           `toml:"dimension" validate:"gt=0"`
	MaxBatchSize int           `toml:"max_batch_size" validate:"gt=0"`
	MaxAttempts  int           `toml:"max_attempts" validate:"gt=0"`
	BaseBackoff  time.Duration `toml:"base_backoff"`
	MaxBackoff   time.Duration `toml:"max_backoff"`
	// RequestsPerSecond rate-limits calls to the external embedding
	// function. Zero disables limiting.
	RequestsPerSecond float64       `toml:"requests_per_second" validate:"gte=0"`
	CallTimeout       time.Duration `toml:"call_timeout"`
	CacheSize         int           `toml:"cache_size" validate:"gte=0"`
	Workers           int           `toml:"workers" validate:"gt=0"`
}

// FreshnessConfig controls the tracker and scheduled sweep.
type FreshnessConfig struct {
	// Window is the maximum tolerated index age before the sweep forces
	// a refresh.
	Window           time.Duration `toml:"window"`
	SweepInterval    time.Duration `toml:"sweep_interval"`
	BacklogThreshold int           `toml:"backlog_threshold" validate:"gt=0"`
	// NotificationRetention bounds how long processed notifications are
	// kept for audit before the sweep prunes them.
	NotificationRetention time.Duration `toml:"notification_retention"`
}

// SearchConfig controls hybrid retrieval and fusion.
type SearchConfig struct {
	TopK int `toml:"top_k" validate:"gt=0"`
	// PoolFactor sizes each retrieval pool at PoolFactor * TopK.
	PoolFactor int `toml:"pool_factor" validate:"gt=0"`
	// LexicalWeight and VectorWeight are fusion tunables, not correctness
	// invariants. They are normalized at query time.
	LexicalWeight   float64       `toml:"lexical_weight" validate:"gte=0"`
	VectorWeight    float64       `toml:"vector_weight" validate:"gte=0"`
	GenerateTimeout time.Duration `toml:"generate_timeout"`
	// CacheSize bounds the query result cache. Zero disables caching.
	CacheSize int           `toml:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `toml:"cache_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "quarry.db",
		},
		Discovery: DiscoveryConfig{
			CatalogThresholdBytes: 25 * 1024 * 1024,
			MaxPathLength:         512,
			SkipDirs: []string{
				".git", ".hg", ".svn", "node_modules", "vendor",
				"__pycache__", ".venv", "dist", "build", "target",
			},
		},
		Chunker: ChunkerConfig{
			Strategy:             StrategyFixedToken,
			TargetTokens:         512,
			OverlapFraction:      0.125,
			LookaheadTokens:      64,
			MaxChunksPerArtifact: 1000,
		},
		Embedding: EmbeddingConfig{
			Model:             "text-embedding-3-small",
			Dimension:         1536,
			MaxBatchSize:      100,
			MaxAttempts:       3,
			BaseBackoff:       500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			RequestsPerSecond: 10,
			CallTimeout:       60 * time.Second,
			CacheSize:         10000,
			Workers:           4,
		},
		Freshness: FreshnessConfig{
			Window:                24 * time.Hour,
			SweepInterval:         4 * time.Hour,
			BacklogThreshold:      50,
			NotificationRetention: 30 * 24 * time.Hour,
		},
		Search: SearchConfig{
			TopK:            10,
			PoolFactor:      2,
			LexicalWeight:   0.5,
			VectorWeight:    0.5,
			GenerateTimeout: 60 * time.Second,
			CacheSize:       256,
			CacheTTL:        5 * time.Minute,
		},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Search.LexicalWeight+c.Search.VectorWeight <= 0 {
		return fmt.Errorf("invalid config: fusion weights sum to zero")
	}
	return nil
}
