package config

import (
	"context"
	"fmt"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the user-memory service.
type Config struct {
	// Database
	DBURL                   string
	DatastoreType           string // "postgres" or "sqlite"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Cache backend type
	CacheType    string // "redis" or "none"
	RedisURL     string
	ListCacheTTL time.Duration

	// Embedding
	EmbedType        string // "local" or "openai"
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// Extraction (language-model classification)
	ExtractType         string // "heuristic" or "anthropic"
	AnthropicAPIKey     string
	AnthropicModelName  string
	ExtractTimeout      time.Duration
	ConversationSource  string // "db"
	WindowMessageLimit  int
	WindowTokenBudget   int

	// Deduplication thresholds. TauHigh > TauLow always.
	DedupTauHigh    float64
	DedupTauLow     float64
	DedupTieEpsilon float64
	DedupNearestK   int
	// Bounded decide-retries after a versioned-write conflict.
	DedupConflictRetries int

	// Scoring
	ScoreRecencyHalfLife time.Duration

	// Orchestrator
	JobPollInterval time.Duration
	JobClaimLimit   int
	JobWorkers      int
	JobMaxAttempts  int
	JobRetryBase    time.Duration
	// Running jobs whose worker died become claimable again after this lease.
	JobLease time.Duration

	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	DrainTimeout      int // seconds
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,

		CacheType:    "none",
		ListCacheTTL: 30 * time.Second,

		EmbedType:       "local",
		OpenAIModelName: "text-embedding-3-small",
		OpenAIBaseURL:   "https://api.openai.com/v1",

		ExtractType:        "heuristic",
		AnthropicModelName: "claude-3-5-haiku-latest",
		ExtractTimeout:     30 * time.Second,
		ConversationSource: "db",
		WindowMessageLimit: 200,
		WindowTokenBudget:  8000,

		DedupTauHigh:         0.92,
		DedupTauLow:          0.80,
		DedupTieEpsilon:      0.02,
		DedupNearestK:        5,
		DedupConflictRetries: 3,

		ScoreRecencyHalfLife: 14 * 24 * time.Hour,

		JobPollInterval: 2 * time.Second,
		JobClaimLimit:   50,
		JobWorkers:      4,
		JobMaxAttempts:  3,
		JobRetryBase:    5 * time.Second,
		JobLease:        5 * time.Minute,

		Port:              8080,
		ReadHeaderTimeout: 5 * time.Second,
		DrainTimeout:      30,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DedupTauHigh <= c.DedupTauLow {
		return fmt.Errorf("dedup-tau-high (%v) must be greater than dedup-tau-low (%v)", c.DedupTauHigh, c.DedupTauLow)
	}
	if c.DedupTauHigh > 1 || c.DedupTauLow < -1 {
		return fmt.Errorf("dedup thresholds must be cosine similarities in [-1,1]")
	}
	if c.DedupTieEpsilon < 0 {
		return fmt.Errorf("dedup-tie-epsilon must be non-negative")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("job-workers must be at least 1")
	}
	return nil
}
