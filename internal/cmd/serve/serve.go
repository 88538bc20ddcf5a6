// Package serve implements the serve sub-command: the HTTP API plus the
// background job processor, in one process.
package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/recallhq/user-memory-service/internal/config"
	registrycache "github.com/recallhq/user-memory-service/internal/registry/cache"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryembed "github.com/recallhq/user-memory-service/internal/registry/embed"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/recallhq/user-memory-service/internal/plugin/cache/noop"
	_ "github.com/recallhq/user-memory-service/internal/plugin/cache/redis"
	_ "github.com/recallhq/user-memory-service/internal/plugin/convo/dbsource"
	_ "github.com/recallhq/user-memory-service/internal/plugin/embed/local"
	_ "github.com/recallhq/user-memory-service/internal/plugin/embed/openai"
	_ "github.com/recallhq/user-memory-service/internal/plugin/extract/anthropic"
	_ "github.com/recallhq/user-memory-service/internal/plugin/extract/heuristic"
	_ "github.com/recallhq/user-memory-service/internal/plugin/store/postgres"
	_ "github.com/recallhq/user-memory-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the memory extraction HTTP server and job processor",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations before serving",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Read-view cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "list-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_LIST_CACHE_TTL"),
			Destination: &cfg.ListCacheTTL,
			Value:       cfg.ListCacheTTL,
			Usage:       "TTL for cached read-view pages",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},

		// ── Extraction ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "extractor-kind",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_EXTRACTOR_KIND"),
			Destination: &cfg.ExtractType,
			Value:       cfg.ExtractType,
			Usage:       "Candidate extractor (" + strings.Join(registryextract.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "extractor-anthropic-api-key",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.AnthropicAPIKey,
			Usage:       "Anthropic API key",
		},
		&cli.StringFlag{
			Name:        "extractor-anthropic-model",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_ANTHROPIC_MODEL"),
			Destination: &cfg.AnthropicModelName,
			Value:       cfg.AnthropicModelName,
			Usage:       "Anthropic model name",
		},
		&cli.DurationFlag{
			Name:        "extractor-timeout",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_EXTRACTOR_TIMEOUT"),
			Destination: &cfg.ExtractTimeout,
			Value:       cfg.ExtractTimeout,
			Usage:       "Per-call timeout for extraction and summarization",
		},
		&cli.StringFlag{
			Name:        "conversation-source",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_CONVERSATION_SOURCE"),
			Destination: &cfg.ConversationSource,
			Value:       cfg.ConversationSource,
			Usage:       "Conversation source (" + strings.Join(registryconvo.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "window-message-limit",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_WINDOW_MESSAGE_LIMIT"),
			Destination: &cfg.WindowMessageLimit,
			Value:       cfg.WindowMessageLimit,
			Usage:       "Maximum conversation messages loaded per job",
		},
		&cli.IntFlag{
			Name:        "window-token-budget",
			Category:    "Extraction:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_WINDOW_TOKEN_BUDGET"),
			Destination: &cfg.WindowTokenBudget,
			Value:       cfg.WindowTokenBudget,
			Usage:       "Estimated token budget before the window head is summarized",
		},

		// ── Deduplication ─────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "dedup-tau-high",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DEDUP_TAU_HIGH"),
			Destination: &cfg.DedupTauHigh,
			Value:       cfg.DedupTauHigh,
			Usage:       "Cosine similarity at or above which candidates merge into the existing record",
		},
		&cli.FloatFlag{
			Name:        "dedup-tau-low",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DEDUP_TAU_LOW"),
			Destination: &cfg.DedupTauLow,
			Value:       cfg.DedupTauLow,
			Usage:       "Cosine similarity at or above which candidates supersede the existing record",
		},
		&cli.FloatFlag{
			Name:        "dedup-tie-epsilon",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DEDUP_TIE_EPSILON"),
			Destination: &cfg.DedupTieEpsilon,
			Value:       cfg.DedupTieEpsilon,
			Usage:       "Similarity band within which ties break by most recent capturedAt",
		},
		&cli.IntFlag{
			Name:        "dedup-nearest-k",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_DEDUP_NEAREST_K"),
			Destination: &cfg.DedupNearestK,
			Value:       cfg.DedupNearestK,
			Usage:       "Neighbors fetched per similarity lookup",
		},

		// ── Scoring ───────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "score-recency-half-life",
			Category:    "Scoring:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_SCORE_RECENCY_HALF_LIFE"),
			Destination: &cfg.ScoreRecencyHalfLife,
			Value:       cfg.ScoreRecencyHalfLife,
			Usage:       "Half-life of the recency decay used in kind scores",
		},

		// ── Job Queue ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "job-poll-interval",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_POLL_INTERVAL"),
			Destination: &cfg.JobPollInterval,
			Value:       cfg.JobPollInterval,
			Usage:       "How often the processor polls for due jobs",
		},
		&cli.IntFlag{
			Name:        "job-claim-limit",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_CLAIM_LIMIT"),
			Destination: &cfg.JobClaimLimit,
			Value:       cfg.JobClaimLimit,
			Usage:       "Maximum jobs claimed per poll",
		},
		&cli.IntFlag{
			Name:        "job-workers",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_WORKERS"),
			Destination: &cfg.JobWorkers,
			Value:       cfg.JobWorkers,
			Usage:       "Concurrent job workers per process",
		},
		&cli.IntFlag{
			Name:        "job-max-attempts",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_MAX_ATTEMPTS"),
			Destination: &cfg.JobMaxAttempts,
			Value:       cfg.JobMaxAttempts,
			Usage:       "Attempts before a job is marked failed",
		},
		&cli.DurationFlag{
			Name:        "job-retry-base",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_RETRY_BASE"),
			Destination: &cfg.JobRetryBase,
			Value:       cfg.JobRetryBase,
			Usage:       "Base delay of the exponential retry backoff",
		},
		&cli.DurationFlag{
			Name:        "job-lease",
			Category:    "Job Queue:",
			Sources:     cli.EnvVars("MEMORY_EXTRACTOR_JOB_LEASE"),
			Destination: &cfg.JobLease,
			Value:       cfg.JobLease,
			Usage:       "Lease after which a running job from a dead worker is reclaimed",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
