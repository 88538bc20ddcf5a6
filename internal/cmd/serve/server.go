package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/metrics"
	routeextract "github.com/recallhq/user-memory-service/internal/plugin/route/extract"
	routememories "github.com/recallhq/user-memory-service/internal/plugin/route/memories"
	routesystem "github.com/recallhq/user-memory-service/internal/plugin/route/system"
	registrycache "github.com/recallhq/user-memory-service/internal/registry/cache"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryembed "github.com/recallhq/user-memory-service/internal/registry/embed"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrymigrate "github.com/recallhq/user-memory-service/internal/registry/migrate"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/recallhq/user-memory-service/internal/service"
)

// Server holds the running HTTP server and its subsystems.
type Server struct {
	Config    *config.Config
	Store     registrystore.MemoryStore
	Router    *gin.Engine
	httpSrv   *http.Server
	processor *service.JobProcessor
	procDone  chan struct{}
}

// Shutdown drains the HTTP server and waits for in-flight jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-s.procDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// StartServer initializes all subsystems and starts serving. The job
// processor runs in the same process, sharing the store.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting user-memory service",
		"port", cfg.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"embedding", cfg.EmbedType,
		"extractor", cfg.ExtractType,
	)

	metrics.Init()

	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize the list cache and inject it into the context so the read
	// view can pick it up per request.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if listCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithListCacheContext(ctx, listCache)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	extractLoader, err := registryextract.Select(cfg.ExtractType)
	if err != nil {
		return nil, err
	}
	extractor, err := extractLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize extractor: %w", err)
	}

	convoLoader, err := registryconvo.Select(cfg.ConversationSource)
	if err != nil {
		return nil, err
	}
	source, err := convoLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conversation source: %w", err)
	}

	orch := service.NewOrchestrator(store, source)
	runner := service.NewExtractionRunner(source, extractor, cfg)
	deduper := service.NewDeduper(store, embedder, cfg)
	processor := service.NewJobProcessor(store, runner, deduper, cfg)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestContextMiddleware(ctx))

	routeextract.MountRoutes(router, orch)
	routememories.MountRoutes(router, store, cfg)
	routesystem.MountRoutes(router)

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		processor.Start(ctx)
	}()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	log.Info("Server listening", "port", cfg.Port)
	routesystem.MarkReady()
	return &Server{
		Config:    cfg,
		Store:     store,
		Router:    router,
		httpSrv:   httpSrv,
		processor: processor,
		procDone:  procDone,
	}, nil
}

// requestContextMiddleware swaps the request context's values (config, cache)
// in while preserving the request's cancellation.
func requestContextMiddleware(base context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqCtx := c.Request.Context()
		merged := config.WithContext(reqCtx, config.FromContext(base))
		if listCache := registrycache.ListCacheFromContext(base); listCache != nil {
			merged = registrycache.WithListCacheContext(merged, listCache)
		}
		c.Request = c.Request.WithContext(merged)
		c.Next()
	}
}
