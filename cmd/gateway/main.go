package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/cache"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/dispatch"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/enhance"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/handlers"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/tokenpool"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/config"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/database"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/logging"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("starting media dispatch gateway", "port", cfg.Port, "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			logger.Fatalw("failed to apply migrations", "error", err)
		}
		logger.Info("database schema up to date")
	}

	store := database.NewCredentialStore(db)
	for _, secret := range cfg.SeedTokens {
		id, err := store.Add(ctx, secret)
		if err != nil {
			logger.Fatalw("failed to seed credential", "error", err)
		}
		logger.Infow("seeded credential", "credential_id", id)
	}

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatalw("failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	pool := tokenpool.New(store, tokenpool.Config{
		TTL:                cfg.TokenPoolTTL,
		MinRefreshInterval: cfg.TokenPoolMinRefreshInterval,
	}, logger)
	pool.ForceRefresh(ctx)
	if pool.Size() == 0 {
		logger.Warn("no active credentials in the store; predictions will fail until one is added")
	} else {
		logger.Infow("credential pool loaded", "credentials", pool.Size())
	}

	dispatcher := dispatch.NewClient(
		replicate.NewClient(cfg.ProviderBaseURL, cfg.ProviderTimeout),
		pool,
		dispatch.Config{
			MaxAttempts:  cfg.DispatchMaxAttempts,
			BaseDelay:    cfg.DispatchBaseDelay,
			WaitMax:      cfg.WaitMax,
			PollInterval: cfg.WaitPollInterval,
		},
		logger,
	)

	var enhancer handlers.PromptEnhancer
	if cfg.PromptEnhanceEnabled() {
		enhancer = enhance.New(cfg.OpenAIAPIKey, cfg.PromptEnhanceModel, cfg.OpenAIBaseURL)
		logger.Infow("prompt enhancement enabled", "model", cfg.PromptEnhanceModel)
	}

	owners := cache.New(redisClient, cfg.OwnerTTL)
	predictionHandler := handlers.NewPredictionHandler(dispatcher, owners, enhancer, db, pool, logger)
	middleware := handlers.NewMiddleware(cfg.GatewayAPIToken, redisClient, cfg.DefaultRateLimit, logger)
	if cfg.GatewayAPIToken == "" {
		logger.Warn("GATEWAY_API_TOKEN is empty; /v1 routes are unauthenticated")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	r.Get("/health", handlers.HealthHandler(map[string]handlers.Check{
		"database": db.Ping,
		"redis":    redisClient.Ping,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RateLimitMiddleware)

		predictionHandler.Routes(r)
	})

	// The write timeout must outlast the longest wait.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.WaitMax + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
