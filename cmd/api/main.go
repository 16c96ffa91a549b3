package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sk28832/carbonpaper-app/internal/app"
	"github.com/sk28832/carbonpaper-app/internal/config"
	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/history"
	"github.com/sk28832/carbonpaper-app/internal/inflight"
	"github.com/sk28832/carbonpaper-app/internal/search"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	ctx := context.Background()

	deps := app.Deps{Logger: logger}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, applied, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
		if err != nil {
			logger.Fatal("database setup failed", zap.Error(err))
		}
		defer pg.Close()
		logger.Info("using postgres document store", zap.Strings("migrations_applied", applied))
		deps.Store = pg
	} else {
		logger.Warn("DATABASE_URL not set, documents are kept in memory")
		deps.Store = store.NewMemoryStore()
	}

	var backend inflight.Backend = inflight.NewMemoryBackend(cfg.InflightTTL)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBackend, err := inflight.NewRedisBackend(cfg.RedisURL, cfg.InflightTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisBackend.Close()
		backend = redisBackend
		logger.Info("using redis for in-flight AI actions")
	}
	deps.Inflight = inflight.NewRegistry(backend, logger)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewScan(deps.Store), logger)
	deps.Search = searchService

	if strings.TrimSpace(cfg.RevisionsDir) != "" {
		if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
			logger.Fatal("failed to create revisions dir", zap.Error(err))
		}
		deps.History = history.New(cfg.RevisionsDir)
	}

	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		completer, err := gateway.NewOpenAICompleter(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			logger.Fatal("ai client setup failed", zap.Error(err))
		}
		deps.AI = gateway.New(completer, gateway.Options{
			Timeout:       cfg.AITimeout,
			MaxAttempts:   cfg.AIMaxAttempts,
			RatePerSecond: cfg.AIRatePerSecond,
			Burst:         cfg.AIBurst,
			Logger:        logger,
		})
		logger.Info("ai assistant enabled", zap.String("model", completer.Model()))
	} else {
		logger.Warn("OPENAI_API_KEY not set, AI endpoints are disabled")
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      config.MinInflightTTL(cfg.AITimeout, cfg.AIMaxAttempts),
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("CarbonPaper API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	searchService.Wait()
}
