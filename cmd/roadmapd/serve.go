package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/1labs-ai/ai-roadmap-tool/internal/api"
	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/config"
	"github.com/1labs-ai/ai-roadmap-tool/pkg/openaiclient"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var runMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the outbox dispatcher and the daily reset scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, logger, runMigrations)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger, runMigrations bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runMigrations && cfg.StoreDriver == config.StoreDriverPostgres {
		if err := migrateUp(cfg, logger); err != nil {
			return err
		}
	}

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient := openRedis(cfg, logger)
	var (
		deduper app.EventDeduper = app.NewMemoryEventDeduper()
		limiter app.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		deduper = app.NewRedisEventDeduper(redisClient, "")
		limiter = app.NewRedisRateLimiter(redisClient, "")
	}

	newProducer := newProducerFactory(cfg, logger)
	leadPublisher := newLeadPublisher(newProducer, logger)
	defer leadPublisher.Close()

	ledger := app.NewLedger(repo, logger, app.LedgerConfig{SignupBonus: cfg.SignupBonusCredits})
	synchronizer := app.NewSynchronizer(repo, logger)
	sweeper := app.NewResetSweeper(repo, logger, cfg.ResetBatchSize)
	generator := openaiclient.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	roadmaps := app.NewRoadmapService(ledger, generator, limiter, logger, cfg.RoadmapCostCredits, cfg.RoadmapRateLimit)
	leads := app.NewLeadService(leadPublisher, logger)

	var webhooks http.Handler
	if cfg.ClerkWebhookSecret == "" {
		logger.Warn("clerk webhook secret missing; webhook endpoint disabled", "env", "CLERK_WEBHOOK_SECRET")
	} else {
		wh, err := api.NewWebhookHandler(ledger, synchronizer, deduper, cfg.ClerkWebhookSecret,
			time.Duration(cfg.WebhookDedupTTLHours)*time.Hour, logger)
		if err != nil {
			return err
		}
		webhooks = wh
	}

	handler := api.NewHandler(ledger, roadmaps, leads, sweeper, cfg.InternalAPIKey, logger)
	router := api.NewRouter(handler, webhooks, api.AuthMiddlewareConfig{
		JWKSURL:             cfg.ClerkJWKSURL,
		ExpectedAudience:    cfg.ClerkAudience,
		ExpectedIssuer:      cfg.ClerkIssuer,
		AllowHeaderFallback: cfg.AllowHeaderAuthFallback,
	})

	dispatcher := app.NewOutboxDispatcher(repo, newProducer, logger, time.Duration(cfg.OutboxPollIntervalMS)*time.Millisecond)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	scheduler := app.NewScheduler(app.NewJobs(sweeper, logger), logger, cfg.ResetJobSchedule)
	if err := scheduler.Start(); err != nil {
		return err
	}
	logger.Info("scheduler started")

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	stop()
	<-dispatcherDone
	logger.Info("service stopped gracefully")
	return nil
}
