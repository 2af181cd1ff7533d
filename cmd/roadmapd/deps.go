package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/config"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
	"github.com/1labs-ai/ai-roadmap-tool/pkg/rabbitmq"
)

// openStore returns the configured repository and a func releasing its resources.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; balances are lost on restart")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("database connection established")

	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}

// openRedis returns nil when Redis is not configured or unreachable.
func openRedis(cfg *config.Config, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; using in-process webhook dedup and no rate limiting", "env", "REDIS_URL")
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process webhook dedup and no rate limiting", "error", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process webhook dedup and no rate limiting", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// newProducerFactory dials RabbitMQ on demand. Without a broker URL events are only logged.
func newProducerFactory(cfg *config.Config, logger *slog.Logger) app.ProducerFactory {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; ledger and lead events will only be logged", "env", "RABBITMQ_URL")
		return func() (rabbitmq.Publisher, error) {
			return &rabbitmq.EventProducerFallback{Logger: logger}, nil
		}
	}
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}

// newLeadPublisher connects once at startup and falls back to logging when the broker is down.
func newLeadPublisher(newProducer app.ProducerFactory, logger *slog.Logger) rabbitmq.Publisher {
	producer, err := newProducer()
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback for lead events", "error", err)
		return &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return producer
}
