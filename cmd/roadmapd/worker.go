package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/config"
	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/pkg/leadnotify"
	"github.com/1labs-ai/ai-roadmap-tool/pkg/rabbitmq"
)

func newWorkerCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume lead events and forward them to the sales webhook and inbox",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runWorker(cfg, logger)
		},
	}
}

func runWorker(cfg *config.Config, logger *slog.Logger) error {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return errors.New("RABBITMQ_URL is required for the lead worker")
	}

	notifiers := leadNotifiers(cfg, logger)
	if len(notifiers) == 0 {
		logger.Warn("no lead notifiers configured; leads will only be logged")
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create rabbitmq consumer: %w", err)
	}
	defer consumer.Close()

	worker := app.NewLeadWorker(notifiers, logger)
	if err := consumer.Consume(domain.LeadEventsExchange, cfg.LeadEventsQueue, domain.LeadCapturedKey, worker.HandleLeadCaptured); err != nil {
		return fmt.Errorf("failed to start consuming lead events: %w", err)
	}
	logger.Info("lead worker started", "queue", cfg.LeadEventsQueue, "notifiers", len(notifiers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		logger.Info("shutting down lead worker")
		return nil
	case amqpErr := <-consumer.NotifyClose():
		if amqpErr == nil {
			return nil
		}
		return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
	}
}

func leadNotifiers(cfg *config.Config, logger *slog.Logger) []app.LeadNotifier {
	var notifiers []app.LeadNotifier
	if strings.TrimSpace(cfg.LeadsWebhookURL) != "" {
		notifiers = append(notifiers, leadnotify.NewWebhookNotifier(cfg.LeadsWebhookURL))
	}
	if strings.TrimSpace(cfg.ResendAPIKey) != "" {
		notifiers = append(notifiers, leadnotify.NewResendNotifier(cfg.ResendAPIKey, cfg.LeadsEmailFrom, cfg.LeadsEmailTo))
	} else if cfg.LeadsEmailTo != "" {
		logger.Warn("LEADS_EMAIL_TO set without RESEND_API_KEY; email notifications disabled")
	}
	return notifiers
}
