/**
 * @description
 * This file handles configuration management for the roadmap service.
 * It loads settings from environment variables, providing defaults for the credit
 * economy, the reset schedule and outbound collaborators.
 */
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the roadmap service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	ClerkJWKSURL            string `mapstructure:"CLERK_JWKS_URL"`
	ClerkIssuer             string `mapstructure:"CLERK_ISSUER"`
	ClerkAudience           string `mapstructure:"CLERK_AUDIENCE"`
	ClerkWebhookSecret      string `mapstructure:"CLERK_WEBHOOK_SECRET"`
	AllowHeaderAuthFallback bool   `mapstructure:"ALLOW_HEADER_AUTH_FALLBACK"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`

	SignupBonusCredits   int64  `mapstructure:"SIGNUP_BONUS_CREDITS"`
	RoadmapCostCredits   int64  `mapstructure:"ROADMAP_COST_CREDITS"`
	ResetJobSchedule     string `mapstructure:"RESET_JOB_SCHEDULE"`
	ResetBatchSize       int    `mapstructure:"RESET_BATCH_SIZE"`
	WebhookDedupTTLHours int    `mapstructure:"WEBHOOK_DEDUP_TTL_HOURS"`
	OutboxPollIntervalMS int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	RoadmapRateLimit     int    `mapstructure:"ROADMAP_RATE_LIMIT_PER_MINUTE"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`

	LeadsWebhookURL string `mapstructure:"LEADS_WEBHOOK_URL"`
	ResendAPIKey    string `mapstructure:"RESEND_API_KEY"`
	LeadsEmailFrom  string `mapstructure:"LEADS_EMAIL_FROM"`
	LeadsEmailTo    string `mapstructure:"LEADS_EMAIL_TO"`
	LeadEventsQueue string `mapstructure:"LEAD_EVENTS_QUEUE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("SIGNUP_BONUS_CREDITS", 50)
	viper.SetDefault("ROADMAP_COST_CREDITS", 5)
	viper.SetDefault("RESET_JOB_SCHEDULE", "0 0 * * *") // Daily at 00:00 UTC.
	viper.SetDefault("RESET_BATCH_SIZE", 100)
	viper.SetDefault("WEBHOOK_DEDUP_TTL_HOURS", 72)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("ROADMAP_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	viper.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	viper.SetDefault("LEADS_EMAIL_FROM", "leads@1labs.ai")
	viper.SetDefault("LEAD_EVENTS_QUEUE", "roadmap.lead.notifications")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "RABBITMQ_URL",
		"CLERK_JWKS_URL", "CLERK_ISSUER", "CLERK_AUDIENCE", "CLERK_WEBHOOK_SECRET",
		"ALLOW_HEADER_AUTH_FALLBACK", "INTERNAL_API_KEY",
		"SIGNUP_BONUS_CREDITS", "ROADMAP_COST_CREDITS", "RESET_JOB_SCHEDULE", "RESET_BATCH_SIZE",
		"WEBHOOK_DEDUP_TTL_HOURS", "OUTBOX_POLL_INTERVAL_MS", "ROADMAP_RATE_LIMIT_PER_MINUTE",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
		"LEADS_WEBHOOK_URL", "RESEND_API_KEY", "LEADS_EMAIL_FROM", "LEADS_EMAIL_TO", "LEAD_EVENTS_QUEUE",
	} {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Hosting platforms inject PORT; it wins over SERVER_PORT.
	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.SignupBonusCredits <= 0 {
		return fmt.Errorf("SIGNUP_BONUS_CREDITS must be positive, got %d", c.SignupBonusCredits)
	}
	if c.RoadmapCostCredits <= 0 {
		return fmt.Errorf("ROADMAP_COST_CREDITS must be positive, got %d", c.RoadmapCostCredits)
	}
	return nil
}
