/**
 * @description
 * Scheduled job implementations for the roadmap service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// CreditResetter runs one reset sweep and reports how many accounts were reset.
type CreditResetter interface {
	Run(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	resetter   CreditResetter
	logger     *slog.Logger
	jobTimeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(resetter CreditResetter, logger *slog.Logger) *Jobs {
	return &Jobs{
		resetter:   resetter,
		logger:     logger,
		jobTimeout: 30 * time.Minute,
	}
}

// ResetMonthlyCredits is the daily job that restores monthly allowances.
func (j *Jobs) ResetMonthlyCredits() {
	j.logger.Info("starting monthly credit reset job")
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	count, err := j.resetter.Run(ctx)
	if err != nil {
		j.logger.Error("monthly credit reset job aborted", "reset_count", count, "error", err)
		return
	}

	if count == 0 {
		j.logger.Info("no accounts due for a credit reset")
	}
	j.logger.Info("monthly credit reset job finished", "reset_count", count)
}
