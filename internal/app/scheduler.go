/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          *Jobs
	logger        *slog.Logger
	resetSchedule string
}

// NewScheduler creates a new scheduler instance. Schedules are evaluated in UTC.
func NewScheduler(jobs *Jobs, logger *slog.Logger, resetSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		logger:        logger,
		resetSchedule: resetSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.resetSchedule, s.jobs.ResetMonthlyCredits); err != nil {
		return fmt.Errorf("failed to schedule monthly credit reset job: %w", err)
	}
	s.logger.Info("scheduled monthly credit reset job", "schedule", s.resetSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
