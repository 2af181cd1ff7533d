package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
	"github.com/google/uuid"
)

const defaultResetBatchSize = 100

var errResetNotDue = errors.New("reset not due")

// ResetSweeper restores monthly allowances for recurring-plan accounts whose reset time has passed.
type ResetSweeper struct {
	repo      store.Repository
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
	newID     func() string
}

// NewResetSweeper creates a new ResetSweeper. A non-positive batchSize uses the default.
func NewResetSweeper(repo store.Repository, logger *slog.Logger, batchSize int) *ResetSweeper {
	if batchSize <= 0 {
		batchSize = defaultResetBatchSize
	}
	return &ResetSweeper{
		repo:      repo,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Run resets every due account, one commit per account, and returns how many were reset.
// A failing account is logged and skipped. The error is non-nil only when the scan itself
// fails, in which case the count covers the accounts reset before the failure.
func (s *ResetSweeper) Run(ctx context.Context) (int, error) {
	now := s.now()
	reset := 0
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return reset, err
		}

		batch, err := s.repo.ListDueResets(ctx, now, afterID, s.batchSize)
		if err != nil {
			return reset, fmt.Errorf("list due resets after %q: %w", afterID, err)
		}

		for _, acct := range batch {
			ok, err := s.resetAccount(ctx, acct.ExternalID, now)
			if err != nil {
				s.logger.Error("failed to reset account credits", "account_id", acct.ID, "external_id", acct.ExternalID, "error", err)
				continue
			}
			if ok {
				reset++
			}
		}

		if len(batch) < s.batchSize {
			return reset, nil
		}
		afterID = batch[len(batch)-1].ID
	}
}

// resetAccount re-checks eligibility under the row lock, so a concurrent sweep or plan change
// between the scan and the reset cannot grant the allowance twice.
func (s *ResetSweeper) resetAccount(ctx context.Context, externalID string, now time.Time) (bool, error) {
	_, entry, err := s.repo.MutateAccount(ctx, externalID, func(acct *domain.Account) (*domain.Transaction, error) {
		if !acct.ResetDue(now) {
			return nil, errResetNotDue
		}
		allowance := acct.Plan.Entitlement().MonthlyAllowance
		next := domain.NextMonthlyReset(now)
		acct.Credits = allowance
		acct.NextResetAt = &next
		acct.UpdatedAt = now
		return newEntry(s.newID(), domain.TransactionCredit, allowance, domain.ReasonMonthlyReset, nil, now), nil
	})
	if errors.Is(err, errResetNotDue) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("account credits reset", "external_id", externalID, "allowance", entry.Amount)
	return true, nil
}
