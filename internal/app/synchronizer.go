/**
 * @description
 * The Synchronizer turns billing provider plan events into account mutations. Every
 * operation is safe to re-run with the same event: replays classify as lateral changes
 * and leave balances alone.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
	"github.com/google/uuid"
)

var errStaleSubscription = errors.New("subscription is no longer the account's current subscription")

// PlanEvent is a combined billing event: who pays and for which plan.
type PlanEvent struct {
	ExternalID        string
	PlanLabel         string
	ExternalBillingID *string
}

// SyncResult describes what a reconcile did.
type SyncResult struct {
	Account        *domain.Account
	PreviousPlan   domain.Plan
	Change         domain.PlanChange
	Granted        int64
	RecognizedPlan bool
}

// Synchronizer reconciles billing events into plan and balance changes.
type Synchronizer struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewSynchronizer creates a new Synchronizer.
func NewSynchronizer(repo store.Repository, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Reconcile applies ev to the account it names. Unrecognized plan labels degrade to free.
func (s *Synchronizer) Reconcile(ctx context.Context, ev PlanEvent) (*SyncResult, error) {
	plan, recognized := domain.ParsePlan(ev.PlanLabel)
	if !recognized {
		s.logger.Warn("unrecognized plan label, treating as free", "external_id", ev.ExternalID, "plan_label", ev.PlanLabel)
	}

	result := &SyncResult{RecognizedPlan: recognized}
	acct, _, err := s.repo.MutateAccount(ctx, ev.ExternalID, func(acct *domain.Account) (*domain.Transaction, error) {
		now := s.now()
		result.PreviousPlan = acct.Plan
		result.Change = domain.ClassifyPlanChange(acct.Plan, plan)
		result.Granted = applyPlan(acct, plan, result.Change, now)
		if ev.ExternalBillingID != nil && *ev.ExternalBillingID != "" {
			billingID := *ev.ExternalBillingID
			acct.ExternalBillingID = &billingID
		}
		acct.UpdatedAt = now

		reason := domain.PlanChangeReason(result.PreviousPlan, plan, result.Change)
		return newEntry(s.newID(), domain.TransactionCredit, result.Granted, reason, nil, now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile plan for %s: %w", ev.ExternalID, err)
	}
	result.Account = acct

	s.logger.Info("plan reconciled",
		"external_id", ev.ExternalID,
		"from", result.PreviousPlan,
		"to", plan,
		"change", result.Change,
		"granted", result.Granted,
	)
	return result, nil
}

// applyPlan moves acct onto plan and returns the credits granted.
func applyPlan(acct *domain.Account, plan domain.Plan, change domain.PlanChange, now time.Time) int64 {
	previous := acct.Plan
	acct.Plan = plan

	switch {
	case plan == domain.PlanUnlimited:
		// The finite column is left as it was.
		acct.NextResetAt = nil
		return 0
	case !plan.Recurring():
		// Free never re-grants the signup bonus.
		acct.NextResetAt = nil
		return 0
	case change == domain.PlanUpgrade || previous == domain.PlanFree:
		allowance := plan.Entitlement().MonthlyAllowance
		acct.Credits = allowance
		next := domain.NextMonthlyReset(now)
		acct.NextResetAt = &next
		return allowance
	default:
		// Downgrade or replay: the next scheduled reset applies the new allowance.
		if acct.NextResetAt == nil {
			next := domain.NextMonthlyReset(now)
			acct.NextResetAt = &next
		}
		return 0
	}
}

// CancelSubscription drops the account to free. The remaining balance is kept and never replenished.
func (s *Synchronizer) CancelSubscription(ctx context.Context, externalID string) (*domain.Account, error) {
	acct, _, err := s.repo.MutateAccount(ctx, externalID, func(acct *domain.Account) (*domain.Transaction, error) {
		return s.cancel(acct), nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel subscription for %s: %w", externalID, err)
	}
	s.logger.Info("subscription canceled", "external_id", externalID, "balance", acct.Credits)
	return acct, nil
}

func (s *Synchronizer) cancel(acct *domain.Account) *domain.Transaction {
	now := s.now()
	acct.Plan = domain.PlanFree
	acct.NextResetAt = nil
	acct.UpdatedAt = now
	return newEntry(s.newID(), domain.TransactionCredit, 0, domain.ReasonSubscriptionCanceled, nil, now)
}

// RecordSubscriptionPayer stores the payer of a billing subscription and reconciles once
// the plan half is known too. The result is nil while the join is incomplete.
func (s *Synchronizer) RecordSubscriptionPayer(ctx context.Context, subscriptionID, externalID string) (*SyncResult, error) {
	link, err := s.repo.RecordSubscriptionPayer(ctx, subscriptionID, externalID)
	if err != nil {
		return nil, fmt.Errorf("record payer for subscription %s: %w", subscriptionID, err)
	}
	return s.reconcileLink(ctx, link)
}

// RecordSubscriptionPlan stores the plan of a billing subscription and reconciles once the
// payer half is known too. The result is nil while the join is incomplete.
func (s *Synchronizer) RecordSubscriptionPlan(ctx context.Context, subscriptionID, planLabel string) (*SyncResult, error) {
	link, err := s.repo.RecordSubscriptionPlan(ctx, subscriptionID, planLabel)
	if err != nil {
		return nil, fmt.Errorf("record plan for subscription %s: %w", subscriptionID, err)
	}
	return s.reconcileLink(ctx, link)
}

func (s *Synchronizer) reconcileLink(ctx context.Context, link *domain.SubscriptionLink) (*SyncResult, error) {
	if !link.Complete() {
		s.logger.Info("subscription link incomplete, waiting for the other half", "subscription_id", link.SubscriptionID)
		return nil, nil
	}
	subscriptionID := link.SubscriptionID
	return s.Reconcile(ctx, PlanEvent{
		ExternalID:        *link.ExternalID,
		PlanLabel:         *link.PlanLabel,
		ExternalBillingID: &subscriptionID,
	})
}

// CancelBillingSubscription cancels the account that pays for subscriptionID. Ending a
// subscription the account has already replaced is a no-op and returns a nil account.
func (s *Synchronizer) CancelBillingSubscription(ctx context.Context, subscriptionID string) (*domain.Account, error) {
	link, err := s.repo.FindSubscriptionLink(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("resolve subscription %s: %w", subscriptionID, err)
	}
	if link.ExternalID == nil || strings.TrimSpace(*link.ExternalID) == "" {
		return nil, fmt.Errorf("resolve payer for subscription %s: %w", subscriptionID, store.ErrSubscriptionNotFound)
	}

	acct, _, err := s.repo.MutateAccount(ctx, *link.ExternalID, func(acct *domain.Account) (*domain.Transaction, error) {
		if acct.ExternalBillingID != nil && *acct.ExternalBillingID != link.SubscriptionID {
			return nil, errStaleSubscription
		}
		return s.cancel(acct), nil
	})
	if errors.Is(err, errStaleSubscription) {
		s.logger.Info("ignoring cancellation of superseded subscription", "subscription_id", subscriptionID, "external_id", *link.ExternalID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	s.logger.Info("subscription canceled", "subscription_id", subscriptionID, "external_id", acct.ExternalID)
	return acct, nil
}
