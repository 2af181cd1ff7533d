/**
 * @description
 * This file contains the Ledger, the only entry point for reading and mutating account
 * balances. Every balance-affecting call writes exactly one audit transaction in the same
 * store mutation as the balance change.
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

var ErrMissingExternalID = errors.New("external id is required")

// InsufficientBalanceError carries what a client needs to render an upgrade prompt.
type InsufficientBalanceError struct {
	Balance int64
	Plan    domain.Plan
	Cost    int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d credits on %s plan, need %d", e.Balance, e.Plan, e.Cost)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return store.ErrInsufficientBalance
}

// Identity is the profile the identity provider knows about a user.
type Identity struct {
	ExternalID  string
	Email       string
	DisplayName string
}

// AffordReason explains a CanAfford answer.
type AffordReason string

const (
	AffordOK           AffordReason = "ok"
	AffordUnlimited    AffordReason = "unlimited"
	AffordInsufficient AffordReason = "insufficient"
	AffordNotFound     AffordReason = "not_found"
)

// Affordability is the advisory answer to "would a debit of cost succeed right now".
type Affordability struct {
	Allowed bool           `json:"allowed"`
	Reason  AffordReason   `json:"reason"`
	Balance domain.Balance `json:"balance"`
	Plan    domain.Plan    `json:"plan,omitempty"`
	Cost    int64          `json:"cost"`
}

// LedgerConfig tunes a Ledger. Zero values fall back to production defaults.
type LedgerConfig struct {
	SignupBonus int64
	Now         func() time.Time
	NewID       func() string
}

// Ledger provides balance operations on top of the account store.
type Ledger struct {
	repo        store.Repository
	logger      *slog.Logger
	signupBonus int64
	now         func() time.Time
	newID       func() string
}

// NewLedger creates a new Ledger.
func NewLedger(repo store.Repository, logger *slog.Logger, cfg LedgerConfig) *Ledger {
	l := &Ledger{
		repo:        repo,
		logger:      logger,
		signupBonus: cfg.SignupBonus,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
	if l.signupBonus <= 0 {
		l.signupBonus = domain.SignupBonusCredits
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

// GetOrCreate returns the account for id, creating it with the signup bonus on first sight.
// Repeated calls only mirror profile changes. The bool reports whether the account was created.
func (l *Ledger) GetOrCreate(ctx context.Context, id Identity) (*domain.Account, bool, error) {
	externalID := strings.TrimSpace(id.ExternalID)
	if externalID == "" {
		return nil, false, ErrMissingExternalID
	}

	now := l.now()
	candidate := &domain.Account{
		ID:          l.newID(),
		ExternalID:  externalID,
		Email:       strings.TrimSpace(id.Email),
		DisplayName: strings.TrimSpace(id.DisplayName),
		Credits:     l.signupBonus,
		Plan:        domain.PlanFree,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	bonus := l.entry(domain.TransactionCredit, l.signupBonus, domain.ReasonSignupBonus, nil, now)

	acct, created, err := l.repo.CreateOrSyncAccount(ctx, candidate, bonus)
	if err != nil {
		return nil, false, fmt.Errorf("get or create account %s: %w", externalID, err)
	}
	if created {
		l.logger.Info("account created", "external_id", externalID, "account_id", acct.ID, "bonus", l.signupBonus)
	}
	return acct, created, nil
}

// Account returns the current account state.
func (l *Ledger) Account(ctx context.Context, externalID string) (*domain.Account, error) {
	return l.repo.FindAccountByExternalID(ctx, externalID)
}

// Transactions returns the newest transactions of an account.
func (l *Ledger) Transactions(ctx context.Context, externalID string, limit int) ([]domain.Transaction, error) {
	acct, err := l.repo.FindAccountByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return l.repo.ListTransactions(ctx, acct.ID, limit)
}

// Debit takes amount credits from the account. Unlimited accounts are never charged; the
// call is logged as a zero-amount transaction instead.
func (l *Ledger) Debit(ctx context.Context, externalID string, amount int64, reason string, toolName *string) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	acct, _, err := l.repo.MutateAccount(ctx, externalID, func(acct *domain.Account) (*domain.Transaction, error) {
		now := l.now()
		if acct.Plan == domain.PlanUnlimited {
			acct.UpdatedAt = now
			return l.entry(domain.TransactionDebit, 0, domain.UnlimitedBypassReason(reason), toolName, now), nil
		}
		if acct.Credits < amount {
			return nil, &InsufficientBalanceError{Balance: acct.Credits, Plan: acct.Plan, Cost: amount}
		}
		acct.Credits -= amount
		acct.UpdatedAt = now
		return l.entry(domain.TransactionDebit, amount, reason, toolName, now), nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return acct.Balance(), nil
}

// Credit adds amount credits to the account.
func (l *Ledger) Credit(ctx context.Context, externalID string, amount int64, reason string) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	acct, _, err := l.repo.MutateAccount(ctx, externalID, func(acct *domain.Account) (*domain.Transaction, error) {
		now := l.now()
		acct.Credits += amount
		acct.UpdatedAt = now
		return l.entry(domain.TransactionCredit, amount, reason, nil, now), nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return acct.Balance(), nil
}

// CanAfford is advisory only. The balance may change before the caller debits.
func (l *Ledger) CanAfford(ctx context.Context, externalID string, cost int64) (Affordability, error) {
	acct, err := l.repo.FindAccountByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return Affordability{Reason: AffordNotFound, Cost: cost}, nil
		}
		return Affordability{}, err
	}

	balance := acct.Balance()
	result := Affordability{Balance: balance, Plan: acct.Plan, Cost: cost}
	switch {
	case balance.IsUnlimited():
		result.Allowed, result.Reason = true, AffordUnlimited
	case balance.Covers(cost):
		result.Allowed, result.Reason = true, AffordOK
	default:
		result.Reason = AffordInsufficient
	}
	return result, nil
}

func (l *Ledger) entry(kind domain.TransactionKind, amount int64, reason string, toolName *string, at time.Time) *domain.Transaction {
	return newEntry(l.newID(), kind, amount, reason, toolName, at)
}

func newEntry(id string, kind domain.TransactionKind, amount int64, reason string, toolName *string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		ToolName:  toolName,
		CreatedAt: at,
	}
}
