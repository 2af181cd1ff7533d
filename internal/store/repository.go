/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the credits ledger needs. Postgres and in-memory implementations live
 * alongside it and share the same atomicity rules: an account mutation, its audit
 * transaction and its outbox event either all persist or none do.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrSubscriptionNotFound = errors.New("subscription link not found")
)

// MutateFunc receives a locked copy of the account. It edits the copy in place and returns
// the audit transaction to append, or nil for a profile-only update. Returning an error
// discards every change.
type MutateFunc func(acct *domain.Account) (*domain.Transaction, error)

// OutboxMessage is a pending event claimed for publishing.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines the set of methods for interacting with the account store.
type Repository interface {
	// Account methods
	CreateOrSyncAccount(ctx context.Context, candidate *domain.Account, bonus *domain.Transaction) (*domain.Account, bool, error)
	FindAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error)
	MutateAccount(ctx context.Context, externalID string, fn MutateFunc) (*domain.Account, *domain.Transaction, error)
	ListDueResets(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Account, error)

	// Transaction methods
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)

	// Billing subscription join methods
	RecordSubscriptionPayer(ctx context.Context, subscriptionID, externalID string) (*domain.SubscriptionLink, error)
	RecordSubscriptionPlan(ctx context.Context, subscriptionID, planLabel string) (*domain.SubscriptionLink, error)
	FindSubscriptionLink(ctx context.Context, subscriptionID string) (*domain.SubscriptionLink, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
