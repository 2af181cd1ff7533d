package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
)

// MemoryRepository keeps every table in process memory behind a single mutex. It honours the
// same atomicity rules as PostgresRepository and backs tests and STORE_DRIVER=memory runs.
type MemoryRepository struct {
	mu            sync.Mutex
	now           func() time.Time
	accounts      map[string]*domain.Account // keyed by external id
	transactions  map[string][]domain.Transaction
	subscriptions map[string]*domain.SubscriptionLink
	outbox        []*memoryOutboxRow
	nextOutboxID  int64
}

type memoryOutboxRow struct {
	msg           OutboxMessage
	status        string
	nextAttemptAt time.Time
	processingAt  time.Time
	lastError     string
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:           time.Now,
		accounts:      make(map[string]*domain.Account),
		transactions:  make(map[string][]domain.Transaction),
		subscriptions: make(map[string]*domain.SubscriptionLink),
	}
}

// SetClock replaces the clock used for subscription timestamps and outbox scheduling.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) CreateOrSyncAccount(_ context.Context, candidate *domain.Account, bonus *domain.Transaction) (*domain.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.accounts[candidate.ExternalID]; ok {
		if existing.ApplyProfile(candidate.Email, candidate.DisplayName) {
			existing.UpdatedAt = candidate.UpdatedAt
		}
		return cloneAccount(existing), false, nil
	}

	created := cloneAccount(candidate)
	r.accounts[created.ExternalID] = created
	if bonus != nil {
		bonus.AccountID = created.ID
		r.recordTransactionLocked(created, bonus)
	}
	return cloneAccount(created), true, nil
}

func (r *MemoryRepository) FindAccountByExternalID(_ context.Context, externalID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[externalID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (r *MemoryRepository) MutateAccount(_ context.Context, externalID string, fn MutateFunc) (*domain.Account, *domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[externalID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}

	working := cloneAccount(stored)
	entry, err := fn(working)
	if err != nil {
		return nil, nil, err
	}
	if working.Credits < 0 {
		return nil, nil, ErrInsufficientBalance
	}

	r.accounts[externalID] = working
	if entry != nil {
		entry.AccountID = working.ID
		r.recordTransactionLocked(working, entry)
	}
	return cloneAccount(working), entry, nil
}

func (r *MemoryRepository) ListDueResets(_ context.Context, now time.Time, afterID string, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]domain.Account, 0)
	for _, acct := range r.accounts {
		if acct.ID > afterID && acct.ResetDue(now) {
			due = append(due, *cloneAccount(acct))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.transactions[accountID]
	out := make([]domain.Transaction, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (r *MemoryRepository) RecordSubscriptionPayer(_ context.Context, subscriptionID, externalID string) (*domain.SubscriptionLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := r.subscriptionLocked(subscriptionID)
	payer := strings.TrimSpace(externalID)
	link.ExternalID = &payer
	link.UpdatedAt = r.now()
	copied := *link
	return &copied, nil
}

func (r *MemoryRepository) RecordSubscriptionPlan(_ context.Context, subscriptionID, planLabel string) (*domain.SubscriptionLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := r.subscriptionLocked(subscriptionID)
	label := strings.TrimSpace(planLabel)
	link.PlanLabel = &label
	link.UpdatedAt = r.now()
	copied := *link
	return &copied, nil
}

func (r *MemoryRepository) FindSubscriptionLink(_ context.Context, subscriptionID string) (*domain.SubscriptionLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.subscriptions[strings.TrimSpace(subscriptionID)]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	copied := *link
	return &copied, nil
}

func (r *MemoryRepository) ClaimOutboxMessages(_ context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]OutboxMessage, 0, limit)
	for _, row := range r.outbox {
		if len(claimed) == limit {
			break
		}
		ready := (row.status == "pending" && !row.nextAttemptAt.After(now)) ||
			(row.status == "processing" && row.processingAt.Before(stale))
		if !ready {
			continue
		}
		row.status = "processing"
		row.processingAt = now
		row.msg.Attempts++
		claimed = append(claimed, row.msg)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row := r.outboxRowLocked(id); row != nil {
		row.status = "published"
		row.lastError = ""
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if row := r.outboxRowLocked(id); row != nil {
		row.status = "pending"
		row.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		row.lastError = reason
	}
	return nil
}

// PendingOutbox reports how many outbox events have not been published yet.
func (r *MemoryRepository) PendingOutbox() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, row := range r.outbox {
		if row.status != "published" {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) recordTransactionLocked(acct *domain.Account, entry *domain.Transaction) {
	r.transactions[acct.ID] = append(r.transactions[acct.ID], *entry)

	payload, err := json.Marshal(domain.NewCreditTransactionEvent(acct, entry))
	if err != nil {
		return
	}
	r.nextOutboxID++
	r.outbox = append(r.outbox, &memoryOutboxRow{
		msg: OutboxMessage{
			ID:         r.nextOutboxID,
			Exchange:   domain.CreditEventsExchange,
			RoutingKey: domain.CreditRoutingKey(entry.Kind),
			Payload:    payload,
		},
		status:        "pending",
		nextAttemptAt: r.now(),
	})
}

func (r *MemoryRepository) subscriptionLocked(subscriptionID string) *domain.SubscriptionLink {
	id := strings.TrimSpace(subscriptionID)
	link, ok := r.subscriptions[id]
	if !ok {
		link = &domain.SubscriptionLink{SubscriptionID: id}
		r.subscriptions[id] = link
	}
	return link
}

func (r *MemoryRepository) outboxRowLocked(id int64) *memoryOutboxRow {
	for _, row := range r.outbox {
		if row.msg.ID == id {
			return row
		}
	}
	return nil
}

func cloneAccount(acct *domain.Account) *domain.Account {
	copied := *acct
	if acct.NextResetAt != nil {
		t := *acct.NextResetAt
		copied.NextResetAt = &t
	}
	if acct.ExternalBillingID != nil {
		id := *acct.ExternalBillingID
		copied.ExternalBillingID = &id
	}
	return &copied
}
