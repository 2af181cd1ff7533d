/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every account mutation runs inside one database transaction that locks the account
 * row with SELECT ... FOR UPDATE, writes the new account state, appends the audit
 * transaction and enqueues the matching outbox event.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id::text, external_id, email, display_name, balance, plan, next_reset_at, external_billing_id, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acct domain.Account
		plan string
	)
	err := row.Scan(
		&acct.ID,
		&acct.ExternalID,
		&acct.Email,
		&acct.DisplayName,
		&acct.Credits,
		&plan,
		&acct.NextResetAt,
		&acct.ExternalBillingID,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.Plan = domain.Plan(plan)
	return &acct, nil
}

// CreateOrSyncAccount inserts candidate unless an account with the same external id exists.
// A new account gets the bonus transaction in the same commit. An existing account only has
// its profile fields mirrored from candidate.
func (r *PostgresRepository) CreateOrSyncAccount(ctx context.Context, candidate *domain.Account, bonus *domain.Transaction) (*domain.Account, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, external_id, email, display_name, balance, plan, next_reset_at, external_billing_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id::text
	`,
		candidate.ID,
		candidate.ExternalID,
		candidate.Email,
		candidate.DisplayName,
		candidate.Credits,
		string(candidate.Plan),
		candidate.NextResetAt,
		candidate.ExternalBillingID,
		candidate.CreatedAt,
		candidate.UpdatedAt,
	).Scan(&insertedID)

	switch {
	case err == nil:
		created := *candidate
		if bonus != nil {
			bonus.AccountID = created.ID
			if err := recordTransactionTx(ctx, tx, &created, bonus); err != nil {
				return nil, false, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &created, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Lost the insert race or already known; fall through to the profile sync.
	default:
		return nil, false, fmt.Errorf("failed to insert account: %w", err)
	}

	existing, err := lockAccountTx(ctx, tx, candidate.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing.ApplyProfile(candidate.Email, candidate.DisplayName) {
		existing.UpdatedAt = candidate.UpdatedAt
		if err := updateAccountTx(ctx, tx, existing); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindAccountByExternalID retrieves an account by identity provider id.
func (r *PostgresRepository) FindAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}

// MutateAccount applies fn to the locked account row and persists the result atomically.
func (r *PostgresRepository) MutateAccount(ctx context.Context, externalID string, fn MutateFunc) (*domain.Account, *domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	acct, err := lockAccountTx(ctx, tx, externalID)
	if err != nil {
		return nil, nil, err
	}

	entry, err := fn(acct)
	if err != nil {
		return nil, nil, err
	}

	if err := updateAccountTx(ctx, tx, acct); err != nil {
		return nil, nil, err
	}
	if entry != nil {
		entry.AccountID = acct.ID
		if err := recordTransactionTx(ctx, tx, acct, entry); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return acct, entry, nil
}

// ListDueResets returns up to limit recurring-plan accounts whose reset time has passed,
// ordered by id and starting after afterID.
func (r *PostgresRepository) ListDueResets(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	plans := make([]string, 0, len(domain.RecurringPlans()))
	for _, p := range domain.RecurringPlans() {
		plans = append(plans, string(p))
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE plan = ANY($1)
			AND next_reset_at IS NOT NULL
			AND next_reset_at <= $2
			AND id > COALESCE(NULLIF($3, '')::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
		ORDER BY id
		LIMIT $4
	`, plans, now, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// ListTransactions returns the most recent transactions for an account, newest first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, account_id::text, kind, amount, reason, tool_name, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var (
			t    domain.Transaction
			kind string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.Reason, &t.ToolName, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = domain.TransactionKind(kind)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// RecordSubscriptionPayer stores the payer half of a billing subscription.
func (r *PostgresRepository) RecordSubscriptionPayer(ctx context.Context, subscriptionID, externalID string) (*domain.SubscriptionLink, error) {
	return scanSubscriptionLink(r.db.QueryRow(ctx, `
		INSERT INTO billing_subscriptions (subscription_id, external_id)
		VALUES ($1, $2)
		ON CONFLICT (subscription_id)
		DO UPDATE SET external_id = EXCLUDED.external_id, updated_at = NOW()
		RETURNING subscription_id, external_id, plan_label, updated_at
	`, strings.TrimSpace(subscriptionID), strings.TrimSpace(externalID)))
}

// RecordSubscriptionPlan stores the plan half of a billing subscription.
func (r *PostgresRepository) RecordSubscriptionPlan(ctx context.Context, subscriptionID, planLabel string) (*domain.SubscriptionLink, error) {
	return scanSubscriptionLink(r.db.QueryRow(ctx, `
		INSERT INTO billing_subscriptions (subscription_id, plan_label)
		VALUES ($1, $2)
		ON CONFLICT (subscription_id)
		DO UPDATE SET plan_label = EXCLUDED.plan_label, updated_at = NOW()
		RETURNING subscription_id, external_id, plan_label, updated_at
	`, strings.TrimSpace(subscriptionID), strings.TrimSpace(planLabel)))
}

// FindSubscriptionLink retrieves a billing subscription join row.
func (r *PostgresRepository) FindSubscriptionLink(ctx context.Context, subscriptionID string) (*domain.SubscriptionLink, error) {
	link, err := scanSubscriptionLink(r.db.QueryRow(ctx, `
		SELECT subscription_id, external_id, plan_label, updated_at
		FROM billing_subscriptions
		WHERE subscription_id = $1
	`, strings.TrimSpace(subscriptionID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return link, err
}

func scanSubscriptionLink(row rowScanner) (*domain.SubscriptionLink, error) {
	var link domain.SubscriptionLink
	if err := row.Scan(&link.SubscriptionID, &link.ExternalID, &link.PlanLabel, &link.UpdatedAt); err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func lockAccountTx(ctx context.Context, tx pgx.Tx, externalID string) (*domain.Account, error) {
	// FOR UPDATE serializes concurrent debits against the same account.
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1 FOR UPDATE`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}

func updateAccountTx(ctx context.Context, tx pgx.Tx, acct *domain.Account) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET email = $2,
			display_name = $3,
			balance = $4,
			plan = $5,
			next_reset_at = $6,
			external_billing_id = $7,
			updated_at = $8
		WHERE id = $1
	`,
		acct.ID,
		acct.Email,
		acct.DisplayName,
		acct.Credits,
		string(acct.Plan),
		acct.NextResetAt,
		acct.ExternalBillingID,
		acct.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" && pgErr.ConstraintName == "accounts_balance_check" {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func recordTransactionTx(ctx context.Context, tx pgx.Tx, acct *domain.Account, entry *domain.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, account_id, kind, amount, reason, tool_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.ID,
		entry.AccountID,
		string(entry.Kind),
		entry.Amount,
		entry.Reason,
		entry.ToolName,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	event := domain.NewCreditTransactionEvent(acct, entry)
	return enqueueEventTx(ctx, tx, domain.CreditEventsExchange, domain.CreditRoutingKey(entry.Kind), event)
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
