//go:build integration

package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := NewMigrator(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresRepository(pool)
}

func seedFreeAccount(t *testing.T, repo *PostgresRepository, externalID string, credits int64) *domain.Account {
	t.Helper()
	now := time.Now().UTC()
	acct := &domain.Account{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Email:      externalID + "@example.com",
		Credits:    credits,
		Plan:       domain.PlanFree,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	bonus := &domain.Transaction{
		ID:        uuid.NewString(),
		Kind:      domain.TransactionCredit,
		Amount:    credits,
		Reason:    domain.ReasonSignupBonus,
		CreatedAt: now,
	}
	created, ok, err := repo.CreateOrSyncAccount(context.Background(), acct, bonus)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

func TestPostgresRepository_CreateOrSyncAccountIsIdempotent(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	first := seedFreeAccount(t, repo, "user_pg_1", 50)

	candidate := *first
	candidate.ID = uuid.NewString()
	candidate.DisplayName = "Ada"
	again, created, err := repo.CreateOrSyncAccount(ctx, &candidate, &domain.Transaction{ID: uuid.NewString(), Kind: domain.TransactionCredit, Amount: 50, Reason: domain.ReasonSignupBonus, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Ada", again.DisplayName)

	txns, err := repo.ListTransactions(ctx, first.ID, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(50), txns[0].Amount)
}

func TestPostgresRepository_ConcurrentDebitsSerialize(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	acct := seedFreeAccount(t, repo, "user_pg_2", 50)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.MutateAccount(ctx, acct.ExternalID, func(a *domain.Account) (*domain.Transaction, error) {
				if a.Credits < 5 {
					return nil, ErrInsufficientBalance
				}
				a.Credits -= 5
				a.UpdatedAt = time.Now().UTC()
				return &domain.Transaction{ID: uuid.NewString(), Kind: domain.TransactionDebit, Amount: 5, Reason: "test", CreatedAt: time.Now().UTC()}, nil
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	found, err := repo.FindAccountByExternalID(ctx, acct.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), succeeded.Load())
	assert.Equal(t, int64(0), found.Credits)
}

func TestPostgresRepository_BalanceCheckConstraint(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	acct := seedFreeAccount(t, repo, "user_pg_3", 5)

	_, _, err := repo.MutateAccount(ctx, acct.ExternalID, func(a *domain.Account) (*domain.Transaction, error) {
		a.Credits = -1
		return nil, nil
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPostgresRepository_ListDueResetsAndOutbox(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	acct := seedFreeAccount(t, repo, "user_pg_4", 50)

	due := time.Now().UTC().Add(-time.Minute)
	_, _, err := repo.MutateAccount(ctx, acct.ExternalID, func(a *domain.Account) (*domain.Transaction, error) {
		a.Plan = domain.PlanPro
		a.Credits = 500
		a.NextResetAt = &due
		a.UpdatedAt = time.Now().UTC()
		return &domain.Transaction{ID: uuid.NewString(), Kind: domain.TransactionCredit, Amount: 450, Reason: "plan_change:free->pro:upgrade", CreatedAt: time.Now().UTC()}, nil
	})
	require.NoError(t, err)

	accounts, err := repo.ListDueResets(ctx, time.Now().UTC(), "", 10)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, acct.ID, accounts[0].ID)

	next, err := repo.ListDueResets(ctx, time.Now().UTC(), accounts[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	msgs, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, domain.CreditEventsExchange, msg.Exchange)
		require.NoError(t, repo.MarkOutboxPublished(ctx, msg.ID))
	}
}

func TestPostgresRepository_SubscriptionLink(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	_, err := repo.RecordSubscriptionPayer(ctx, "sub_1", "user_1")
	require.NoError(t, err)
	link, err := repo.RecordSubscriptionPlan(ctx, "sub_1", "pro-monthly")
	require.NoError(t, err)
	assert.True(t, link.Complete())

	_, err = repo.FindSubscriptionLink(ctx, "sub_2")
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}
