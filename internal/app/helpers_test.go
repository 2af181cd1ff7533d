package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// sequentialIDs yields sortable ids so pagination order is predictable.
func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%05d", prefix, n)
	}
}

type ledgerFixture struct {
	repo   *store.MemoryRepository
	clock  *testClock
	ledger *Ledger
	sync   *Synchronizer
	sweep  *ResetSweeper
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newTestClock()
	logger := discardLogger()

	ledger := NewLedger(repo, logger, LedgerConfig{Now: clock.Now, NewID: sequentialIDs("acct")})
	synchronizer := NewSynchronizer(repo, logger)
	synchronizer.now = clock.Now
	sweeper := NewResetSweeper(repo, logger, 2)
	sweeper.now = clock.Now

	return &ledgerFixture{repo: repo, clock: clock, ledger: ledger, sync: synchronizer, sweep: sweeper}
}

func (f *ledgerFixture) signUp(t *testing.T, externalID string) *domain.Account {
	t.Helper()
	acct, created, err := f.ledger.GetOrCreate(context.Background(), Identity{ExternalID: externalID, Email: externalID + "@example.com"})
	require.NoError(t, err)
	require.True(t, created)
	return acct
}

func (f *ledgerFixture) reconcile(t *testing.T, externalID, label string) *SyncResult {
	t.Helper()
	res, err := f.sync.Reconcile(context.Background(), PlanEvent{ExternalID: externalID, PlanLabel: label})
	require.NoError(t, err)
	return res
}

func (f *ledgerFixture) account(t *testing.T, externalID string) *domain.Account {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), externalID)
	require.NoError(t, err)
	return acct
}

func (f *ledgerFixture) history(t *testing.T, externalID string) []domain.Transaction {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), externalID, 100)
	require.NoError(t, err)
	return txs
}
