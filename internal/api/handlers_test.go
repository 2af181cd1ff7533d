package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
)

const testInternalKey = "internal-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	out string
	err error
}

func (g *fakeGenerator) Generate(context.Context, string, string) (string, error) {
	return g.out, g.err
}

type fakePublisher struct {
	err    error
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, _, _ string, body interface{}) error {
	p.events = append(p.events, body)
	return p.err
}

func (p *fakePublisher) Close() {}

type apiFixture struct {
	repo      *store.MemoryRepository
	ledger    *app.Ledger
	sync      *app.Synchronizer
	generator *fakeGenerator
	publisher *fakePublisher
	router    http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := discardLogger()
	repo := store.NewMemoryRepository()
	ledger := app.NewLedger(repo, logger, app.LedgerConfig{})
	synchronizer := app.NewSynchronizer(repo, logger)
	generator := &fakeGenerator{out: "# Roadmap"}
	publisher := &fakePublisher{}

	h := NewHandler(
		ledger,
		app.NewRoadmapService(ledger, generator, nil, logger, 5, 0),
		app.NewLeadService(publisher, logger),
		app.NewResetSweeper(repo, logger, 10),
		testInternalKey,
		logger,
	)
	router := NewRouter(h, nil, AuthMiddlewareConfig{AllowHeaderFallback: true})

	return &apiFixture{repo: repo, ledger: ledger, sync: synchronizer, generator: generator, publisher: publisher, router: router}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-Clerk-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSyncAccount_CreatesOnceWithBonus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/me/sync", "user_1", map[string]string{"email": "ada@example.com", "name": "Ada"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(50), body["balance"])
	assert.Equal(t, "free", body["plan"])
	assert.Equal(t, "ada@example.com", body["email"])

	rec = f.do(t, http.MethodPost, "/me/sync", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", decodeBody(t, rec)["email"])
}

func TestSyncAccount_RejectsInvalidEmail(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/me/sync", "user_1", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageRoutes_RequireAuthentication(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/credits", "/credits/transactions"} {
		rec := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := f.do(t, http.MethodPost, "/roadmaps", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetCredits(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/credits", "user_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)
	_, err := f.sync.Reconcile(context.Background(), app.PlanEvent{ExternalID: "user_1", PlanLabel: "unlimited"})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/credits", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(999999), body["balance"])
	assert.Equal(t, true, body["unlimited"])
	assert.Equal(t, "unlimited", body["plan"])
	assert.Equal(t, float64(5), body["roadmapCost"])
}

func TestCheckCredits(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)

	rec := f.do(t, http.MethodPost, "/credits/check", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "ok", body["reason"])

	rec = f.do(t, http.MethodPost, "/credits/check", "user_1", map[string]int{"cost": 51})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "insufficient", body["reason"])

	rec = f.do(t, http.MethodPost, "/credits/check", "ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["reason"])
}

func TestOptionalBodies_AcceptChunkedEmptyBody(t *testing.T) {
	f := newAPIFixture(t)

	send := func(path, body string) *httptest.ResponseRecorder {
		// Hiding the reader type leaves ContentLength at -1, as with a chunked request.
		req := httptest.NewRequest(http.MethodPost, path, struct{ io.Reader }{strings.NewReader(body)})
		req.Header.Set("X-Clerk-User-Id", "user_1")
		require.Equal(t, int64(-1), req.ContentLength)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	rec := send("/me/sync", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = send("/credits/check", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(5), decodeBody(t, rec)["cost"])

	rec = send("/credits/check", `{"cost":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateRoadmap(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)

	req := map[string]any{
		"productName": "Lexi",
		"features":    []map[string]string{{"name": "Clause extraction", "priority": "must-have"}},
	}
	rec := f.do(t, http.MethodPost, "/roadmaps", "user_1", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "# Roadmap", body["roadmap"])
	assert.Equal(t, float64(45), body["balance"])

	rec = f.do(t, http.MethodGet, "/credits/transactions?limit=1", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody(t, rec)["transactions"].([]any)
	require.Len(t, txs, 1)
	assert.Equal(t, "roadmap_generation", txs[0].(map[string]any)["reason"])
}

func TestGenerateRoadmap_InvalidFeaturePriority(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)

	rec := f.do(t, http.MethodPost, "/roadmaps", "user_1", map[string]any{
		"features": []map[string]string{{"name": "x", "priority": "urgent"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateRoadmap_InsufficientCredits(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)
	_, err := f.ledger.Debit(context.Background(), "user_1", 47, "manual", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/roadmaps", "user_1", map[string]any{"productName": "Lexi"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.Equal(t, float64(3), body["balance"])
	assert.Equal(t, "free", body["plan"])
	assert.Equal(t, float64(5), body["cost"])
}

func TestGenerateRoadmap_FailureRefunds(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)
	f.generator.err = errors.New("openai down")

	rec := f.do(t, http.MethodPost, "/roadmaps", "user_1", map[string]any{"productName": "Lexi"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Roadmap generation failed, no credits were spent", decodeBody(t, rec)["message"])

	acct, err := f.ledger.Account(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Credits)
}

// failingMutations lets the first n account mutations through.
type failingMutations struct {
	store.Repository
	allowed int
}

func (r *failingMutations) MutateAccount(ctx context.Context, externalID string, fn store.MutateFunc) (*domain.Account, *domain.Transaction, error) {
	if r.allowed <= 0 {
		return nil, nil, errors.New("connection reset")
	}
	r.allowed--
	return r.Repository.MutateAccount(ctx, externalID, fn)
}

func TestGenerateRoadmap_ReportsFailedRefund(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/me/sync", "user_1", nil)

	logger := discardLogger()
	ledger := app.NewLedger(&failingMutations{Repository: f.repo, allowed: 1}, logger, app.LedgerConfig{})
	h := NewHandler(
		ledger,
		app.NewRoadmapService(ledger, &fakeGenerator{err: errors.New("openai down")}, nil, logger, 5, 0),
		app.NewLeadService(f.publisher, logger),
		app.NewResetSweeper(f.repo, logger, 10),
		testInternalKey,
		logger,
	)
	f.router = NewRouter(h, nil, AuthMiddlewareConfig{AllowHeaderFallback: true})

	rec := f.do(t, http.MethodPost, "/roadmaps", "user_1", map[string]any{"productName": "Lexi"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "refund did not complete")

	acct, err := f.ledger.Account(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(45), acct.Credits)
}

func TestGenerateRoadmap_UnknownAccount(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/roadmaps", "ghost", map[string]any{"productName": "Lexi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureLead(t *testing.T) {
	f := newAPIFixture(t)
	f.publisher.err = errors.New("broker down")

	rec := f.do(t, http.MethodPost, "/leads", "", map[string]any{
		"lead":     map[string]string{"name": "Ada", "email": "ada@example.com", "company": "Engines"},
		"complete": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Regexp(t, `^lead_\d+$`, body["id"])
	assert.Len(t, f.publisher.events, 1)

	rec = f.do(t, http.MethodPost, "/leads", "", map[string]any{"lead": map[string]string{"name": "Ada"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunReset_RequiresInternalKey(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/credits/reset", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/credits/reset", nil)
	req.Header.Set(internalAPIKeyHeader, testInternalKey)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, float64(0), decodeBody(t, out)["resetCount"])
}
