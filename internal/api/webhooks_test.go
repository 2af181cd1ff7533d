package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
)

var testSigningKey = []byte("super-secret-signing-key")

type webhookFixture struct {
	repo    *store.MemoryRepository
	ledger  *app.Ledger
	handler *WebhookHandler
	now     time.Time
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	logger := discardLogger()
	repo := store.NewMemoryRepository()
	ledger := app.NewLedger(repo, logger, app.LedgerConfig{})

	secret := "whsec_" + base64.StdEncoding.EncodeToString(testSigningKey)
	handler, err := NewWebhookHandler(ledger, app.NewSynchronizer(repo, logger), app.NewMemoryEventDeduper(), secret, time.Hour, logger)
	require.NoError(t, err)

	now := time.Unix(1760000000, 0)
	handler.now = func() time.Time { return now }
	return &webhookFixture{repo: repo, ledger: ledger, handler: handler, now: now}
}

func (f *webhookFixture) deliver(t *testing.T, id, eventType string, data any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{"type": eventType, "object": "event", "data": data})
	require.NoError(t, err)
	timestamp := strconv.FormatInt(f.now.Unix(), 10)
	return f.send(t, id, timestamp, "v1,"+signSvixPayload(testSigningKey, id, timestamp, body), body)
}

func (f *webhookFixture) send(t *testing.T, id, timestamp, signature string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/clerk", bytes.NewReader(body))
	req.Header.Set("svix-id", id)
	req.Header.Set("svix-timestamp", timestamp)
	req.Header.Set("svix-signature", signature)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *webhookFixture) account(t *testing.T, externalID string) *domain.Account {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), externalID)
	require.NoError(t, err)
	return acct
}

func userPayload(id, plan string) map[string]any {
	data := map[string]any{
		"id":              id,
		"email_addresses": []map[string]string{{"email_address": id + "@example.com"}},
		"first_name":      "Ada",
		"last_name":       "Lovelace",
	}
	if plan != "" {
		data["public_metadata"] = map[string]string{"plan": plan}
	}
	return data
}

func TestWebhook_VerificationFailures(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)
	ts := strconv.FormatInt(f.now.Unix(), 10)
	good := "v1," + signSvixPayload(testSigningKey, "msg_1", ts, body)

	tests := []struct {
		name      string
		id        string
		timestamp string
		signature string
	}{
		{name: "missing headers", id: "", timestamp: ts, signature: good},
		{name: "bad signature", id: "msg_1", timestamp: ts, signature: "v1,Zm9v"},
		{name: "wrong version", id: "msg_1", timestamp: ts, signature: "v2," + signSvixPayload(testSigningKey, "msg_1", ts, body)},
		{name: "stale timestamp", id: "msg_1", timestamp: strconv.FormatInt(f.now.Add(-10*time.Minute).Unix(), 10), signature: good},
		{name: "tampered id", id: "msg_2", timestamp: ts, signature: good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.send(t, tt.id, tt.timestamp, tt.signature, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	_, err := f.ledger.Account(context.Background(), "user_1")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestWebhook_AcceptsAnyMatchingSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body, err := json.Marshal(map[string]any{"type": "user.created", "data": userPayload("user_1", "")})
	require.NoError(t, err)
	ts := strconv.FormatInt(f.now.Unix(), 10)

	rec := f.send(t, "msg_1", ts, "v1,b2xk v1,"+signSvixPayload(testSigningKey, "msg_1", ts, body), body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), f.account(t, "user_1").Credits)
}

func TestWebhook_UserCreatedAndUpdated(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "msg_1", "user.created", userPayload("user_1", ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acct := f.account(t, "user_1")
	assert.Equal(t, "user_1@example.com", acct.Email)
	assert.Equal(t, "Ada Lovelace", acct.DisplayName)
	assert.Equal(t, int64(50), acct.Credits)

	rec = f.deliver(t, "msg_2", "user.updated", userPayload("user_1", "pro_monthly"))
	require.Equal(t, http.StatusOK, rec.Code)
	acct = f.account(t, "user_1")
	assert.Equal(t, domain.PlanPro, acct.Plan)
	assert.Equal(t, int64(500), acct.Credits)
}

func TestWebhook_DuplicateDeliveryIsIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliver(t, "msg_0", "user.created", userPayload("user_1", ""))

	rec := f.deliver(t, "msg_1", "user.updated", userPayload("user_1", "starter"))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := f.ledger.Debit(context.Background(), "user_1", 40, "manual", nil)
	require.NoError(t, err)

	rec = f.deliver(t, "msg_1", "user.updated", userPayload("user_1", "starter"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])
	assert.Equal(t, int64(60), f.account(t, "user_1").Credits)
}

func TestWebhook_SubscriptionJoinAndCancel(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliver(t, "msg_0", "user.created", userPayload("user_1", ""))

	rec := f.deliver(t, "msg_1", "subscriptionItem.active", map[string]any{
		"subscription_id": "sub_1",
		"plan":            map[string]string{"slug": "starter-monthly", "name": "Starter"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PlanFree, f.account(t, "user_1").Plan)

	rec = f.deliver(t, "msg_2", "subscription.active", map[string]any{"id": "sub_1", "payer_id": "user_1", "status": "active"})
	require.Equal(t, http.StatusOK, rec.Code)
	acct := f.account(t, "user_1")
	assert.Equal(t, domain.PlanStarter, acct.Plan)
	assert.Equal(t, int64(100), acct.Credits)

	rec = f.deliver(t, "msg_3", "subscriptionItem.canceled", map[string]any{"subscription_id": "sub_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	acct = f.account(t, "user_1")
	assert.Equal(t, domain.PlanFree, acct.Plan)
	assert.Equal(t, int64(100), acct.Credits)
	assert.Nil(t, acct.NextResetAt)
}

func TestWebhook_UnknownTargetsAreAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "msg_1", "subscriptionItem.ended", map[string]any{"subscription_id": "sub_missing"})
	assert.Equal(t, http.StatusOK, rec.Code)

	f.deliver(t, "msg_2", "subscriptionItem.active", map[string]any{"subscription_id": "sub_2", "plan": map[string]string{"slug": "pro"}})
	rec = f.deliver(t, "msg_3", "subscription.created", map[string]any{"id": "sub_2", "payer_id": "ghost"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_InvalidPayloads(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "msg_1", "subscription.created", map[string]any{"id": "sub_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.deliver(t, "msg_2", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_LogOnlyEvents(t *testing.T) {
	f := newWebhookFixture(t)
	for i, eventType := range []string{"paymentAttempt.updated", "session.created"} {
		rec := f.deliver(t, "msg_"+strconv.Itoa(i), eventType, map[string]any{"status": "failed", "type": "recurring"})
		assert.Equal(t, http.StatusOK, rec.Code, eventType)
	}
}

func TestNewWebhookHandler_RequiresSecret(t *testing.T) {
	_, err := NewWebhookHandler(nil, nil, nil, "", time.Hour, discardLogger())
	assert.Error(t, err)
	_, err = NewWebhookHandler(nil, nil, nil, "whsec_***", time.Hour, discardLogger())
	assert.Error(t, err)
}
