/**
 * @description
 * This file contains the HTTP handler for Clerk billing and user webhooks, delivered via Svix.
 *
 * Key features:
 * - Security: verifies the Svix HMAC-SHA256 signature and timestamp of every delivery.
 * - Idempotency: the svix-id is checked against the processed-event set before any mutation
 *   and recorded only after the mutation succeeded.
 * - Routing: user events sync the account, subscription events feed the payer/plan join,
 *   subscription item cancellations drop the payer to free.
 */
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
)

// ErrUpstreamDelivery marks a delivery that could not be verified or parsed. The provider retries it.
var ErrUpstreamDelivery = errors.New("webhook delivery rejected")

const (
	svixTimestampTolerance = 5 * time.Minute
	maxWebhookBodyBytes    = 1 << 20
)

type clerkEvent struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type clerkUserData struct {
	ID             string `json:"id" validate:"required"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	PublicMetadata struct {
		Plan string `json:"plan"`
	} `json:"public_metadata"`
}

type clerkSubscriptionData struct {
	ID      string `json:"id" validate:"required"`
	PayerID string `json:"payer_id" validate:"required"`
	Status  string `json:"status"`
}

type clerkSubscriptionItemData struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Plan           struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"plan"`
}

type clerkPaymentAttemptData struct {
	Status             string `json:"status"`
	Type               string `json:"type"`
	SubscriptionItemID string `json:"subscription_item_id"`
}

// WebhookHandler processes incoming Clerk webhooks.
type WebhookHandler struct {
	ledger   *app.Ledger
	sync     *app.Synchronizer
	deduper  app.EventDeduper
	secret   []byte
	dedupTTL time.Duration
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoint. secret is the Svix signing
// secret, with or without the whsec_ prefix.
func NewWebhookHandler(
	ledger *app.Ledger,
	sync *app.Synchronizer,
	deduper app.EventDeduper,
	secret string,
	dedupTTL time.Duration,
	logger *slog.Logger,
) (*WebhookHandler, error) {
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return nil, err
	}
	return &WebhookHandler{
		ledger:   ledger,
		sync:     sync,
		deduper:  deduper,
		secret:   key,
		dedupTTL: dedupTTL,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func decodeSvixSecret(secret string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if trimmed == "" {
		return nil, errors.New("webhook signing secret is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signing secret: %w", err)
	}
	return key, nil
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Cannot read request body")
		return
	}

	eventID := strings.TrimSpace(r.Header.Get("svix-id"))
	if err := h.verify(r.Header, body); err != nil {
		h.logger.Warn("webhook verification failed", "svix_id", eventID, "error", err)
		respondWithError(w, http.StatusBadRequest, "verification_failed", "Webhook verification failed")
		return
	}

	var event clerkEvent
	if err := h.decode(body, &event); err != nil {
		h.logger.Warn("webhook payload rejected", "svix_id", eventID, "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid_payload", "Invalid webhook payload")
		return
	}
	logger := h.logger.With("svix_id", eventID, "event_type", event.Type)

	ctx := r.Context()
	if processed, err := h.deduper.IsProcessed(ctx, eventID); err != nil {
		logger.Warn("webhook dedup lookup failed, processing anyway", "error", err)
	} else if processed {
		logger.Info("duplicate webhook ignored")
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	err = h.dispatch(ctx, logger, event)
	switch {
	case errors.Is(err, ErrUpstreamDelivery):
		logger.Warn("webhook payload rejected", "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid_payload", "Invalid webhook payload")
		return
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrSubscriptionNotFound):
		logger.Warn("webhook refers to an unknown account or subscription", "error", err)
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "warning": "unknown account"})
		return
	case err != nil:
		logger.Error("webhook processing failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	if _, err := h.deduper.MarkProcessed(ctx, eventID, h.dedupTTL); err != nil {
		logger.Warn("failed to record processed webhook", "error", err)
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *WebhookHandler) dispatch(ctx context.Context, logger *slog.Logger, event clerkEvent) error {
	switch event.Type {
	case "user.created", "user.updated":
		var data clerkUserData
		if err := h.decode(event.Data, &data); err != nil {
			return err
		}
		return h.syncUser(ctx, logger, data)

	case "subscription.created", "subscription.updated", "subscription.active":
		var data clerkSubscriptionData
		if err := h.decode(event.Data, &data); err != nil {
			return err
		}
		result, err := h.sync.RecordSubscriptionPayer(ctx, data.ID, data.PayerID)
		if err != nil {
			return err
		}
		logSyncResult(logger, data.ID, result)
		return nil

	case "subscriptionItem.active":
		var data clerkSubscriptionItemData
		if err := h.decode(event.Data, &data); err != nil {
			return err
		}
		slug := data.Plan.Slug
		if strings.TrimSpace(slug) == "" {
			slug = "free"
		}
		result, err := h.sync.RecordSubscriptionPlan(ctx, data.SubscriptionID, slug)
		if err != nil {
			return err
		}
		logSyncResult(logger, data.SubscriptionID, result)
		return nil

	case "subscriptionItem.canceled", "subscriptionItem.ended":
		var data clerkSubscriptionItemData
		if err := h.decode(event.Data, &data); err != nil {
			return err
		}
		_, err := h.sync.CancelBillingSubscription(ctx, data.SubscriptionID)
		return err

	case "paymentAttempt.updated":
		var data clerkPaymentAttemptData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamDelivery, err)
		}
		logger.Info("payment attempt updated", "status", data.Status, "type", data.Type, "subscription_item_id", data.SubscriptionItemID)
		return nil

	default:
		logger.Info("unhandled webhook event type")
		return nil
	}
}

func (h *WebhookHandler) syncUser(ctx context.Context, logger *slog.Logger, data clerkUserData) error {
	identity := app.Identity{
		ExternalID:  data.ID,
		DisplayName: strings.TrimSpace(strings.Join([]string{data.FirstName, data.LastName}, " ")),
	}
	if len(data.EmailAddresses) > 0 {
		identity.Email = data.EmailAddresses[0].EmailAddress
	}
	if _, _, err := h.ledger.GetOrCreate(ctx, identity); err != nil {
		return err
	}

	if plan := strings.TrimSpace(data.PublicMetadata.Plan); plan != "" {
		result, err := h.sync.Reconcile(ctx, app.PlanEvent{ExternalID: data.ID, PlanLabel: plan})
		if err != nil {
			return err
		}
		logger.Info("plan synced from user metadata", "external_id", data.ID, "plan", result.Account.Plan, "change", result.Change)
	}
	return nil
}

func logSyncResult(logger *slog.Logger, subscriptionID string, result *app.SyncResult) {
	if result == nil {
		logger.Info("subscription half recorded", "subscription_id", subscriptionID)
		return
	}
	logger.Info("subscription reconciled",
		"subscription_id", subscriptionID,
		"external_id", result.Account.ExternalID,
		"plan", result.Account.Plan,
		"granted", result.Granted,
	)
}

func (h *WebhookHandler) decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamDelivery, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamDelivery, formatValidationError(err))
	}
	return nil
}

// verify checks the Svix signature: base64(HMAC-SHA256(secret, id.timestamp.body)) must match
// one of the space separated "v1,<signature>" entries.
func (h *WebhookHandler) verify(header http.Header, body []byte) error {
	id := strings.TrimSpace(header.Get("svix-id"))
	timestamp := strings.TrimSpace(header.Get("svix-timestamp"))
	signatures := strings.TrimSpace(header.Get("svix-signature"))
	if id == "" || timestamp == "" || signatures == "" {
		return errors.New("missing svix headers")
	}

	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid svix-timestamp: %w", err)
	}
	sentAt := time.Unix(seconds, 0)
	now := h.now()
	if sentAt.Before(now.Add(-svixTimestampTolerance)) || sentAt.After(now.Add(svixTimestampTolerance)) {
		return errors.New("svix-timestamp outside tolerance")
	}

	expected := signSvixPayload(h.secret, id, timestamp, body)
	for _, entry := range strings.Fields(signatures) {
		version, signature, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return errors.New("no matching signature")
}

func signSvixPayload(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
