/**
 * @description
 * HTTP handlers for the usage API: account sync, balance reads, affordability checks,
 * charged roadmap generation, lead capture and the internal reset trigger.
 */
package api

import (
	"context"
	"crypto/subtle"
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
	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
)

const (
	maxRequestBodyBytes  = 1 << 20
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	internalAPIKeyHeader = "X-Internal-API-Key"
)

// Handler holds the application services that handlers interact with.
type Handler struct {
	ledger         *app.Ledger
	roadmaps       *app.RoadmapService
	leads          *app.LeadService
	resetter       app.CreditResetter
	validate       *validator.Validate
	internalAPIKey string
	logger         *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(
	ledger *app.Ledger,
	roadmaps *app.RoadmapService,
	leads *app.LeadService,
	resetter app.CreditResetter,
	internalAPIKey string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		ledger:         ledger,
		roadmaps:       roadmaps,
		leads:          leads,
		resetter:       resetter,
		validate:       validator.New(),
		internalAPIKey: strings.TrimSpace(internalAPIKey),
		logger:         logger,
	}
}

type accountResponse struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"externalId"`
	Email       string         `json:"email,omitempty"`
	Name        string         `json:"name,omitempty"`
	Plan        domain.Plan    `json:"plan"`
	Balance     domain.Balance `json:"balance"`
	Unlimited   bool           `json:"unlimited"`
	NextResetAt *time.Time     `json:"nextResetAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func newAccountResponse(acct *domain.Account) accountResponse {
	balance := acct.Balance()
	return accountResponse{
		ID:          acct.ID,
		ExternalID:  acct.ExternalID,
		Email:       acct.Email,
		Name:        acct.DisplayName,
		Plan:        acct.Plan,
		Balance:     balance,
		Unlimited:   balance.IsUnlimited(),
		NextResetAt: acct.NextResetAt,
		CreatedAt:   acct.CreatedAt,
	}
}

type syncRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=320"`
	Name  string `json:"name" validate:"max=200"`
}

// handleSyncAccount creates the caller's account on first sight and mirrors profile changes.
func (h *Handler) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	var req syncRequest
	if err := h.decodeOptional(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	identity := app.Identity{ExternalID: userID, Email: req.Email, DisplayName: req.Name}
	if email, ok := GetClerkUserEmail(r.Context()); ok {
		identity.Email = email
	}
	if name, ok := GetClerkUserName(r.Context()); ok && identity.DisplayName == "" {
		identity.DisplayName = name
	}

	acct, created, err := h.ledger.GetOrCreate(r.Context(), identity)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, newAccountResponse(acct))
}

func (h *Handler) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	acct, err := h.ledger.Account(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, struct {
		accountResponse
		RoadmapCost int64 `json:"roadmapCost"`
	}{newAccountResponse(acct), h.roadmaps.Cost()})
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	txs, err := h.ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type checkRequest struct {
	Cost int64 `json:"cost" validate:"omitempty,gt=0"`
}

// handleCheckCredits answers whether a debit of cost would succeed now. It is advisory only.
func (h *Handler) handleCheckCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	var req checkRequest
	if err := h.decodeOptional(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Cost == 0 {
		req.Cost = h.roadmaps.Cost()
	}

	result, err := h.ledger.CanAfford(r.Context(), userID, req.Cost)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGenerateRoadmap(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	var req domain.RoadmapRequest
	if err := h.decodeAndValidate(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.roadmaps.Generate(r.Context(), userID, req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleCaptureLead always answers 200 once the form is valid. Notification is best effort.
func (h *Handler) handleCaptureLead(w http.ResponseWriter, r *http.Request) {
	var lead domain.Lead
	if err := h.decodeAndValidate(w, r, &lead); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	lead.UserAgent = r.UserAgent()

	captured := h.leads.Capture(r.Context(), lead)
	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "id": captured.ID})
}

// handleRunReset triggers one reset sweep. Guarded by the internal API key.
func (h *Handler) handleRunReset(w http.ResponseWriter, r *http.Request) {
	provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
	if h.internalAPIKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.internalAPIKey)) != 1 {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Invalid internal API key")
		return
	}

	count, err := h.resetter.Run(r.Context())
	if err != nil {
		h.logger.Error("manual credit reset failed", "reset_count", count, "error", err)
		respondWithJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      "reset_failed",
			"message":    "Credit reset did not complete",
			"resetCount": count,
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"resetCount": count})
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	return h.decode(w, r, dst, false)
}

// decodeOptional accepts an empty body, chunked or not, and leaves dst zeroed.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	return h.decode(w, r, dst, true)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// respondWithServiceError maps service errors to HTTP responses. Balance data is only exposed
// for insufficient balance.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *app.InsufficientBalanceError
	var rateLimited *app.RateLimitedError

	switch {
	case errors.As(err, &insufficient):
		respondWithJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient_credits",
			"message": "Not enough credits for this action",
			"balance": insufficient.Balance,
			"plan":    insufficient.Plan,
			"cost":    insufficient.Cost,
		})
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		respondWithError(w, http.StatusTooManyRequests, "rate_limited", "Too many roadmap requests")
	case errors.Is(err, store.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "account_not_found", "Account not found, sync the account first")
	case errors.Is(err, app.ErrMissingExternalID), errors.Is(err, domain.ErrInvalidAmount):
		respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, app.ErrRefundFailed):
		h.logger.Error("roadmap generation failed without refund", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "generation_failed", "Roadmap generation failed and the refund did not complete, contact support")
	case errors.Is(err, app.ErrGenerationFailed):
		h.logger.Error("roadmap generation failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "generation_failed", "Roadmap generation failed, no credits were spent")
	case errors.Is(err, context.Canceled):
		respondWithError(w, http.StatusRequestTimeout, "canceled", "Request canceled")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, map[string]string{"error": errCode, "message": message})
}
