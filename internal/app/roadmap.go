/**
 * @description
 * Roadmap generation gated by the credits ledger. The cost is debited before the
 * generation collaborator is called and refunded when generation fails.
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
)

var (
	ErrGenerationFailed = errors.New("roadmap generation failed")
	// ErrRefundFailed accompanies ErrGenerationFailed when the charged cost could not be credited back.
	ErrRefundFailed = errors.New("roadmap refund failed")
)

// RateLimitedError is returned when a user exceeds the generation rate.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %d seconds", e.RetryAfterSeconds)
}

// Generator turns a prompt into generated text.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// RoadmapResult is a generated roadmap and the balance left after paying for it.
type RoadmapResult struct {
	Roadmap string         `json:"roadmap"`
	Charged int64          `json:"charged"`
	Balance domain.Balance `json:"balance"`
}

// RoadmapService charges for and produces roadmaps.
type RoadmapService struct {
	ledger    *Ledger
	generator Generator
	limiter   RateLimiter
	logger    *slog.Logger
	cost      int64
	rateLimit int
}

// NewRoadmapService creates a new RoadmapService. limiter may be nil, and a non-positive
// rateLimit disables limiting.
func NewRoadmapService(ledger *Ledger, generator Generator, limiter RateLimiter, logger *slog.Logger, cost int64, rateLimit int) *RoadmapService {
	return &RoadmapService{
		ledger:    ledger,
		generator: generator,
		limiter:   limiter,
		logger:    logger,
		cost:      cost,
		rateLimit: rateLimit,
	}
}

// Cost is the price of one roadmap in credits.
func (s *RoadmapService) Cost() int64 {
	return s.cost
}

// Generate charges externalID for one roadmap and generates it.
func (s *RoadmapService) Generate(ctx context.Context, externalID string, req domain.RoadmapRequest) (*RoadmapResult, error) {
	if err := s.checkRateLimit(ctx, externalID); err != nil {
		return nil, err
	}

	check, err := s.ledger.CanAfford(ctx, externalID, s.cost)
	if err != nil {
		return nil, err
	}
	switch check.Reason {
	case AffordNotFound:
		return nil, store.ErrAccountNotFound
	case AffordInsufficient:
		credits, _ := check.Balance.Credits()
		return nil, &InsufficientBalanceError{Balance: credits, Plan: check.Plan, Cost: s.cost}
	}

	toolName := domain.RoadmapToolName
	balance, err := s.ledger.Debit(ctx, externalID, s.cost, domain.ReasonRoadmapGeneration, &toolName)
	if err != nil {
		return nil, err
	}

	roadmap, genErr := s.generator.Generate(ctx, roadmapSystemPrompt, BuildRoadmapPrompt(req))
	if genErr == nil && strings.TrimSpace(roadmap) == "" {
		genErr = errors.New("generator returned an empty roadmap")
	}
	if genErr != nil {
		s.logger.Error("roadmap generation failed", "external_id", externalID, "error", genErr)
		if err := s.refund(externalID, balance); err != nil {
			return nil, fmt.Errorf("%w: %v: %w", ErrGenerationFailed, genErr, ErrRefundFailed)
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, genErr)
	}

	charged := s.cost
	if balance.IsUnlimited() {
		charged = 0
	}
	return &RoadmapResult{Roadmap: roadmap, Charged: charged, Balance: balance}, nil
}

func (s *RoadmapService) checkRateLimit(ctx context.Context, externalID string) error {
	if s.limiter == nil || s.rateLimit <= 0 {
		return nil
	}
	hits, err := s.limiter.Hit(ctx, "roadmap_generate:"+externalID, time.Minute)
	if err != nil {
		// Fail open.
		s.logger.Warn("rate limiter unavailable", "external_id", externalID, "error", err)
		return nil
	}
	if hits.Count > s.rateLimit {
		return &RateLimitedError{RetryAfterSeconds: hits.RetryAfterSeconds()}
	}
	return nil
}

// refund returns the cost of a failed generation. Unlimited accounts were never charged.
// The request context may already be canceled, so it uses its own.
func (s *RoadmapService) refund(externalID string, charged domain.Balance) error {
	if charged.IsUnlimited() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.ledger.Credit(ctx, externalID, s.cost, domain.ReasonGenerationRefund); err != nil {
		s.logger.Error("failed to refund roadmap generation", "external_id", externalID, "amount", s.cost, "error", err)
		return err
	}
	return nil
}

const roadmapSystemPrompt = "You are an expert AI product strategist. Produce practical, actionable roadmaps for AI " +
	"product development. Use the product details you are given and format the answer as markdown."

// BuildRoadmapPrompt renders the user prompt for a six week roadmap.
func BuildRoadmapPrompt(req domain.RoadmapRequest) string {
	product := orDefault(req.ProductName, "AI Product")

	var features strings.Builder
	if len(req.Features) == 0 {
		features.WriteString("Not specified\n")
	}
	for _, f := range req.Features {
		priority := "Nice-to-have"
		if f.Priority == domain.PriorityMustHave {
			priority = "Must-have"
		}
		fmt.Fprintf(&features, "- %s (%s)\n", strings.TrimSpace(f.Name), priority)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate a detailed, actionable 6-week AI product roadmap for %s.\n\n", product)
	b.WriteString("**Product Details:**\n")
	fmt.Fprintf(&b, "- Product Name: %s\n", product)
	fmt.Fprintf(&b, "- Problem: %s\n", orDefault(req.Problem, "Not specified"))
	fmt.Fprintf(&b, "- Target Audience: %s\n", orDefault(req.TargetAudience, "Not specified"))
	fmt.Fprintf(&b, "- Core Value: %s\n", orDefault(req.CoreValue, "Not specified"))
	fmt.Fprintf(&b, "- Preferred LLM: %s\n", orDefault(req.LLMChoice, "Not specified"))
	b.WriteString("- Key Features:\n")
	b.WriteString(features.String())
	fmt.Fprintf(&b, "\nStructure it as:\n\n# %s - 6-Week Roadmap\n\n", product)
	for i, week := range roadmapWeeks {
		fmt.Fprintf(&b, "## Week %d: %s\n", i+1, week)
	}
	b.WriteString("\n## Recommended Tech Stack\n")
	fmt.Fprintf(&b, "Cover AI/ML (based on %s), backend, frontend and infrastructure.\n", orDefault(req.LLMChoice, "best fit"))
	b.WriteString("\n## Key Milestones & Success Metrics\n\n")
	fmt.Fprintf(&b, "Keep it specific to %s. Each week should list 3-5 concrete tasks.", product)
	return b.String()
}

var roadmapWeeks = []string{
	"Discovery & Architecture",
	"AI Pipeline Development",
	"Backend & API Development",
	"Frontend Development",
	"Integration & Testing",
	"Launch Preparation",
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
