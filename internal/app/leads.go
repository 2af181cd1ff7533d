package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/1labs-ai/ai-roadmap-tool/pkg/rabbitmq"
)

const leadPublishTimeout = 3 * time.Second

// LeadService records leads and hands them to the notification worker.
// Notification is best effort: Capture never fails because the broker is down.
type LeadService struct {
	publisher rabbitmq.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewLeadService(publisher rabbitmq.Publisher, logger *slog.Logger) *LeadService {
	return &LeadService{
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Capture stamps the lead with an id and publishes it.
func (s *LeadService) Capture(ctx context.Context, lead domain.Lead) domain.Lead {
	now := s.now()
	lead.ID = fmt.Sprintf("lead_%d", now.UnixMilli())
	lead.CreatedAt = now

	s.logger.Info("new lead",
		"lead_id", lead.ID,
		"name", lead.Contact.Name,
		"email", lead.Contact.Email,
		"company", lead.Contact.Company,
		"role", lead.Contact.Role,
		"complete", lead.Complete,
	)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leadPublishTimeout)
	defer cancel()
	event := domain.LeadCapturedEvent{Lead: lead}
	if err := s.publisher.Publish(pubCtx, domain.LeadEventsExchange, domain.LeadCapturedKey, event); err != nil {
		s.logger.Warn("failed to publish lead event", "lead_id", lead.ID, "error", err)
	}
	return lead
}

// LeadNotifier delivers a lead to one outbound channel.
type LeadNotifier interface {
	Name() string
	Notify(ctx context.Context, lead domain.Lead) error
}

// LeadWorker consumes lead events and fans them out to every configured notifier.
type LeadWorker struct {
	notifiers []LeadNotifier
	logger    *slog.Logger
	timeout   time.Duration
}

func NewLeadWorker(notifiers []LeadNotifier, logger *slog.Logger) *LeadWorker {
	return &LeadWorker{notifiers: notifiers, logger: logger, timeout: 15 * time.Second}
}

// HandleLeadCaptured always acknowledges. Delivery failures are logged, never retried.
func (w *LeadWorker) HandleLeadCaptured(body []byte) bool {
	var event domain.LeadCapturedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		w.logger.Error("dropping malformed lead event", "error", err)
		return true
	}
	if strings.TrimSpace(event.Lead.ID) == "" {
		w.logger.Error("dropping lead event without id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	for _, notifier := range w.notifiers {
		if err := notifier.Notify(ctx, event.Lead); err != nil {
			w.logger.Warn("lead notification failed", "lead_id", event.Lead.ID, "notifier", notifier.Name(), "error", err)
			continue
		}
		w.logger.Info("lead notification delivered", "lead_id", event.Lead.ID, "notifier", notifier.Name())
	}
	return true
}
