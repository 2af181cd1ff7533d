package domain

import "time"

// SubscriptionLink joins the two halves of a billing subscription. The payer and
// the plan label arrive in separate provider events, in either order.
type SubscriptionLink struct {
	SubscriptionID string    `json:"subscription_id"`
	ExternalID     *string   `json:"external_id,omitempty"`
	PlanLabel      *string   `json:"plan_label,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Complete reports whether both payer and plan are known.
func (l *SubscriptionLink) Complete() bool {
	return l.ExternalID != nil && *l.ExternalID != "" && l.PlanLabel != nil && *l.PlanLabel != ""
}
