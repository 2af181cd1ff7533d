package domain

import "time"

// Exchanges and routing keys used on the message bus.
const (
	CreditEventsExchange = "credit_events"
	LeadEventsExchange   = "lead_events"
	LeadCapturedKey      = "lead.captured"
)

// CreditRoutingKey is the routing key for a ledger transaction event.
func CreditRoutingKey(kind TransactionKind) string {
	return "credits." + string(kind)
}

// CreditTransactionEvent is published for every ledger transaction.
type CreditTransactionEvent struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	ExternalID    string          `json:"external_id"`
	Kind          TransactionKind `json:"kind"`
	Amount        int64           `json:"amount"`
	Reason        string          `json:"reason"`
	ToolName      *string         `json:"tool_name,omitempty"`
	Plan          Plan            `json:"plan"`
	Balance       int64           `json:"balance"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewCreditTransactionEvent snapshots a transaction together with the account state it produced.
func NewCreditTransactionEvent(acct *Account, tx *Transaction) CreditTransactionEvent {
	return CreditTransactionEvent{
		TransactionID: tx.ID,
		AccountID:     acct.ID,
		ExternalID:    acct.ExternalID,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		Reason:        tx.Reason,
		ToolName:      tx.ToolName,
		Plan:          acct.Plan,
		Balance:       acct.Balance().Display(),
		OccurredAt:    tx.CreatedAt,
	}
}

// LeadContact is who filled in the roadmap form.
type LeadContact struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email,max=320"`
	Company string `json:"company" validate:"max=200"`
	Role    string `json:"role,omitempty" validate:"max=200"`
}

// Lead is a prospect captured by the roadmap form.
type Lead struct {
	ID        string      `json:"id"`
	Contact   LeadContact `json:"lead"`
	Complete  bool        `json:"complete"`
	UserAgent string      `json:"userAgent,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// LeadCapturedEvent is published when a lead is recorded.
type LeadCapturedEvent struct {
	Lead Lead `json:"lead"`
}
