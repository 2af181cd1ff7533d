/**
 * @description
 * Core domain models for the credits ledger: the per-identity Account, its Balance,
 * and the append-only Transaction audit row.
 */
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// UnlimitedDisplayCredits is what clients render for unlimited balances.
const UnlimitedDisplayCredits int64 = 999999

var ErrInvalidAmount = errors.New("amount must be positive")

// Balance is either a finite credit count or unlimited.
type Balance struct {
	credits   int64
	unlimited bool
}

// Finite returns a finite balance.
func Finite(credits int64) Balance {
	return Balance{credits: credits}
}

// Unlimited returns the unlimited balance.
func Unlimited() Balance {
	return Balance{unlimited: true}
}

func (b Balance) IsUnlimited() bool { return b.unlimited }

// Credits returns the finite amount. ok is false for unlimited balances.
func (b Balance) Credits() (credits int64, ok bool) {
	if b.unlimited {
		return 0, false
	}
	return b.credits, true
}

// Covers reports whether cost can be paid from b.
func (b Balance) Covers(cost int64) bool {
	return b.unlimited || b.credits >= cost
}

// Display is the value shown to users; unlimited maps to a sentinel.
func (b Balance) Display() int64 {
	if b.unlimited {
		return UnlimitedDisplayCredits
	}
	return b.credits
}

func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Display())
}

// Account is the ledger record for one external identity.
type Account struct {
	ID                string     `json:"id"`
	ExternalID        string     `json:"external_id"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"display_name,omitempty"`
	Credits           int64      `json:"-"` // finite column; ignored while on the unlimited plan
	Plan              Plan       `json:"plan"`
	NextResetAt       *time.Time `json:"next_reset_at,omitempty"`
	ExternalBillingID *string    `json:"external_billing_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Balance derives the balance from the plan and the stored credit count.
func (a *Account) Balance() Balance {
	if a.Plan == PlanUnlimited {
		return Unlimited()
	}
	return Finite(a.Credits)
}

// ApplyProfile mirrors identity provider profile fields onto a. Empty values never
// overwrite stored ones. It reports whether anything changed.
func (a *Account) ApplyProfile(email, displayName string) bool {
	changed := false
	if email != "" && email != a.Email {
		a.Email = email
		changed = true
	}
	if displayName != "" && displayName != a.DisplayName {
		a.DisplayName = displayName
		changed = true
	}
	return changed
}

// ResetDue reports whether the monthly reset for a is due at now.
func (a *Account) ResetDue(now time.Time) bool {
	return a.Plan.Recurring() && a.NextResetAt != nil && !a.NextResetAt.After(now)
}

// NextMonthlyReset is one calendar month after from, clamped to the last day of the
// target month so Jan 31 becomes Feb 28 (or 29).
func NextMonthlyReset(from time.Time) time.Time {
	year, month, day := from.Date()
	hour, minute, sec := from.Clock()
	target := time.Date(year, month+1, 1, hour, minute, sec, from.Nanosecond(), from.Location())
	if last := daysIn(target.Year(), target.Month(), from.Location()); day > last {
		day = last
	}
	return target.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// TransactionKind is the accounting side of a Transaction.
type TransactionKind string

const (
	TransactionCredit TransactionKind = "credit"
	TransactionDebit  TransactionKind = "debit"
)

// Well-known transaction reasons.
const (
	ReasonSignupBonus          = "signup_bonus"
	ReasonMonthlyReset         = "monthly_credit_reset"
	ReasonSubscriptionCanceled = "subscription_canceled"
	ReasonRoadmapGeneration    = "roadmap_generation"
	ReasonGenerationRefund     = "refund_generation_failed"
	unlimitedBypassSuffix      = ":unlimited_bypass"
)

// UnlimitedBypassReason tags a zero-amount debit logged for an unlimited account.
func UnlimitedBypassReason(reason string) string {
	return reason + unlimitedBypassSuffix
}

// PlanChangeReason encodes old and new plans plus the transition class.
func PlanChangeReason(from, to Plan, change PlanChange) string {
	return "plan_change:" + string(from) + "->" + string(to) + ":" + string(change)
}

// Transaction is an append-only audit row written alongside every balance mutation.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Kind      TransactionKind `json:"kind"`
	Amount    int64           `json:"amount"`
	Reason    string          `json:"reason"`
	ToolName  *string         `json:"tool_name,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
