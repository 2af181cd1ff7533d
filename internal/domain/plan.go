/**
 * @description
 * Plan catalog for the credits ledger. Plans form a closed set with a total order
 * used to classify subscription changes, and each plan maps to a static entitlement.
 */
package domain

import (
	"strings"
)

// Plan identifies a subscription plan.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanStarter   Plan = "starter"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// Entitlement is the static allowance attached to a plan.
type Entitlement struct {
	MonthlyAllowance int64 `json:"monthly_allowance"`
	Unlimited        bool  `json:"unlimited"`
	IsOneTime        bool  `json:"is_one_time"`
}

// SignupBonusCredits is granted once when an account is first created.
const SignupBonusCredits int64 = 50

var catalog = map[Plan]Entitlement{
	PlanFree:      {MonthlyAllowance: SignupBonusCredits, IsOneTime: true},
	PlanStarter:   {MonthlyAllowance: 100},
	PlanPro:       {MonthlyAllowance: 500},
	PlanUnlimited: {Unlimited: true},
}

var planRank = map[Plan]int{
	PlanFree:      0,
	PlanStarter:   1,
	PlanPro:       2,
	PlanUnlimited: 3,
}

// Billing providers send slugs like "pro-monthly" or "Starter_Yearly".
var planAliases = map[string]Plan{
	"free":              PlanFree,
	"starter":           PlanStarter,
	"starter-monthly":   PlanStarter,
	"starter-yearly":    PlanStarter,
	"pro":               PlanPro,
	"pro-monthly":       PlanPro,
	"pro-yearly":        PlanPro,
	"unlimited":         PlanUnlimited,
	"unlimited-monthly": PlanUnlimited,
	"unlimited-yearly":  PlanUnlimited,
}

// ParsePlan normalizes a provider plan label. The second return value is false when the
// label was not recognized, in which case the free plan is returned.
func ParsePlan(label string) (Plan, bool) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = strings.NewReplacer("_", "-", " ", "-").Replace(normalized)
	if plan, ok := planAliases[normalized]; ok {
		return plan, true
	}
	return PlanFree, false
}

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Entitlement returns the catalog entry for p. Unknown plans resolve to free.
func (p Plan) Entitlement() Entitlement {
	if e, ok := catalog[p]; ok {
		return e
	}
	return catalog[PlanFree]
}

// Rank orders plans: free < starter < pro < unlimited. Unknown plans rank as free.
func (p Plan) Rank() int {
	return planRank[p]
}

// Recurring is true for paid plans whose allowance is restored every month.
func (p Plan) Recurring() bool {
	e := p.Entitlement()
	return p.Valid() && !e.IsOneTime && !e.Unlimited
}

// RecurringPlans lists the plans whose allowance is reset monthly, in rank order.
func RecurringPlans() []Plan {
	return []Plan{PlanStarter, PlanPro}
}

// PlanChange classifies a transition between two plans.
type PlanChange string

const (
	PlanUpgrade   PlanChange = "upgrade"
	PlanDowngrade PlanChange = "downgrade"
	PlanLateral   PlanChange = "unchanged"
)

// ClassifyPlanChange compares plan ranks.
func ClassifyPlanChange(from, to Plan) PlanChange {
	switch {
	case to.Rank() > from.Rank():
		return PlanUpgrade
	case to.Rank() < from.Rank():
		return PlanDowngrade
	default:
		return PlanLateral
	}
}
