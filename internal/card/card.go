// Package card derives spend authorization from a virtual card's limits and
// issues local placeholder cards.
package card

import (
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/model"
)

// Limits is the authorization view of a card.
type Limits struct {
	Exists           bool            `json:"exists"`
	Active           bool            `json:"active"`
	RemainingDaily   decimal.Decimal `json:"remaining_daily"`
	RemainingMonthly decimal.Decimal `json:"remaining_monthly"`
}

// Evaluate computes the remaining daily and monthly allowance, floored at 0.
func Evaluate(c model.VirtualCard) Limits {
	return Limits{
		Exists:           c.Exists(),
		Active:           c.IsActive,
		RemainingDaily:   decimal.Max(c.DailyLimit.Sub(c.DailySpent), decimal.Zero),
		RemainingMonthly: decimal.Max(c.MonthlyLimit.Sub(c.MonthlySpent), decimal.Zero),
	}
}

// CanSpend reports whether amount fits both allowances of an active card.
func (l Limits) CanSpend(amount decimal.Decimal) bool {
	return l.Active &&
		amount.LessThanOrEqual(l.RemainingDaily) &&
		amount.LessThanOrEqual(l.RemainingMonthly)
}

// CanSpend is shorthand for Evaluate(c).CanSpend(amount).
func CanSpend(c model.VirtualCard, amount decimal.Decimal) bool {
	return Evaluate(c).CanSpend(amount)
}
