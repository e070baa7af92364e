// Package creditline derives the financial health of a collateralized
// credit line from its raw position and a reference collateral price.
//
// Every function here is pure: the position and price are passed in, nothing
// is stored. All monetary values use shopspring/decimal, never float64 for
// money.
package creditline

import (
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/model"
)

// RiskBucket classifies a collateral ratio.
type RiskBucket string

const (
	RiskHealthy       RiskBucket = "healthy"
	RiskWarning       RiskBucket = "warning"
	RiskAtRisk        RiskBucket = "at-risk"
	RiskNotApplicable RiskBucket = "not-applicable"
)

var hundred = decimal.NewFromInt(100)

// Params holds the credit line thresholds. Ratios are percentages.
// Each threshold is set on its own; none is derived from another.
type Params struct {
	// MaxLoanToValue is the fraction of collateral value mintable as debt.
	MaxLoanToValue decimal.Decimal `yaml:"max_loan_to_value"`

	// LiquidationRatio is the ratio below which the contract may seize
	// collateral.
	LiquidationRatio decimal.Decimal `yaml:"liquidation_ratio"`

	// WarningRatio is the ratio below which the holder is warned to add
	// collateral or repay.
	WarningRatio decimal.Decimal `yaml:"warning_ratio"`

	// MinMintRatio is the lowest ratio a mint may leave the position at.
	MinMintRatio decimal.Decimal `yaml:"min_mint_ratio"`

	// HealthyRatio and AtRiskRatio bound the risk buckets:
	//   ratio >= HealthyRatio               → healthy
	//   AtRiskRatio <= ratio < HealthyRatio → warning
	//   ratio < AtRiskRatio                 → at-risk
	HealthyRatio decimal.Decimal `yaml:"healthy_ratio"`
	AtRiskRatio  decimal.Decimal `yaml:"at_risk_ratio"`
}

// DefaultParams returns the production thresholds: 66% LTV, liquidation at
// 110%, warning under 180%, minting down to 150%, buckets at 200/160.
func DefaultParams() Params {
	return Params{
		MaxLoanToValue:   decimal.RequireFromString("0.66"),
		LiquidationRatio: decimal.NewFromInt(110),
		WarningRatio:     decimal.NewFromInt(180),
		MinMintRatio:     decimal.NewFromInt(150),
		HealthyRatio:     decimal.NewFromInt(200),
		AtRiskRatio:      decimal.NewFromInt(160),
	}
}

// Health is the derived view of a position. Never persisted.
type Health struct {
	CollateralValue decimal.Decimal `json:"collateral_value"`
	TotalDebt       decimal.Decimal `json:"total_debt"`

	// RatioPct is collateralValue / totalDebt * 100. Meaningless when
	// Infinite is set (no debt).
	RatioPct decimal.Decimal `json:"ratio_pct"`
	Infinite bool            `json:"infinite"`

	AvailableCredit decimal.Decimal `json:"available_credit"`
	Risk            RiskBucket      `json:"risk"`
	Liquidatable    bool            `json:"liquidatable"`
	BelowWarning    bool            `json:"below_warning"`
}

// Evaluate derives Health from a position and the collateral price.
//
//	collateralValue = collateral * price
//	totalDebt       = principal + interest
//	ratio           = collateralValue / totalDebt * 100   (∞ without debt)
//	availableCredit = max(0, collateralValue * LTV - totalDebt)
func Evaluate(pos model.Position, price decimal.Decimal, p Params) Health {
	h := Health{
		CollateralValue: pos.CollateralAmount.Mul(price),
		TotalDebt:       pos.TotalDebt(),
	}

	credit := h.CollateralValue.Mul(p.MaxLoanToValue).Sub(h.TotalDebt)
	h.AvailableCredit = decimal.Max(credit, decimal.Zero)

	if h.TotalDebt.Sign() <= 0 {
		h.Infinite = true
		h.Risk = RiskNotApplicable
		return h
	}

	// Zero collateral yields a ratio of exactly 0, never a positive value.
	h.RatioPct = h.CollateralValue.Div(h.TotalDebt).Mul(hundred)
	h.Risk = p.Classify(h.RatioPct)
	h.Liquidatable = h.RatioPct.LessThan(p.LiquidationRatio)
	h.BelowWarning = h.RatioPct.LessThan(p.WarningRatio)
	return h
}

// Classify maps a finite ratio to exactly one of healthy, warning, at-risk.
func (p Params) Classify(ratio decimal.Decimal) RiskBucket {
	switch {
	case ratio.GreaterThanOrEqual(p.HealthyRatio):
		return RiskHealthy
	case ratio.GreaterThanOrEqual(p.AtRiskRatio):
		return RiskWarning
	default:
		return RiskAtRisk
	}
}

// Project re-evaluates the position as if extraDebt were added to the
// principal. Used to check what a mint would leave behind.
func Project(pos model.Position, extraDebt, price decimal.Decimal, p Params) Health {
	pos.DebtPrincipal = pos.DebtPrincipal.Add(extraDebt)
	return Evaluate(pos, price, p)
}

// MaxMintable is the largest mint that passes both the LTV cap and the
// minimum mint ratio:
//
//	min(availableCredit, collateralValue * 100 / MinMintRatio - totalDebt)
func MaxMintable(h Health, p Params) decimal.Decimal {
	if p.MinMintRatio.Sign() <= 0 {
		return h.AvailableCredit
	}
	headroom := h.CollateralValue.Mul(hundred).Div(p.MinMintRatio).Sub(h.TotalDebt)
	return decimal.Max(decimal.Min(h.AvailableCredit, headroom), decimal.Zero)
}
