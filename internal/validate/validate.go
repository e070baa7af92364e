// Package validate implements pre-flight checks for credit line actions.
//
// Checks are advisory: they gate a write before anything is signed, but the
// contract remains the final authority and may still reject. Nothing here
// touches the chain.
package validate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/card"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/model"
)

// ErrValidation is matched by every validation failure.
var ErrValidation = errors.New("validate: action rejected")

// Code identifies a failure kind so callers can show specific guidance.
type Code string

const (
	CodeInvalidAmount          Code = "invalid_amount"
	CodeInsufficientCollateral Code = "insufficient_collateral"
	CodeBelowMinimumRatio      Code = "below_minimum_ratio"
	CodeInsufficientBalance    Code = "insufficient_balance"
	CodeApprovalPending        Code = "approval_pending"
	CodeCardFrozenOrMissing    Code = "card_frozen_or_missing"
	CodeActionInProgress       Code = "action_in_progress"
	CodeNoPosition             Code = "no_position"
)

// Failure is a validation rejection.
type Failure struct {
	Code    Code
	Message string
}

func (f *Failure) Error() string { return "validate: " + f.Message }

func (f *Failure) Is(target error) bool { return target == ErrValidation }

var (
	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = &Failure{CodeInvalidAmount, "amount must be positive"}

	// ErrInsufficientCollateral is returned when a mint exceeds the credit
	// available under the loan-to-value cap.
	ErrInsufficientCollateral = &Failure{CodeInsufficientCollateral, "mint exceeds available credit"}

	// ErrBelowMinimumRatio is returned when a mint would leave the
	// collateral ratio under the minimum mint ratio.
	ErrBelowMinimumRatio = &Failure{CodeBelowMinimumRatio, "mint would drop collateral ratio below minimum"}

	// ErrInsufficientBalance is returned when a repay exceeds the debt or
	// wallet balance, or a spend exceeds the card allowance.
	ErrInsufficientBalance = &Failure{CodeInsufficientBalance, "amount exceeds available balance"}

	// ErrApprovalPending is returned when a repay is attempted before an
	// allowance covering it has been confirmed.
	ErrApprovalPending = &Failure{CodeApprovalPending, "debt token approval not confirmed"}

	// ErrCardFrozenOrMissing is returned for card actions without an active card.
	ErrCardFrozenOrMissing = &Failure{CodeCardFrozenOrMissing, "card is frozen or does not exist"}

	// ErrActionInProgress is returned when a write is requested while
	// another is still in flight.
	ErrActionInProgress = &Failure{CodeActionInProgress, "another action is in progress"}

	// ErrNoPosition is returned when closing a credit line that is not active.
	ErrNoPosition = &Failure{CodeNoPosition, "no active position"}
)

// CodeOf extracts the failure code from err, or "" if err is not a failure.
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Validator checks actions against the credit line thresholds and the
// repay approval state.
type Validator struct {
	Params    creditline.Params
	Approvals *Approvals
}

// New creates a validator. A nil approvals tracker gets a fresh one.
func New(params creditline.Params, approvals *Approvals) *Validator {
	if approvals == nil {
		approvals = NewApprovals()
	}
	return &Validator{Params: params, Approvals: approvals}
}

func positive(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit accepts any positive amount.
func (v *Validator) Deposit(amount decimal.Decimal) error {
	return positive(amount)
}

// Mint checks a mint against both caps. The absolute cap (available credit
// under LTV) is checked first, then the projected ratio; the mint is
// accepted only if both pass.
func (v *Validator) Mint(pos model.Position, price, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}

	current := creditline.Evaluate(pos, price, v.Params)
	if amount.GreaterThan(current.AvailableCredit) {
		return fmt.Errorf("%w: requested %s, cap %s", ErrInsufficientCollateral,
			amount.String(), current.AvailableCredit.String())
	}

	projected := creditline.Project(pos, amount, price, v.Params)
	if !projected.Infinite && projected.RatioPct.LessThan(v.Params.MinMintRatio) {
		return fmt.Errorf("%w: projected %s%%, minimum %s%%", ErrBelowMinimumRatio,
			projected.RatioPct.StringFixed(2), v.Params.MinMintRatio.String())
	}
	return nil
}

// Approve accepts any positive allowance.
func (v *Validator) Approve(amount decimal.Decimal) error {
	return positive(amount)
}

// Repay checks amount <= min(total debt, debt-token balance) and that a
// confirmed allowance covers it with no approval still outstanding.
func (v *Validator) Repay(address string, pos model.Position, balance, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}

	maxRepay := decimal.Min(pos.TotalDebt(), balance)
	if amount.GreaterThan(maxRepay) {
		return fmt.Errorf("%w: requested %s, max %s", ErrInsufficientBalance,
			amount.String(), maxRepay.String())
	}

	return v.Approvals.Check(address, amount)
}

// Spend checks the card exists, is active, and has allowance for amount.
func (v *Validator) Spend(c model.VirtualCard, amount decimal.Decimal) error {
	if !c.Exists() || !c.IsActive {
		return ErrCardFrozenOrMissing
	}
	if err := positive(amount); err != nil {
		return err
	}
	if !card.CanSpend(c, amount) {
		l := card.Evaluate(c)
		return fmt.Errorf("%w: requested %s, remaining daily %s, monthly %s", ErrInsufficientBalance,
			amount.String(), l.RemainingDaily.String(), l.RemainingMonthly.String())
	}
	return nil
}

// Freeze is valid whenever a card exists. Redundant toggles are allowed.
func (v *Validator) Freeze(c model.VirtualCard) error {
	if !c.Exists() {
		return ErrCardFrozenOrMissing
	}
	return nil
}

// Close requires an active credit line.
func (v *Validator) Close(pos model.Position) error {
	if !pos.IsActive {
		return ErrNoPosition
	}
	return nil
}
