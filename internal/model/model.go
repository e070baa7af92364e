// Package model defines the core domain types shared across the credit
// engine. Amounts are display-unit decimals converted exactly from the
// chain's 18-decimal minor units at the read boundary.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the decoded credit line of one address.
// Invariant: !IsActive implies zero collateral and zero principal.
type Position struct {
	CollateralAmount decimal.Decimal `json:"collateral_amount"` // collateral units
	DebtPrincipal    decimal.Decimal `json:"debt_principal"`    // debt units
	AccruedInterest  decimal.Decimal `json:"accrued_interest"`  // debt units
	IsActive         bool            `json:"is_active"`

	// Contract's own view; diagnostics only, the engine derives its own.
	ContractRatio           decimal.Decimal `json:"contract_ratio"`
	ContractAvailableCredit decimal.Decimal `json:"contract_available_credit"`
}

// TotalDebt is principal plus accrued interest.
func (p Position) TotalDebt() decimal.Decimal {
	return p.DebtPrincipal.Add(p.AccruedInterest)
}

// Consistent reports whether the read satisfies the active-flag invariant.
func (p Position) Consistent() bool {
	if p.IsActive {
		return true
	}
	return p.CollateralAmount.IsZero() && p.DebtPrincipal.IsZero()
}

// VirtualCard is the spend card attached to a credit line.
type VirtualCard struct {
	CardNumber   string          `json:"card_number"`
	Expiry       string          `json:"expiry"`
	CVV          string          `json:"cvv"`
	HolderName   string          `json:"holder_name"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	DailySpent   decimal.Decimal `json:"daily_spent"`
	MonthlySpent decimal.Decimal `json:"monthly_spent"`
	IsActive     bool            `json:"is_active"`
	Local        bool            `json:"local"` // placeholder generated by the engine
}

// Exists reports whether a card has been issued.
func (c VirtualCard) Exists() bool { return c.CardNumber != "" }

// Kind is the type of a completed ledger entry.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindMint    Kind = "mint"
	KindRepay   Kind = "repay"
	KindSpend   Kind = "spend"
	KindFreeze  Kind = "freeze"
)

// Kinds lists every ledger kind in event-scan order.
var Kinds = []Kind{KindDeposit, KindMint, KindRepay, KindSpend, KindFreeze}

// Currency of a ledger amount.
type Currency string

const (
	CurrencyCollateral Currency = "collateral"
	CurrencyDebt       Currency = "debt"
)

// CurrencyOf returns the currency a kind is denominated in.
func CurrencyOf(k Kind) Currency {
	if k == KindDeposit {
		return CurrencyCollateral
	}
	return CurrencyDebt
}

// StatusCompleted is the only status a ledger entry can have.
const StatusCompleted = "completed"

// Source records which producer first inserted an entry.
type Source string

const (
	SourceBackfill   Source = "backfill"
	SourceLive       Source = "live"
	SourceOptimistic Source = "optimistic"
)

// LedgerEntry is an immutable, finalized transaction record keyed by the
// transaction hash. Once created, entries are never modified.
type LedgerEntry struct {
	ID          string          `json:"id"` // transaction hash
	Address     string          `json:"address"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
	Source      Source          `json:"source"`
	Merchant    string          `json:"merchant,omitempty"`
	Frozen      bool            `json:"frozen,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
}

// SameContent reports whether two records describe the same transaction.
// Timestamp, source and block are provenance: an optimistic copy is stamped
// before the block exists.
func (e LedgerEntry) SameContent(o LedgerEntry) bool {
	return e.ID == o.ID &&
		e.Kind == o.Kind &&
		e.Currency == o.Currency &&
		e.Amount.Equal(o.Amount) &&
		e.Merchant == o.Merchant &&
		e.Frozen == o.Frozen
}

// ActionKind is a user-initiated write.
type ActionKind string

const (
	ActionDeposit ActionKind = "deposit"
	ActionMint    ActionKind = "mint"
	ActionRepay   ActionKind = "repay"
	ActionApprove ActionKind = "approve"
	ActionSpend   ActionKind = "spend"
	ActionFreeze  ActionKind = "freeze"
	ActionClose   ActionKind = "close"
)

// Valid reports whether a is a known action kind.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionDeposit, ActionMint, ActionRepay, ActionApprove, ActionSpend, ActionFreeze, ActionClose:
		return true
	}
	return false
}

// LedgerKind maps an action to the ledger kind its event produces.
func (a ActionKind) LedgerKind() (Kind, bool) {
	switch a {
	case ActionDeposit:
		return KindDeposit, true
	case ActionMint:
		return KindMint, true
	case ActionRepay:
		return KindRepay, true
	case ActionSpend:
		return KindSpend, true
	case ActionFreeze:
		return KindFreeze, true
	}
	return "", false
}

// Phase of the in-flight write.
type Phase string

const (
	PhaseAwaitingSignature    Phase = "awaiting-signature"
	PhaseAwaitingConfirmation Phase = "awaiting-confirmation"
	PhaseConfirmed            Phase = "confirmed"
	PhaseFailed               Phase = "failed"
)

// PendingAction is the single in-flight write operation of a session.
type PendingAction struct {
	ID          string          `json:"id"`
	Kind        ActionKind      `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Merchant    string          `json:"merchant,omitempty"`
	Freeze      bool            `json:"freeze,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	Phase       Phase           `json:"phase"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Done reports whether the action reached a terminal phase.
func (p PendingAction) Done() bool {
	return p.Phase == PhaseConfirmed || p.Phase == PhaseFailed
}
