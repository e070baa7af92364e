package validate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Approvals tracks the two-phase repay protocol per address: a debt-token
// allowance must be confirmed on chain before a repay is valid.
type Approvals struct {
	mu    sync.Mutex
	state map[string]*approvalState
}

type approvalState struct {
	pending  bool
	approved decimal.Decimal
}

// NewApprovals creates an empty tracker.
func NewApprovals() *Approvals {
	return &Approvals{state: make(map[string]*approvalState)}
}

func key(address string) string { return strings.ToLower(address) }

func (a *Approvals) get(address string) *approvalState {
	s, ok := a.state[key(address)]
	if !ok {
		s = &approvalState{}
		a.state[key(address)] = s
	}
	return s
}

// Begin marks an approval as submitted and awaiting confirmation.
func (a *Approvals) Begin(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(address).pending = true
}

// Confirm records a confirmed allowance of amount, replacing any previous
// one (approve sets, it does not add).
func (a *Approvals) Confirm(address string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(address)
	s.pending = false
	s.approved = amount
}

// Sync replaces the allowance with the on-chain value unless an approval
// is outstanding.
func (a *Approvals) Sync(address string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(address)
	if !s.pending {
		s.approved = amount
	}
}

// Fail clears an outstanding approval without changing the allowance.
func (a *Approvals) Fail(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(address).pending = false
}

// Consume reduces the allowance after a confirmed repay.
func (a *Approvals) Consume(address string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(address)
	s.approved = decimal.Max(s.approved.Sub(amount), decimal.Zero)
}

// Allowance returns the confirmed allowance and whether one is pending.
func (a *Approvals) Allowance(address string) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.state[key(address)]
	if !ok {
		return decimal.Zero, false
	}
	return s.approved, s.pending
}

// Check returns ErrApprovalPending unless a confirmed allowance of at least
// amount exists and no approval is outstanding.
func (a *Approvals) Check(address string, amount decimal.Decimal) error {
	approved, pending := a.Allowance(address)
	if pending {
		return fmt.Errorf("%w: approval awaiting confirmation", ErrApprovalPending)
	}
	if approved.LessThan(amount) {
		return fmt.Errorf("%w: approved %s, requested %s", ErrApprovalPending,
			approved.String(), amount.String())
	}
	return nil
}
