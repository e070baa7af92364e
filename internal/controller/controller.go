// Package controller runs the read/validate/sign/confirm cycle for one
// credit line and keeps the derived view of it current.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/card"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/metrics"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
	"github.com/mezopay/credit-engine/internal/validate"
)

// Reader loads on-chain state.
type Reader interface {
	Position(ctx context.Context, address string) (model.Position, error)
	Card(ctx context.Context, address string) (model.VirtualCard, error)
	DebtBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// AllowanceReader is implemented by readers that can also report the debt
// token allowance granted to the credit line. When present, Refresh syncs
// it into the approval tracker.
type AllowanceReader interface {
	Allowance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Signer obtains a signature for an action and broadcasts it, returning
// the transaction hash.
type Signer interface {
	Sign(ctx context.Context, action model.PendingAction) (string, error)
}

// Confirmer blocks until a transaction is mined.
type Confirmer interface {
	Confirm(ctx context.Context, hash string) error
}

// PriceOracle supplies the collateral price in debt units.
type PriceOracle interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// StaticPrice is a fixed collateral price.
type StaticPrice decimal.Decimal

// Price returns the fixed price.
func (p StaticPrice) Price(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

// Action is a requested write.
type Action struct {
	Kind     model.ActionKind
	Amount   decimal.Decimal
	Merchant string
	Freeze   bool
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Reader    Reader
	Signer    Signer
	Confirmer Confirmer
	Price     PriceOracle
	Ledger    *ledger.Ledger
	Store     store.Store
	Approvals *validate.Approvals
	Cards     *card.Generator
	Params    creditline.Params

	// OnUpdate is called with a copy of the pending action on every phase
	// change.
	OnUpdate func(model.PendingAction)
}

// Snapshot is a consistent copy of everything the controller knows.
type Snapshot struct {
	Address     string               `json:"address"`
	Position    model.Position       `json:"position"`
	Health      creditline.Health    `json:"health"`
	MaxMintable decimal.Decimal      `json:"max_mintable"`
	Price       decimal.Decimal      `json:"collateral_price"`
	Card        model.VirtualCard    `json:"card"`
	CardLimits  card.Limits          `json:"card_limits"`
	DebtBalance decimal.Decimal      `json:"debt_balance"`
	Allowance   decimal.Decimal      `json:"approved_allowance"`
	Pending     *model.PendingAction `json:"pending,omitempty"`
	LastFailure error                `json:"-"`
	FailureText string               `json:"last_failure,omitempty"`
	FailureCode validate.Code        `json:"last_failure_code,omitempty"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

// Controller manages the credit line of one address. At most one write is
// in flight at a time.
type Controller struct {
	address   string
	deps      Deps
	validator *validate.Validator
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	position    model.Position
	card        model.VirtualCard
	balance     decimal.Decimal
	price       decimal.Decimal
	refreshedAt time.Time
	pending     *model.PendingAction
	lastFailure error
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a controller for address.
func New(address string, deps Deps) *Controller {
	if deps.Approvals == nil {
		deps.Approvals = validate.NewApprovals()
	}
	if deps.Cards == nil {
		deps.Cards = card.NewGenerator()
	}
	address = strings.ToLower(address)
	return &Controller{
		address:   address,
		deps:      deps,
		validator: validate.New(deps.Params, deps.Approvals),
		logger:    slog.Default().With("address", address),
		now:       time.Now,
	}
}

// Address returns the lowercased address the controller manages.
func (c *Controller) Address() string { return c.address }

// Refresh reads position, card and debt balance. When the chain reports no
// card, a locally issued placeholder is used if one exists.
func (c *Controller) Refresh(ctx context.Context) error {
	pos, err := c.deps.Reader.Position(ctx, c.address)
	if err != nil {
		return err
	}
	if !pos.Consistent() {
		c.logger.Warn("inactive position reports balances",
			"collateral", pos.CollateralAmount, "principal", pos.DebtPrincipal)
	}
	vc, err := c.deps.Reader.Card(ctx, c.address)
	if err != nil {
		return err
	}
	if !vc.Exists() && c.deps.Store != nil {
		local, err := c.deps.Store.GetCard(ctx, c.address)
		switch {
		case err == nil:
			vc = *local
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("local card lookup failed", "err", err)
		}
	}
	bal, err := c.deps.Reader.DebtBalance(ctx, c.address)
	if err != nil {
		return err
	}
	if ar, ok := c.deps.Reader.(AllowanceReader); ok {
		allowance, err := ar.Allowance(ctx, c.address)
		if err != nil {
			return err
		}
		c.deps.Approvals.Sync(c.address, allowance)
	}
	price, err := c.deps.Price.Price(ctx)
	if err != nil {
		return fmt.Errorf("collateral price: %w", err)
	}

	c.mu.Lock()
	c.position, c.card, c.balance, c.price = pos, vc, bal, price
	c.refreshedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := creditline.Evaluate(c.position, c.price, c.deps.Params)
	allowance, _ := c.deps.Approvals.Allowance(c.address)
	s := Snapshot{
		Address:     c.address,
		Position:    c.position,
		Health:      h,
		MaxMintable: creditline.MaxMintable(h, c.deps.Params),
		Price:       c.price,
		Card:        c.card,
		CardLimits:  card.Evaluate(c.card),
		DebtBalance: c.balance,
		Allowance:   allowance,
		LastFailure: c.lastFailure,
		RefreshedAt: c.refreshedAt,
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	if c.lastFailure != nil {
		s.FailureText = c.lastFailure.Error()
		s.FailureCode = validate.CodeOf(c.lastFailure)
	}
	return s
}

// Pending returns a copy of the current or last action.
func (c *Controller) Pending() (model.PendingAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return model.PendingAction{}, false
	}
	return *c.pending, true
}

// Deposit adds collateral.
func (c *Controller) Deposit(ctx context.Context, amount decimal.Decimal) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionDeposit, Amount: amount})
}

// Mint borrows debt tokens against the collateral.
func (c *Controller) Mint(ctx context.Context, amount decimal.Decimal) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionMint, Amount: amount})
}

// Approve lets the credit line pull amount debt tokens for a repay.
func (c *Controller) Approve(ctx context.Context, amount decimal.Decimal) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionApprove, Amount: amount})
}

// Repay returns debt tokens. Requires a confirmed approval covering amount.
func (c *Controller) Repay(ctx context.Context, amount decimal.Decimal) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionRepay, Amount: amount})
}

// Spend charges the virtual card.
func (c *Controller) Spend(ctx context.Context, amount decimal.Decimal, merchant string) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionSpend, Amount: amount, Merchant: merchant})
}

// Freeze freezes or unfreezes the card.
func (c *Controller) Freeze(ctx context.Context, freeze bool) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionFreeze, Freeze: freeze})
}

// Close closes the credit line.
func (c *Controller) Close(ctx context.Context) (model.PendingAction, error) {
	return c.Submit(ctx, Action{Kind: model.ActionClose})
}

func (c *Controller) check(a Action) error {
	switch a.Kind {
	case model.ActionDeposit:
		return c.validator.Deposit(a.Amount)
	case model.ActionMint:
		return c.validator.Mint(c.position, c.price, a.Amount)
	case model.ActionApprove:
		return c.validator.Approve(a.Amount)
	case model.ActionRepay:
		return c.validator.Repay(c.address, c.position, c.balance, a.Amount)
	case model.ActionSpend:
		return c.validator.Spend(c.card, a.Amount)
	case model.ActionFreeze:
		return c.validator.Freeze(c.card)
	case model.ActionClose:
		return c.validator.Close(c.position)
	}
	return fmt.Errorf("unknown action %q", a.Kind)
}

// Submit validates and signs a, then waits for confirmation in the
// background. It returns once the transaction is broadcast or has failed.
func (c *Controller) Submit(ctx context.Context, a Action) (model.PendingAction, error) {
	if a.Kind == model.ActionFreeze || a.Kind == model.ActionClose {
		a.Amount = decimal.Zero
	}

	c.mu.Lock()
	if c.pending != nil && !c.pending.Done() {
		c.mu.Unlock()
		metrics.ValidationRejections.WithLabelValues(string(a.Kind), string(validate.CodeActionInProgress)).Inc()
		return model.PendingAction{}, validate.ErrActionInProgress
	}
	if err := c.check(a); err != nil {
		c.lastFailure = err
		c.mu.Unlock()
		metrics.ValidationRejections.WithLabelValues(string(a.Kind), string(validate.CodeOf(err))).Inc()
		c.logger.Info("action rejected", "kind", a.Kind, "amount", a.Amount, "err", err)
		return model.PendingAction{}, err
	}

	now := c.now()
	pa := &model.PendingAction{
		ID:          uuid.NewString(),
		Kind:        a.Kind,
		Amount:      a.Amount,
		Merchant:    a.Merchant,
		Freeze:      a.Freeze,
		Phase:       model.PhaseAwaitingSignature,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	c.pending = pa
	c.lastFailure = nil
	done := make(chan struct{})
	c.done = done
	snapshot := *pa
	c.mu.Unlock()

	c.publish(snapshot)
	if a.Kind == model.ActionApprove {
		c.deps.Approvals.Begin(c.address)
	}

	hash, err := c.deps.Signer.Sign(ctx, snapshot)
	if err != nil {
		if a.Kind == model.ActionApprove {
			c.deps.Approvals.Fail(c.address)
		}
		failed := c.finish(pa, err)
		close(done)
		return failed, err
	}

	c.mu.Lock()
	pa.Hash = hash
	pa.Phase = model.PhaseAwaitingConfirmation
	pa.UpdatedAt = c.now()
	confirmCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	snapshot = *pa
	c.mu.Unlock()

	c.publish(snapshot)
	c.logger.Info("action submitted", "kind", a.Kind, "hash", hash)
	c.recordOptimistic(ctx, snapshot)

	go c.await(confirmCtx, cancel, pa, done)
	return snapshot, nil
}

func (c *Controller) recordOptimistic(ctx context.Context, pa model.PendingAction) {
	kind, ok := pa.Kind.LedgerKind()
	if !ok || c.deps.Ledger == nil {
		return
	}
	e := model.LedgerEntry{
		ID:        pa.Hash,
		Address:   c.address,
		Kind:      kind,
		Amount:    pa.Amount,
		Currency:  model.CurrencyOf(kind),
		Timestamp: pa.UpdatedAt.UTC(),
		Status:    model.StatusCompleted,
		Source:    model.SourceOptimistic,
		Merchant:  pa.Merchant,
		Frozen:    pa.Freeze,
	}
	if _, err := c.deps.Ledger.Insert(ctx, e); err != nil {
		c.logger.Warn("optimistic entry not recorded", "hash", pa.Hash, "err", err)
	}
}

func (c *Controller) await(ctx context.Context, cancel context.CancelFunc, pa *model.PendingAction, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := c.deps.Confirmer.Confirm(ctx, pa.Hash)
	if err != nil && ctx.Err() != nil {
		err = context.Canceled
	}

	switch {
	case err != nil:
		if pa.Kind == model.ActionApprove {
			c.deps.Approvals.Fail(c.address)
		}
		c.finish(pa, err)
		return
	case pa.Kind == model.ActionApprove:
		c.deps.Approvals.Confirm(c.address, pa.Amount)
	case pa.Kind == model.ActionRepay:
		c.deps.Approvals.Consume(c.address, pa.Amount)
	}
	c.finish(pa, nil)

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("refresh after confirmation failed", "hash", pa.Hash, "err", err)
		return
	}
	if pa.Kind == model.ActionMint {
		c.ensureCard(ctx)
	}
}

// finish moves pa to its terminal phase and returns a copy.
func (c *Controller) finish(pa *model.PendingAction, err error) model.PendingAction {
	c.mu.Lock()
	pa.UpdatedAt = c.now()
	if err != nil {
		pa.Phase = model.PhaseFailed
		pa.Err = err
		pa.Error = err.Error()
		c.lastFailure = err
	} else {
		pa.Phase = model.PhaseConfirmed
	}
	c.cancel = nil
	out := *pa
	c.mu.Unlock()

	metrics.ActionsTotal.WithLabelValues(string(out.Kind), string(out.Phase)).Inc()
	metrics.ActionLatency.WithLabelValues(string(out.Kind), string(out.Phase)).
		Observe(out.UpdatedAt.Sub(out.SubmittedAt).Seconds())
	if err != nil {
		c.logger.Warn("action failed", "kind", out.Kind, "hash", out.Hash, "err", err)
	} else {
		c.logger.Info("action confirmed", "kind", out.Kind, "hash", out.Hash)
	}
	c.publish(out)
	return out
}

// ensureCard issues and stores a placeholder card when a credit line has
// debt but the contract reports no card.
func (c *Controller) ensureCard(ctx context.Context) {
	c.mu.Lock()
	has := c.card.Exists()
	c.mu.Unlock()
	if has || c.deps.Store == nil {
		return
	}

	issued, err := c.deps.Cards.Issue(holderName(c.address))
	if err != nil {
		c.logger.Error("card issue failed", "err", err)
		return
	}
	if err := c.deps.Store.PutCard(ctx, c.address, issued); err != nil {
		c.logger.Error("store local card failed", "err", err)
		return
	}
	c.mu.Lock()
	c.card = issued
	c.mu.Unlock()
	c.logger.Info("local card issued", "card", issued.CardNumber[len(issued.CardNumber)-4:])
}

func holderName(address string) string {
	if len(address) < 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// Cancel abandons an action awaiting confirmation. It reports whether
// there was one to cancel. The transaction may still be mined.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.Phase != model.PhaseAwaitingConfirmation || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Wait blocks until the current action is terminal and returns it.
func (c *Controller) Wait(ctx context.Context) (model.PendingAction, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return model.PendingAction{}, errors.New("no action submitted")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.PendingAction{}, ctx.Err()
	}
	pa, _ := c.Pending()
	return pa, nil
}

func (c *Controller) publish(pa model.PendingAction) {
	if c.deps.OnUpdate != nil {
		c.deps.OnUpdate(pa)
	}
}
