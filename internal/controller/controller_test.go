package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezopay/credit-engine/internal/chain"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
	"github.com/mezopay/credit-engine/internal/validate"
)

const addr = "0x00000000000000000000000000000000000000aa"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeReader struct {
	mu      sync.Mutex
	pos     model.Position
	card    model.VirtualCard
	balance decimal.Decimal
	err     error
	reads   int
}

func (f *fakeReader) Position(context.Context, string) (model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.pos, f.err
}

func (f *fakeReader) Card(context.Context, string) (model.VirtualCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.card, f.err
}

func (f *fakeReader) DebtBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.err
}

func (f *fakeReader) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fakeSigner struct {
	mu    sync.Mutex
	calls []model.PendingAction
	err   error
}

func (f *fakeSigner) Sign(_ context.Context, a model.PendingAction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("0x%064x", len(f.calls)), nil
}

func (f *fakeSigner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeConfirmer blocks each confirmation until a result is released.
type fakeConfirmer struct{ results chan error }

func newConfirmer(buffer int) *fakeConfirmer {
	return &fakeConfirmer{results: make(chan error, buffer)}
}

func (f *fakeConfirmer) Confirm(ctx context.Context, _ string) error {
	select {
	case err := <-f.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fixture struct {
	reader    *fakeReader
	signer    *fakeSigner
	confirmer *fakeConfirmer
	store     *store.MemoryStore
	ledger    *ledger.Ledger
	ctrl      *Controller
	updates   chan model.PendingAction
}

func newFixture(t *testing.T, pos model.Position) *fixture {
	t.Helper()
	f := &fixture{
		reader:    &fakeReader{pos: pos, balance: pos.TotalDebt()},
		signer:    &fakeSigner{},
		confirmer: newConfirmer(4),
		store:     store.NewMemoryStore(),
		updates:   make(chan model.PendingAction, 32),
	}
	f.ledger = ledger.New(addr, f.store)
	f.ctrl = New(addr, Deps{
		Reader:    f.reader,
		Signer:    f.signer,
		Confirmer: f.confirmer,
		Price:     StaticPrice(decimal.NewFromInt(10000)),
		Ledger:    f.ledger,
		Store:     f.store,
		Params:    creditline.DefaultParams(),
		OnUpdate:  func(pa model.PendingAction) { f.updates <- pa },
	})
	require.NoError(t, f.ctrl.Refresh(context.Background()))
	return f
}

func oneBTC() model.Position {
	return model.Position{CollateralAmount: decimal.NewFromInt(1), IsActive: true}
}

func wait(t *testing.T, c *Controller) model.PendingAction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pa, err := c.Wait(ctx)
	require.NoError(t, err)
	return pa
}

func TestSubmit_MintLifecycle(t *testing.T) {
	f := newFixture(t, oneBTC())
	ctx := context.Background()

	pa, err := f.ctrl.Mint(ctx, d("1000"))
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAwaitingConfirmation, pa.Phase)
	assert.NotEmpty(t, pa.Hash)
	assert.NotEmpty(t, pa.ID)

	e, ok := f.ledger.Get(pa.Hash)
	require.True(t, ok, "optimistic entry recorded on broadcast")
	assert.Equal(t, model.SourceOptimistic, e.Source)
	assert.Equal(t, model.KindMint, e.Kind)
	assert.True(t, e.Amount.Equal(d("1000")))

	f.confirmer.results <- nil
	done := wait(t, f.ctrl)
	assert.Equal(t, model.PhaseConfirmed, done.Phase)
	assert.Nil(t, done.Err)

	snap := f.ctrl.Snapshot()
	assert.True(t, snap.Card.Exists(), "first mint issues a local card")
	assert.True(t, snap.Card.Local)
	stored, err := f.store.GetCard(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, snap.Card.CardNumber, stored.CardNumber)

	var phases []model.Phase
	for len(f.updates) > 0 {
		phases = append(phases, (<-f.updates).Phase)
	}
	assert.Equal(t, []model.Phase{
		model.PhaseAwaitingSignature, model.PhaseAwaitingConfirmation, model.PhaseConfirmed,
	}, phases)
}

func TestSubmit_SingleFlight(t *testing.T) {
	f := newFixture(t, oneBTC())
	ctx := context.Background()

	_, err := f.ctrl.Deposit(ctx, d("0.5"))
	require.NoError(t, err)

	_, err = f.ctrl.Deposit(ctx, d("0.1"))
	assert.ErrorIs(t, err, validate.ErrActionInProgress)
	assert.Equal(t, 1, f.signer.count(), "no signer call while in flight")

	f.confirmer.results <- nil
	wait(t, f.ctrl)

	_, err = f.ctrl.Deposit(ctx, d("0.1"))
	assert.NoError(t, err)
	assert.Equal(t, 2, f.signer.count())
}

func TestSubmit_ValidationRejected(t *testing.T) {
	f := newFixture(t, oneBTC())

	_, err := f.ctrl.Mint(context.Background(), d("6700"))
	assert.ErrorIs(t, err, validate.ErrInsufficientCollateral)
	assert.Equal(t, 0, f.signer.count())

	snap := f.ctrl.Snapshot()
	assert.Equal(t, validate.CodeInsufficientCollateral, snap.FailureCode)
	assert.Nil(t, snap.Pending)

	_, err = f.ctrl.Spend(context.Background(), d("10"), "Cafe")
	assert.ErrorIs(t, err, validate.ErrCardFrozenOrMissing)
}

func TestSubmit_SignerRejected(t *testing.T) {
	f := newFixture(t, oneBTC())
	f.signer.err = &chain.SignerError{Kind: chain.ErrUserRejected}

	pa, err := f.ctrl.Deposit(context.Background(), d("1"))
	assert.ErrorIs(t, err, chain.ErrUserRejected)
	assert.Equal(t, model.PhaseFailed, pa.Phase)
	assert.ErrorIs(t, pa.Err, chain.ErrUserRejected)
	assert.Equal(t, 0, f.ledger.Len())

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.Pending)
	assert.Equal(t, model.PhaseFailed, snap.Pending.Phase)

	f.signer.err = nil
	_, err = f.ctrl.Deposit(context.Background(), d("1"))
	assert.NoError(t, err, "a failed action does not block the next one")
}

func TestSubmit_ConfirmationFailed(t *testing.T) {
	f := newFixture(t, oneBTC())
	readsBefore := f.reader.readCount()

	_, err := f.ctrl.Deposit(context.Background(), d("1"))
	require.NoError(t, err)
	f.confirmer.results <- &chain.ChainError{Op: "receipt", Kind: chain.ErrConfirmationFailed, Err: errors.New("reverted")}

	pa := wait(t, f.ctrl)
	assert.Equal(t, model.PhaseFailed, pa.Phase)
	assert.ErrorIs(t, pa.Err, chain.ErrConfirmationFailed)
	assert.Equal(t, readsBefore, f.reader.readCount(), "no refetch after a failed confirmation")
	assert.Equal(t, 1, f.signer.count(), "no retry")
}

func TestCancel(t *testing.T) {
	f := newFixture(t, oneBTC())
	assert.False(t, f.ctrl.Cancel())

	_, err := f.ctrl.Deposit(context.Background(), d("1"))
	require.NoError(t, err)
	assert.True(t, f.ctrl.Cancel())

	pa := wait(t, f.ctrl)
	assert.Equal(t, model.PhaseFailed, pa.Phase)
	assert.ErrorIs(t, pa.Err, context.Canceled)
	assert.False(t, f.ctrl.Cancel())
}

func TestRepay_RequiresConfirmedApproval(t *testing.T) {
	pos := oneBTC()
	pos.DebtPrincipal = d("500")
	f := newFixture(t, pos)
	ctx := context.Background()

	_, err := f.ctrl.Repay(ctx, d("100"))
	assert.ErrorIs(t, err, validate.ErrApprovalPending)

	_, err = f.ctrl.Approve(ctx, d("100"))
	require.NoError(t, err)
	_, err = f.ctrl.Repay(ctx, d("100"))
	assert.ErrorIs(t, err, validate.ErrActionInProgress)

	f.confirmer.results <- nil
	wait(t, f.ctrl)
	assert.True(t, f.ctrl.Snapshot().Allowance.Equal(d("100")))

	_, err = f.ctrl.Repay(ctx, d("100"))
	require.NoError(t, err)
	f.confirmer.results <- nil
	pa := wait(t, f.ctrl)
	assert.Equal(t, model.PhaseConfirmed, pa.Phase)
	assert.True(t, f.ctrl.Snapshot().Allowance.IsZero())
}

func TestApprove_HasNoLedgerEntry(t *testing.T) {
	f := newFixture(t, oneBTC())
	_, err := f.ctrl.Approve(context.Background(), d("5"))
	require.NoError(t, err)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestFreeze_RecordsZeroAmount(t *testing.T) {
	f := newFixture(t, oneBTC())
	f.reader.card = model.VirtualCard{CardNumber: "4532 0000 0000 0000", IsActive: true,
		DailyLimit: d("1000"), MonthlyLimit: d("10000")}
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	pa, err := f.ctrl.Freeze(context.Background(), true)
	require.NoError(t, err)
	e, ok := f.ledger.Get(pa.Hash)
	require.True(t, ok)
	assert.True(t, e.Frozen)
	assert.True(t, e.Amount.IsZero())
	assert.Equal(t, model.CurrencyDebt, e.Currency)
}

func TestRefresh_ReadFailure(t *testing.T) {
	f := newFixture(t, oneBTC())
	f.reader.err = &chain.ChainError{Op: "getCreditLineInfo", Kind: chain.ErrReadFailed, Err: errors.New("eof")}
	assert.ErrorIs(t, f.ctrl.Refresh(context.Background()), chain.ErrReadFailed)
}

func TestSnapshot_Health(t *testing.T) {
	pos := oneBTC()
	pos.DebtPrincipal = d("5000")
	f := newFixture(t, pos)

	s := f.ctrl.Snapshot()
	assert.True(t, s.Health.RatioPct.Equal(d("200")))
	assert.Equal(t, creditline.RiskHealthy, s.Health.Risk)
	assert.True(t, s.Health.AvailableCredit.Equal(d("1600")))
	assert.True(t, s.DebtBalance.Equal(d("5000")))
}

type allowanceReader struct {
	*fakeReader
	allowance decimal.Decimal
}

func (a allowanceReader) Allowance(context.Context, string) (decimal.Decimal, error) {
	return a.allowance, nil
}

func TestRefresh_SyncsChainAllowance(t *testing.T) {
	pos := oneBTC()
	pos.DebtPrincipal = d("500")
	reader := &fakeReader{pos: pos, balance: pos.TotalDebt()}
	c := New(addr, Deps{
		Reader:    allowanceReader{fakeReader: reader, allowance: d("250")},
		Signer:    &fakeSigner{},
		Confirmer: newConfirmer(1),
		Price:     StaticPrice(decimal.NewFromInt(10000)),
		Params:    creditline.DefaultParams(),
	})
	require.NoError(t, c.Refresh(context.Background()))
	assert.True(t, c.Snapshot().Allowance.Equal(d("250")))

	_, err := c.Repay(context.Background(), d("200"))
	assert.NoError(t, err, "an allowance granted earlier on chain counts as approved")
}

func TestSubmit_LiveEventReconcilesWithOptimisticEntry(t *testing.T) {
	f := newFixture(t, oneBTC())
	ctx := context.Background()

	pa, err := f.ctrl.Mint(ctx, d("1000"))
	require.NoError(t, err)
	require.Equal(t, 1, f.ledger.Len())

	live := make(chan model.LedgerEntry, 1)
	live <- model.LedgerEntry{
		ID:          "0x" + strings.ToUpper(strings.TrimPrefix(pa.Hash, "0x")),
		Address:     addr,
		Kind:        model.KindMint,
		Amount:      d("1000"),
		Currency:    model.CurrencyDebt,
		Timestamp:   time.Now().UTC().Add(12 * time.Second),
		Status:      model.StatusCompleted,
		Source:      model.SourceLive,
		BlockNumber: 9001,
	}
	close(live)
	f.ledger.Run(ctx, live)

	f.confirmer.results <- nil
	assert.Equal(t, model.PhaseConfirmed, wait(t, f.ctrl).Phase)

	assert.Equal(t, 1, f.ledger.Len(), "live event deduplicated against the optimistic entry")
	e, ok := f.ledger.Get(pa.Hash)
	require.True(t, ok)
	assert.Equal(t, model.SourceOptimistic, e.Source, "first writer wins")
	assert.Len(t, f.ledger.History(), 1)
}
