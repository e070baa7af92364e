package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
)

type nopSub struct {
	once sync.Once
	errc chan error
}

func (s *nopSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *nopSub) Err() <-chan error { return s.errc }

type fakeEvents struct {
	entries map[model.Kind][]model.LedgerEntry
	fail    map[model.Kind]error
}

func (f *fakeEvents) Head(context.Context) (uint64, error) { return 50_000, nil }

func (f *fakeEvents) FetchEvents(_ context.Context, kind model.Kind, _ string, _, _ uint64) ([]model.LedgerEntry, error) {
	if err := f.fail[kind]; err != nil {
		return nil, err
	}
	return f.entries[kind], nil
}

func (f *fakeEvents) SubscribeEvents(context.Context, model.Kind, string, chan<- model.LedgerEntry) (ledger.Subscription, error) {
	return &nopSub{errc: make(chan error)}, nil
}

func historical(id string, kind model.Kind, amount string, sec int64) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        id,
		Address:   addr,
		Kind:      kind,
		Amount:    decimal.RequireFromString(amount),
		Currency:  model.CurrencyOf(kind),
		Timestamp: time.Unix(1_700_000_000+sec, 0).UTC(),
		Status:    model.StatusCompleted,
	}
}

func newManager(events ledger.EventSource, st store.Store) *Manager {
	return NewManager(ManagerConfig{
		Reader:    &fakeReader{pos: oneBTC()},
		Signer:    &fakeSigner{},
		Confirmer: newConfirmer(1),
		Price:     StaticPrice(decimal.NewFromInt(10000)),
		Events:    events,
		Store:     st,
		Params:    creditline.DefaultParams(),
	})
}

func waitBackfill(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.BackfillDone():
	case <-time.After(2 * time.Second):
		t.Fatal("backfill did not finish")
	}
}

func TestManager_SessionBackfills(t *testing.T) {
	events := &fakeEvents{entries: map[model.Kind][]model.LedgerEntry{
		model.KindDeposit: {historical("0x1", model.KindDeposit, "1", 0)},
		model.KindMint:    {historical("0x2", model.KindMint, "100", 60)},
	}}
	m := newManager(events, store.NewMemoryStore())
	defer m.Close()

	s, err := m.Session(context.Background(), "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	waitBackfill(t, s)

	h := s.Ledger.History()
	require.Len(t, h, 2)
	assert.Equal(t, "0x2", h[0].ID)
	assert.Equal(t, model.SourceBackfill, h[0].Source)

	again, err := m.Session(context.Background(), addr)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, m.Len())

	found, ok := m.Lookup(addr)
	assert.True(t, ok)
	assert.Same(t, s, found)
}

func TestManager_BackfillWarningIsNonFatal(t *testing.T) {
	events := &fakeEvents{
		entries: map[model.Kind][]model.LedgerEntry{
			model.KindDeposit: {historical("0x1", model.KindDeposit, "1", 0)},
		},
		fail: map[model.Kind]error{model.KindSpend: errors.New("limit exceeded")},
	}
	m := newManager(events, store.NewMemoryStore())
	defer m.Close()

	s, err := m.Session(context.Background(), addr)
	require.NoError(t, err)
	waitBackfill(t, s)

	backfill, live := s.Warnings()
	var w *ledger.BackfillWarning
	require.True(t, errors.As(backfill, &w))
	assert.Contains(t, w.Failures, model.KindSpend)
	assert.NoError(t, live)
	assert.Equal(t, 1, s.Ledger.Len())
}

func TestManager_RestoresOptimisticEntries(t *testing.T) {
	st := store.NewMemoryStore()
	opt := historical("0x9", model.KindRepay, "25", 10)
	opt.Source = model.SourceOptimistic
	_, err := st.PutEntry(context.Background(), addr, opt)
	require.NoError(t, err)

	confirmed := historical("0x9", model.KindRepay, "25", 30)
	events := &fakeEvents{entries: map[model.Kind][]model.LedgerEntry{model.KindRepay: {confirmed}}}
	m := newManager(events, st)
	defer m.Close()

	s, err := m.Session(context.Background(), addr)
	require.NoError(t, err)
	waitBackfill(t, s)

	require.Equal(t, 1, s.Ledger.Len())
	e, _ := s.Ledger.Get("0x9")
	assert.Equal(t, model.SourceOptimistic, e.Source, "first writer wins across sessions")
}

func TestManager_InvalidAddress(t *testing.T) {
	m := newManager(nil, store.NewMemoryStore())
	_, err := m.Session(context.Background(), "0x123")
	assert.ErrorIs(t, err, contract.ErrInvalidAddress)
	assert.Equal(t, 0, m.Len())
}

func TestManager_WithoutEvents(t *testing.T) {
	m := newManager(nil, store.NewMemoryStore())
	s, err := m.Session(context.Background(), addr)
	require.NoError(t, err)
	waitBackfill(t, s)
	m.Close()
	assert.Equal(t, 0, m.Len())
}

// stallingReader blocks Position reads for one address until released.
type stallingReader struct {
	fakeReader
	stall   string
	release chan struct{}
}

func (r *stallingReader) Position(ctx context.Context, address string) (model.Position, error) {
	if address == r.stall {
		select {
		case <-r.release:
		case <-ctx.Done():
			return model.Position{}, ctx.Err()
		}
	}
	return r.fakeReader.Position(ctx, address)
}

func managerWith(r Reader, maxSessions int, pinned string) *Manager {
	return NewManager(ManagerConfig{
		Reader:      r,
		Signer:      &fakeSigner{},
		Confirmer:   newConfirmer(1),
		Price:       StaticPrice(decimal.NewFromInt(10000)),
		Store:       store.NewMemoryStore(),
		Params:      creditline.DefaultParams(),
		MaxSessions: maxSessions,
		Pinned:      pinned,
	})
}

const (
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
	addrD = "0x00000000000000000000000000000000000000dd"
)

func TestManager_SlowStartDoesNotBlockOtherAddresses(t *testing.T) {
	r := &stallingReader{fakeReader: fakeReader{pos: oneBTC()}, stall: addr, release: make(chan struct{})}
	m := managerWith(r, 0, "")
	defer m.Close()

	stalled := make(chan *Session, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := m.Session(context.Background(), addr)
			assert.NoError(t, err)
			stalled <- s
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Session(context.Background(), addrB)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("a stalled start blocked another address")
	}
	_, ok := m.Lookup(addr)
	assert.False(t, ok, "session still starting")

	close(r.release)
	var got []*Session
	for i := 0; i < 2; i++ {
		select {
		case s := <-stalled:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatal("stalled start did not finish")
		}
	}
	require.NotNil(t, got[0])
	assert.Same(t, got[0], got[1], "concurrent callers share one start")
	assert.Equal(t, 2, m.Len())
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	m := managerWith(&fakeReader{pos: oneBTC()}, 2, addr)
	defer m.Close()
	ctx := context.Background()

	_, err := m.Session(ctx, addrB)
	require.NoError(t, err)
	_, err = m.Session(ctx, addrC)
	require.NoError(t, err)
	_, ok := m.Lookup(addrB)
	require.True(t, ok)

	_, err = m.Session(ctx, addrD)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	_, ok = m.Lookup(addrC)
	assert.False(t, ok, "least recently used session evicted")
	_, ok = m.Lookup(addrB)
	assert.True(t, ok)

	_, err = m.Session(ctx, addr)
	require.NoError(t, err, "pinned address is admitted over the cap")
	assert.Equal(t, 3, m.Len())

	for i := 0; i < 10; i++ {
		_, err = m.Session(ctx, fmt.Sprintf("0x%040x", 0x100+i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Len())
	_, ok = m.Lookup(addr)
	assert.True(t, ok, "pinned session is never evicted")
}

func TestManager_LimitWhenNothingEvictable(t *testing.T) {
	r := &stallingReader{fakeReader: fakeReader{pos: oneBTC()}, stall: addrB, release: make(chan struct{})}
	m := managerWith(r, 1, "")
	defer m.Close()

	started := make(chan error, 1)
	go func() {
		_, err := m.Session(context.Background(), addrB)
		started <- err
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.sessions) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := m.Session(context.Background(), addrC)
	assert.ErrorIs(t, err, ErrSessionLimit)

	close(r.release)
	require.NoError(t, <-started)
	assert.Equal(t, 1, m.Len())
}
