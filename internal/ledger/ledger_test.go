package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
)

const addr = "0x00000000000000000000000000000000000000aa"

func at(sec int64) time.Time { return time.Unix(1_700_000_000+sec, 0).UTC() }

func entry(id string, kind model.Kind, amount string, ts time.Time, src model.Source) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        id,
		Address:   addr,
		Kind:      kind,
		Amount:    decimal.RequireFromString(amount),
		Currency:  model.CurrencyOf(kind),
		Timestamp: ts,
		Status:    model.StatusCompleted,
		Source:    src,
	}
}

func TestInsert_Idempotent(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx := context.Background()
	e := entry("0xA1", model.KindMint, "100", at(0), model.SourceBackfill)

	ok, err := l.Insert(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Insert(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())

	_, found := l.Get("0xa1")
	assert.True(t, found, "ids are case-insensitive")
}

func TestInsert_FirstWriterWins(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx := context.Background()

	opt := entry("0xa1", model.KindMint, "100", at(0), model.SourceOptimistic)
	live := entry("0xa1", model.KindMint, "100", at(30), model.SourceLive)
	live.BlockNumber = 12

	_, err := l.Insert(ctx, opt)
	require.NoError(t, err)
	ok, err := l.Insert(ctx, live)
	require.NoError(t, err, "timestamp and provenance differences are not conflicts")
	assert.False(t, ok)

	got, _ := l.Get("0xa1")
	assert.Equal(t, model.SourceOptimistic, got.Source)
	assert.True(t, got.Timestamp.Equal(at(0)))
}

func TestInsert_IntegrityWarning(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx := context.Background()

	_, err := l.Insert(ctx, entry("0xa1", model.KindMint, "100", at(0), model.SourceBackfill))
	require.NoError(t, err)

	ok, err := l.Insert(ctx, entry("0xa1", model.KindMint, "101", at(0), model.SourceLive))
	assert.False(t, ok)
	var w *IntegrityWarning
	require.True(t, errors.As(err, &w))
	assert.Equal(t, "0xa1", w.ID)
	assert.True(t, w.Existing.Amount.Equal(decimal.NewFromInt(100)))

	got, _ := l.Get("0xa1")
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)), "first record is never overwritten")
}

func TestHistory_NewestFirst(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx := context.Background()
	for i, ts := range []int64{100, 50, 200} {
		id := []string{"0x1", "0x2", "0x3"}[i]
		_, err := l.Insert(ctx, entry(id, model.KindDeposit, "1", at(ts), model.SourceBackfill))
		require.NoError(t, err)
	}

	h := l.History()
	require.Len(t, h, 3)
	assert.Equal(t, []string{"0x3", "0x1", "0x2"}, []string{h[0].ID, h[1].ID, h[2].ID})
}

func TestHistory_StableForEqualTimestamps(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx := context.Background()
	for _, id := range []string{"0xc", "0xa", "0xb"} {
		_, err := l.Insert(ctx, entry(id, model.KindSpend, "1", at(0), model.SourceLive))
		require.NoError(t, err)
	}

	h := l.History()
	assert.Equal(t, []string{"0xc", "0xa", "0xb"}, []string{h[0].ID, h[1].ID, h[2].ID})
}

func TestHistory_IsSnapshot(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	_, _ = l.Insert(context.Background(), entry("0x1", model.KindMint, "5", at(0), model.SourceLive))

	h := l.History()
	h[0].Amount = decimal.NewFromInt(999)

	got, _ := l.Get("0x1")
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(5)))
}

func TestInsert_OrderIndependent(t *testing.T) {
	a := entry("0x1", model.KindMint, "10", at(1), model.SourceBackfill)
	b := entry("0x2", model.KindRepay, "4", at(2), model.SourceLive)
	c := entry("0x3", model.KindSpend, "3", at(3), model.SourceOptimistic)
	dupB := b
	dupB.Source = model.SourceOptimistic

	orders := [][]model.LedgerEntry{
		{a, b, c, dupB},
		{dupB, c, b, a},
		{c, a, dupB, b},
	}
	var want []string
	for i, order := range orders {
		l := New(addr, store.NewMemoryStore())
		for _, e := range order {
			_, err := l.Insert(context.Background(), e)
			require.NoError(t, err)
		}
		var ids []string
		for _, e := range l.History() {
			ids = append(ids, e.ID)
		}
		if i == 0 {
			want = ids
			continue
		}
		assert.Equal(t, want, ids)
	}
}

func TestInsert_PersistsOptimisticOnly(t *testing.T) {
	st := store.NewMemoryStore()
	l := New(addr, st)
	ctx := context.Background()

	_, err := l.Insert(ctx, entry("0x1", model.KindMint, "1", at(0), model.SourceOptimistic))
	require.NoError(t, err)
	_, err = l.Insert(ctx, entry("0x2", model.KindMint, "2", at(1), model.SourceLive))
	require.NoError(t, err)

	stored, err := st.ListEntries(ctx, addr)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "0x1", stored[0].ID)
}

func TestLoad_RestoresOptimistic(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	first := New(addr, st)
	_, err := first.Insert(ctx, entry("0x1", model.KindRepay, "7", at(0), model.SourceOptimistic))
	require.NoError(t, err)

	second := New(addr, st)
	require.NoError(t, second.Load(ctx))
	got, ok := second.Get("0x1")
	require.True(t, ok)
	assert.Equal(t, model.SourceOptimistic, got.Source)
}

func TestRun_ConcurrentProducers(t *testing.T) {
	l := New(addr, store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notified int
	var mu sync.Mutex
	l.OnInsert(func(model.LedgerEntry) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, src := range []model.Source{model.SourceBackfill, model.SourceLive, model.SourceOptimistic} {
		ch := make(chan model.LedgerEntry)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx, ch)
		}()
		go func(src model.Source) {
			defer close(ch)
			for _, id := range []string{"0x1", "0x2", "0x3", "0x4"} {
				ch <- entry(id, model.KindDeposit, "1", at(0), src)
			}
		}(src)
	}
	wg.Wait()

	assert.Equal(t, 4, l.Len())
	mu.Lock()
	assert.Equal(t, 4, notified)
	mu.Unlock()
}

func TestRun_ConflictLoggedAsWarning(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	l := New(addr, store.NewMemoryStore())
	in := make(chan model.LedgerEntry, 2)
	in <- entry("0xa1", model.KindMint, "100", at(0), model.SourceBackfill)
	in <- entry("0xa1", model.KindMint, "101", at(0), model.SourceLive)
	close(in)
	l.Run(context.Background(), in)

	assert.Equal(t, 1, l.Len())
	out := buf.String()
	assert.Contains(t, out, "ledger integrity warning")
	assert.False(t, strings.Contains(out, "level=ERROR"), "conflicts are not insert failures: %s", out)
}
