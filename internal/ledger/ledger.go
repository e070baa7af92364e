// Package ledger reconciles the transaction records of one address into a
// single deduplicated history.
//
// Three producers feed a ledger: a one-time historical backfill, live event
// subscriptions, and optimistic entries written right after a transaction
// is signed. Every producer uses the transaction hash as the entry id and
// insertion is first-writer-wins, so the final state does not depend on the
// order in which producers deliver.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/mezopay/credit-engine/internal/metrics"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
)

// IntegrityWarning reports two producers disagreeing about one id. The
// first-seen record is kept; the warning is informational.
type IntegrityWarning struct {
	ID       string
	Existing model.LedgerEntry
	Incoming model.LedgerEntry
}

func (w *IntegrityWarning) Error() string {
	return fmt.Sprintf("ledger: conflicting records for %s: kept %s %s from %s, dropped %s %s from %s",
		w.ID,
		w.Existing.Kind, w.Existing.Amount.String(), w.Existing.Source,
		w.Incoming.Kind, w.Incoming.Amount.String(), w.Incoming.Source)
}

// Ledger is the merged history of one address. Safe for concurrent use.
type Ledger struct {
	address string
	store   store.Store
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]record
	next    uint64
	notify  []func(model.LedgerEntry)
}

type record struct {
	entry model.LedgerEntry
	seq   uint64
}

// New creates an empty ledger for address. Optimistic entries are
// persisted to st.
func New(address string, st store.Store) *Ledger {
	return &Ledger{
		address: strings.ToLower(address),
		store:   st,
		logger:  slog.Default().With("address", strings.ToLower(address)),
		entries: make(map[string]record),
	}
}

// Address returns the lowercased address the ledger belongs to.
func (l *Ledger) Address() string { return l.address }

// OnInsert registers fn to be called after each accepted entry.
func (l *Ledger) OnInsert(fn func(model.LedgerEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = append(l.notify, fn)
}

// Load restores optimistic entries persisted by an earlier session.
func (l *Ledger) Load(ctx context.Context) error {
	entries, err := l.store.ListEntries(ctx, l.address)
	if err != nil {
		return fmt.Errorf("load local ledger: %w", err)
	}
	for _, e := range entries {
		if _, err := l.insert(e); err != nil {
			l.logger.Warn("stored ledger entry conflicts", "id", e.ID, "err", err)
		}
	}
	l.logger.Info("local ledger loaded", "entries", len(entries))
	return nil
}

// Insert adds entry unless its id is already present. A second copy with
// different content is not applied and comes back as *IntegrityWarning.
// Optimistic entries are persisted to the local store.
func (l *Ledger) Insert(ctx context.Context, entry model.LedgerEntry) (bool, error) {
	entry.ID = strings.ToLower(entry.ID)
	if entry.Status == "" {
		entry.Status = model.StatusCompleted
	}
	if entry.Address == "" {
		entry.Address = l.address
	}

	inserted, err := l.insert(entry)
	if err != nil || !inserted {
		return inserted, err
	}

	if entry.Source == model.SourceOptimistic {
		if _, err := l.store.PutEntry(ctx, l.address, entry); err != nil {
			return true, fmt.Errorf("persist optimistic entry %s: %w", entry.ID, err)
		}
	}
	return true, nil
}

func (l *Ledger) insert(entry model.LedgerEntry) (bool, error) {
	l.mu.Lock()
	existing, ok := l.entries[entry.ID]
	if ok {
		l.mu.Unlock()
		if !existing.entry.SameContent(entry) {
			w := &IntegrityWarning{ID: entry.ID, Existing: existing.entry, Incoming: entry}
			metrics.LedgerIntegrityWarnings.Inc()
			l.logger.Warn("ledger integrity warning", "id", entry.ID, "err", w)
			return false, w
		}
		metrics.LedgerDuplicatesTotal.WithLabelValues(string(entry.Source)).Inc()
		return false, nil
	}

	l.entries[entry.ID] = record{entry: entry, seq: l.next}
	l.next++
	notify := slices.Clone(l.notify)
	l.mu.Unlock()

	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Kind), string(entry.Source)).Inc()
	l.logger.Debug("ledger entry inserted", "id", entry.ID, "kind", entry.Kind, "source", entry.Source)
	for _, fn := range notify {
		fn(entry)
	}
	return true, nil
}

// Get returns the entry with id.
func (l *Ledger) Get(id string) (model.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.entries[strings.ToLower(id)]
	return r.entry, ok
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// History returns a snapshot ordered by timestamp, newest first. Entries
// with equal timestamps keep insertion order.
func (l *Ledger) History() []model.LedgerEntry {
	l.mu.RLock()
	records := make([]record, 0, len(l.entries))
	for _, r := range l.entries {
		records = append(records, r)
	}
	l.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		ti, tj := records[i].entry.Timestamp, records[j].entry.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].seq < records[j].seq
	})

	history := make([]model.LedgerEntry, len(records))
	for i, r := range records {
		history[i] = r.entry
	}
	return history
}

// Run inserts entries from in until it is closed or ctx is done.
func (l *Ledger) Run(ctx context.Context, in <-chan model.LedgerEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if _, err := l.Insert(ctx, e); err != nil {
				var warn *IntegrityWarning
				if !errors.As(err, &warn) {
					l.logger.Error("ledger insert failed", "id", e.ID, "err", err)
				}
			}
		}
	}
}
