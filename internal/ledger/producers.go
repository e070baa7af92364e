package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mezopay/credit-engine/internal/metrics"
	"github.com/mezopay/credit-engine/internal/model"
)

// DefaultBackfillWindow is how many recent blocks the historical scan covers.
const DefaultBackfillWindow uint64 = 10_000

// Subscription is a live event feed.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// EventSource yields credit line events as ledger entries. Entries carry
// the timestamp of the block that contains them.
type EventSource interface {
	Head(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, kind model.Kind, address string, from, to uint64) ([]model.LedgerEntry, error)
	SubscribeEvents(ctx context.Context, kind model.Kind, address string, out chan<- model.LedgerEntry) (Subscription, error)
}

// BackfillWarning lists the event kinds whose historical scan failed. The
// other kinds were still delivered.
type BackfillWarning struct {
	Failures map[model.Kind]error
	HeadErr  error
}

func (w *BackfillWarning) Error() string {
	if w.HeadErr != nil {
		return fmt.Sprintf("backfill: read head: %v", w.HeadErr)
	}
	kinds := make([]string, 0, len(w.Failures))
	for k, err := range w.Failures {
		kinds = append(kinds, fmt.Sprintf("%s: %v", k, err))
	}
	sort.Strings(kinds)
	return "backfill: scan failed for " + strings.Join(kinds, "; ")
}

// Unwrap exposes the underlying errors to errors.Is.
func (w *BackfillWarning) Unwrap() []error {
	errs := make([]error, 0, len(w.Failures)+1)
	if w.HeadErr != nil {
		errs = append(errs, w.HeadErr)
	}
	for _, err := range w.Failures {
		errs = append(errs, err)
	}
	return errs
}

// Backfill scans the last window blocks for every event kind and sends the
// entries to out. It returns a *BackfillWarning when any scan failed.
func Backfill(ctx context.Context, src EventSource, address string, window uint64, out chan<- model.LedgerEntry) error {
	if window == 0 {
		window = DefaultBackfillWindow
	}
	log := slog.Default().With("address", strings.ToLower(address))

	head, err := src.Head(ctx)
	if err != nil {
		for _, k := range model.Kinds {
			metrics.BackfillFailures.WithLabelValues(string(k)).Inc()
		}
		log.Warn("backfill skipped", "err", err)
		return &BackfillWarning{HeadErr: err}
	}
	var from uint64
	if head+1 > window {
		from = head + 1 - window
	}

	warn := &BackfillWarning{Failures: make(map[model.Kind]error)}
	delivered := 0
	for _, kind := range model.Kinds {
		entries, err := src.FetchEvents(ctx, kind, address, from, head)
		if err != nil {
			warn.Failures[kind] = err
			metrics.BackfillFailures.WithLabelValues(string(kind)).Inc()
			log.Warn("backfill scan failed", "kind", kind, "from", from, "to", head, "err", err)
			continue
		}
		for _, e := range entries {
			e.Source = model.SourceBackfill
			select {
			case out <- e:
				delivered++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	log.Info("backfill complete", "from", from, "to", head, "entries", delivered, "failed_kinds", len(warn.Failures))

	if len(warn.Failures) > 0 {
		return warn
	}
	return nil
}

// Subscriptions is the set of live feeds for one address.
type Subscriptions struct {
	mu   sync.Mutex
	subs []Subscription
	wg   sync.WaitGroup
}

// Close ends every feed and waits for the watchers to exit.
func (s *Subscriptions) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
}

// Len returns the number of feeds opened.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscribe opens one live feed per event kind, all delivering into out.
// Kinds that fail to subscribe are reported in the returned error; the
// others keep running. A feed that errors later is logged and ends.
func Subscribe(ctx context.Context, src EventSource, address string, out chan<- model.LedgerEntry) (*Subscriptions, error) {
	log := slog.Default().With("address", strings.ToLower(address))
	s := &Subscriptions{}
	var errs []error

	for _, kind := range model.Kinds {
		sub, err := src.SubscribeEvents(ctx, kind, address, out)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", kind, err))
			log.Warn("live subscription failed", "kind", kind, "err", err)
			continue
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()

		s.wg.Add(1)
		go func(kind model.Kind, sub Subscription) {
			defer s.wg.Done()
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
			case err, ok := <-sub.Err():
				if ok && err != nil {
					log.Error("live subscription ended", "kind", kind, "err", err)
				}
			}
		}(kind, sub)
	}
	return s, errors.Join(errs...)
}
