package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mezopay/credit-engine/internal/card"
	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/metrics"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/store"
	"github.com/mezopay/credit-engine/internal/validate"
)

// Session is the engine state for one connected address.
type Session struct {
	Controller *Controller
	Ledger     *ledger.Ledger

	cancel       context.CancelFunc
	subs         *ledger.Subscriptions
	backfillDone chan struct{}
	wg           sync.WaitGroup

	mu          sync.Mutex
	backfillErr error
	liveErr     error
}

// Address returns the session's lowercased address.
func (s *Session) Address() string { return s.Ledger.Address() }

// BackfillDone is closed once the historical scan has finished.
func (s *Session) BackfillDone() <-chan struct{} { return s.backfillDone }

// Warnings returns the non-fatal backfill and subscription errors.
func (s *Session) Warnings() (backfill, live error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backfillErr, s.liveErr
}

func (s *Session) close() {
	s.Controller.Cancel()
	s.cancel()
	if s.subs != nil {
		s.subs.Close()
	}
	s.wg.Wait()
}

// ManagerConfig wires the collaborators shared by every session.
type ManagerConfig struct {
	Reader    Reader
	Signer    Signer
	Confirmer Confirmer
	Price     PriceOracle
	Events    ledger.EventSource
	Store     store.Store
	Approvals *validate.Approvals
	Cards     *card.Generator
	Params    creditline.Params

	// BackfillWindow is the number of recent blocks scanned on start.
	BackfillWindow uint64

	// MaxSessions caps concurrent sessions. Zero means unbounded.
	MaxSessions int
	// Pinned is exempt from the cap and from eviction.
	Pinned string

	OnEntry  func(address string, e model.LedgerEntry)
	OnAction func(address string, pa model.PendingAction)
}

// ErrSessionLimit is returned when every session slot is held by a session
// that cannot be evicted.
var ErrSessionLimit = errors.New("controller: session limit reached")

// errManagerClosed is returned to a starter whose manager was closed while
// the session was starting.
var errManagerClosed = errors.New("controller: manager closed")

// Manager creates one Session per address on first use. Sessions start
// outside the manager lock; concurrent callers for one address share the
// same start.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*slot
	tick     uint64
}

type slot struct {
	ready   chan struct{}
	session *Session
	err     error
	used    uint64
}

// started returns the session once its start has completed.
func (e *slot) started() *Session {
	select {
	case <-e.ready:
		return e.session
	default:
		return nil
	}
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Approvals == nil {
		cfg.Approvals = validate.NewApprovals()
	}
	if cfg.Cards == nil {
		cfg.Cards = card.NewGenerator()
	}
	cfg.Pinned = strings.ToLower(strings.TrimSpace(cfg.Pinned))
	return &Manager{cfg: cfg, sessions: make(map[string]*slot)}
}

// Lookup returns an existing, fully started session.
func (m *Manager) Lookup(address string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return nil, false
	}
	s := e.started()
	if s != nil {
		m.tick++
		e.used = m.tick
	}
	return s, s != nil
}

// Session returns the session for address, starting it if needed. Starting
// restores persisted optimistic entries, reads the credit line, opens live
// feeds and launches the historical scan. Scan and feed failures are
// recorded on the session, not returned.
//
// With MaxSessions set, a new address evicts the least recently used idle
// session, or fails with ErrSessionLimit when none can be evicted. The
// pinned address is never evicted and never refused.
func (m *Manager) Session(ctx context.Context, address string) (*Session, error) {
	parsed, err := contract.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(parsed.Hex())

	m.mu.Lock()
	if e, ok := m.sessions[key]; ok {
		m.tick++
		e.used = m.tick
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}

	var evicted *Session
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions && key != m.cfg.Pinned {
		victim, ok := m.victimLocked()
		if !ok {
			m.mu.Unlock()
			metrics.SessionsRejected.Inc()
			return nil, ErrSessionLimit
		}
		evicted = m.sessions[victim].session
		delete(m.sessions, victim)
	}
	e := &slot{ready: make(chan struct{})}
	m.tick++
	e.used = m.tick
	m.sessions[key] = e
	m.mu.Unlock()

	if evicted != nil {
		evicted.close()
		metrics.ActiveSessions.Dec()
		slog.Info("session evicted", "address", evicted.Address())
	}

	s, err := m.start(ctx, key)

	m.mu.Lock()
	current := m.sessions[key] == e
	if err != nil || !current {
		if current {
			delete(m.sessions, key)
		}
		if err == nil {
			err = errManagerClosed
		}
	}
	if err == nil {
		e.session = s
	}
	e.err = err
	m.mu.Unlock()
	close(e.ready)

	if err != nil {
		if s != nil {
			s.close()
		}
		return nil, err
	}
	metrics.ActiveSessions.Inc()
	return s, nil
}

// victimLocked picks the least recently used started session that is not
// pinned and has no action in flight.
func (m *Manager) victimLocked() (string, bool) {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for key, e := range m.sessions {
		if key == m.cfg.Pinned {
			continue
		}
		s := e.started()
		if s == nil {
			continue
		}
		if pa, ok := s.Controller.Pending(); ok && !pa.Done() {
			continue
		}
		if !found || e.used < oldest {
			victim, oldest, found = key, e.used, true
		}
	}
	return victim, found
}

func (m *Manager) start(ctx context.Context, address string) (*Session, error) {
	log := slog.Default().With("address", address)

	l := ledger.New(address, m.cfg.Store)
	if m.cfg.OnEntry != nil {
		l.OnInsert(func(e model.LedgerEntry) { m.cfg.OnEntry(address, e) })
	}
	if err := l.Load(ctx); err != nil {
		return nil, fmt.Errorf("start session %s: %w", address, err)
	}

	deps := Deps{
		Reader:    m.cfg.Reader,
		Signer:    m.cfg.Signer,
		Confirmer: m.cfg.Confirmer,
		Price:     m.cfg.Price,
		Ledger:    l,
		Store:     m.cfg.Store,
		Approvals: m.cfg.Approvals,
		Cards:     m.cfg.Cards,
		Params:    m.cfg.Params,
	}
	if m.cfg.OnAction != nil {
		deps.OnUpdate = func(pa model.PendingAction) { m.cfg.OnAction(address, pa) }
	}
	c := New(address, deps)
	if err := c.Refresh(ctx); err != nil {
		log.Warn("initial refresh failed", "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Controller:   c,
		Ledger:       l,
		cancel:       cancel,
		backfillDone: make(chan struct{}),
	}
	if m.cfg.Events == nil {
		close(s.backfillDone)
		return s, nil
	}

	live := make(chan model.LedgerEntry, 64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Run(runCtx, live)
	}()
	subs, err := ledger.Subscribe(runCtx, m.cfg.Events, address, live)
	s.subs = subs
	if err != nil {
		s.mu.Lock()
		s.liveErr = err
		s.mu.Unlock()
	}

	historical := make(chan model.LedgerEntry, 256)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(historical)
		err := ledger.Backfill(runCtx, m.cfg.Events, address, m.cfg.BackfillWindow, historical)
		if err != nil {
			s.mu.Lock()
			s.backfillErr = err
			s.mu.Unlock()
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.backfillDone)
		l.Run(runCtx, historical)
	}()

	log.Info("session started")
	return s, nil
}

// Len returns the number of started sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sessions {
		if e.started() != nil {
			n++
		}
	}
	return n
}

// Close stops every started session. Sessions still starting are stopped
// by their starter.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*slot)
	m.mu.Unlock()

	for _, e := range sessions {
		if s := e.started(); s != nil {
			s.close()
			metrics.ActiveSessions.Dec()
		}
	}
}
