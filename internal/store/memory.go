package store

import (
	"context"
	"sync"

	"github.com/mezopay/credit-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]model.LedgerEntry
	order   map[string][]string
	cards   map[string]model.VirtualCard
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]model.LedgerEntry),
		order:   make(map[string][]string),
		cards:   make(map[string]model.VirtualCard),
	}
}

func (s *MemoryStore) PutEntry(_ context.Context, address string, entry model.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := normalize(address)
	byID, ok := s.entries[addr]
	if !ok {
		byID = make(map[string]model.LedgerEntry)
		s.entries[addr] = byID
	}
	if _, exists := byID[entry.ID]; exists {
		return false, nil
	}
	byID[entry.ID] = entry
	s.order[addr] = append(s.order[addr], entry.ID)
	return true, nil
}

func (s *MemoryStore) GetEntry(_ context.Context, address, id string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[normalize(address)][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, address string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := normalize(address)
	result := make([]model.LedgerEntry, 0, len(s.order[addr]))
	for _, id := range s.order[addr] {
		result = append(result, s.entries[addr][id])
	}
	return result, nil
}

func (s *MemoryStore) PutCard(_ context.Context, address string, card model.VirtualCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[normalize(address)] = card
	return nil
}

func (s *MemoryStore) GetCard(_ context.Context, address string) (*model.VirtualCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[normalize(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
