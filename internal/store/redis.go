package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mezopay/credit-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutEntry(ctx context.Context, address string, entry model.LedgerEntry) (bool, error) {
	inserted, err := s.primary.PutEntry(ctx, address, entry)
	if err != nil {
		return false, err
	}
	if inserted {
		s.rdb.Del(ctx, entriesKey(address))
	}
	return inserted, nil
}

func (s *CachedStore) PutCard(ctx context.Context, address string, card model.VirtualCard) error {
	if err := s.primary.PutCard(ctx, address, card); err != nil {
		return err
	}
	s.rdb.Del(ctx, localCardKey(address))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListEntries(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, entriesKey(address)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.ListEntries(ctx, address)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, entriesKey(address), data, s.ttl)
	}
	return entries, nil
}

func (s *CachedStore) GetCard(ctx context.Context, address string) (*model.VirtualCard, error) {
	data, err := s.rdb.Get(ctx, localCardKey(address)).Bytes()
	if err == nil {
		var c model.VirtualCard
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCard(ctx, address)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, localCardKey(address), data, s.ttl)
	}
	return c, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEntry(ctx context.Context, address, id string) (*model.LedgerEntry, error) {
	return s.primary.GetEntry(ctx, address, id)
}

// Close closes the primary store and the Redis client.
func (s *CachedStore) Close() error {
	err := s.primary.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- Cache helpers ---

func entriesKey(address string) string   { return fmt.Sprintf("ledger:%s", normalize(address)) }
func localCardKey(address string) string { return fmt.Sprintf("card:%s", normalize(address)) }
