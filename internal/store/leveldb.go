package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mezopay/credit-engine/internal/model"
)

const (
	entryKeyPrefix = "entry:"
	cardKeyPrefix  = "card:"
)

// LevelDBStore is the on-disk local store. Values are JSON; entry keys are
// entry:<address>:<id> so one address can be scanned by prefix.
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes check-then-put in PutEntry
}

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func entryKey(address, id string) []byte {
	return []byte(entryKeyPrefix + normalize(address) + ":" + id)
}

func cardKey(address string) []byte {
	return []byte(cardKeyPrefix + normalize(address))
}

func (s *LevelDBStore) PutEntry(_ context.Context, address string, entry model.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(address, entry.ID)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("check entry %s: %w", entry.ID, err)
	}
	if ok {
		return false, nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return false, fmt.Errorf("put entry %s: %w", entry.ID, err)
	}
	return true, nil
}

func (s *LevelDBStore) GetEntry(_ context.Context, address, id string) (*model.LedgerEntry, error) {
	data, err := s.db.Get(entryKey(address, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	var e model.LedgerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *LevelDBStore) ListEntries(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	prefix := []byte(entryKeyPrefix + normalize(address) + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var entries []model.LedgerEntry
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var e model.LedgerEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", string(iter.Key()), err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}

func (s *LevelDBStore) PutCard(_ context.Context, address string, card model.VirtualCard) error {
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encode card: %w", err)
	}
	return s.db.Put(cardKey(address), data, nil)
}

func (s *LevelDBStore) GetCard(_ context.Context, address string) (*model.VirtualCard, error) {
	data, err := s.db.Get(cardKey(address), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	var c model.VirtualCard
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	return &c, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
