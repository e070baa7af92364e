// Package store defines the local persistence interface for the credit
// engine: optimistic ledger records and locally issued cards.
// Implementations include LevelDB (default, on-disk), PostgreSQL, a Redis
// read-through cache, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/mezopay/credit-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the local ledger store. Records are keyed by address; entries
// are immutable and the first write for an id wins.
type Store interface {
	// --- Ledger entries ---

	// PutEntry inserts entry unless one with the same id exists for the
	// address. Reports whether it was inserted.
	PutEntry(ctx context.Context, address string, entry model.LedgerEntry) (bool, error)

	// GetEntry returns the entry with id, or ErrNotFound.
	GetEntry(ctx context.Context, address, id string) (*model.LedgerEntry, error)

	// ListEntries returns all entries stored for the address.
	ListEntries(ctx context.Context, address string) ([]model.LedgerEntry, error)

	// --- Local cards ---

	// PutCard stores the locally issued card for the address.
	PutCard(ctx context.Context, address string, card model.VirtualCard) error

	// GetCard returns the locally issued card, or ErrNotFound.
	GetCard(ctx context.Context, address string) (*model.VirtualCard, error)

	// Close releases underlying resources.
	Close() error
}

// normalize lowercases hex addresses so checksummed and plain forms match.
func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
