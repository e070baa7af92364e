package contract

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/units"
)

// Event is a decoded credit line event.
type Event struct {
	Kind        model.Kind
	User        common.Address
	Amount      *big.Int // minor units; zero for freeze
	Merchant    string
	Frozen      bool
	TxHash      common.Hash
	BlockNumber uint64
}

// DecodeEvent decodes a credit line log. Logs removed by a reorg are
// rejected with ErrRemovedLog.
func DecodeEvent(log types.Log) (Event, error) {
	if log.Removed {
		return Event{}, fmt.Errorf("%w: %s", ErrRemovedLog, log.TxHash.Hex())
	}
	if len(log.Topics) < 2 {
		return Event{}, fmt.Errorf("%w: %d topics", ErrUnknownEvent, len(log.Topics))
	}
	kind, ok := kindByTopic[log.Topics[0]]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	name := eventNames[kind]
	out, err := creditLineABI.Unpack(name, log.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
	}

	ev := Event{
		Kind:        kind,
		User:        common.BytesToAddress(log.Topics[1].Bytes()),
		Amount:      new(big.Int),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}
	t := tuple{values: out, method: name}
	switch kind {
	case model.KindFreeze:
		ev.Frozen = t.flag(0)
	case model.KindSpend:
		ev.Amount = t.bigInt(0)
		ev.Merchant = t.text(1)
	default:
		ev.Amount = t.bigInt(0)
	}
	return ev, t.err
}

// Entry converts a decoded event into a completed ledger entry stamped with
// the block timestamp ts.
func (ev Event) Entry(ts time.Time, source model.Source) model.LedgerEntry {
	return model.LedgerEntry{
		ID:          strings.ToLower(ev.TxHash.Hex()),
		Address:     strings.ToLower(ev.User.Hex()),
		Kind:        ev.Kind,
		Amount:      units.ToDecimal(ev.Amount),
		Currency:    model.CurrencyOf(ev.Kind),
		Timestamp:   ts.UTC(),
		Status:      model.StatusCompleted,
		Source:      source,
		Merchant:    ev.Merchant,
		Frozen:      ev.Frozen,
		BlockNumber: ev.BlockNumber,
	}
}
