package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultPollInterval is how often ReceiptConfirmer asks for a receipt.
const DefaultPollInterval = 2 * time.Second

// ReceiptConfirmer waits for transactions to be mined by polling receipts.
// It applies no timeout of its own; callers bound the wait with ctx.
type ReceiptConfirmer struct {
	backend  Backend
	interval time.Duration
}

// NewReceiptConfirmer polls backend every interval.
func NewReceiptConfirmer(backend Backend, interval time.Duration) *ReceiptConfirmer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &ReceiptConfirmer{backend: backend, interval: interval}
}

// Confirm blocks until hash is mined. A reverted transaction is a
// ChainError of kind ErrConfirmationFailed.
func (r *ReceiptConfirmer) Confirm(ctx context.Context, hash string) error {
	txHash := common.HexToHash(hash)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &ChainError{
					Op:   "receipt",
					Kind: ErrConfirmationFailed,
					Err:  fmt.Errorf("transaction %s reverted in block %s", hash, receipt.BlockNumber),
				}
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			slog.Warn("receipt poll failed", "hash", hash, "err", err)
		}

		select {
		case <-ctx.Done():
			return &ChainError{Op: "receipt", Kind: ErrConfirmationFailed, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
