package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/model"
)

// ConfirmFunc decides whether a prepared action may be signed. Returning
// false rejects the request.
type ConfirmFunc func(ctx context.Context, action model.PendingAction) bool

// KeySigner signs and broadcasts transactions with a local private key.
type KeySigner struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address string
	chainID *big.Int
	addrs   contract.Addresses
	signTx  func(*types.Transaction) (*types.Transaction, error)

	// Confirm, when set, is asked before every signature.
	Confirm ConfirmFunc
}

// NewKeySigner parses a hex private key. An empty key yields a signer that
// fails every request with ErrNotConnected.
func NewKeySigner(backend Backend, hexKey string, chainID int64, addrs contract.Addresses) (*KeySigner, error) {
	s := &KeySigner{backend: backend, chainID: big.NewInt(chainID), addrs: addrs}
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return s, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	s.key = key
	s.address = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	s.signTx = func(tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	}
	return s, nil
}

// AllowKinds returns a ConfirmFunc approving only the listed action kinds.
// With no kinds every request is rejected.
func AllowKinds(kinds ...model.ActionKind) ConfirmFunc {
	allowed := make(map[model.ActionKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return func(_ context.Context, action model.PendingAction) bool {
		ok := allowed[action.Kind]
		if !ok {
			slog.Warn("signature refused", "kind", action.Kind)
		}
		return ok
	}
}

// Address returns the lowercased signer address, empty without a key.
func (s *KeySigner) Address() string { return s.address }

// Connected reports whether the signer can sign.
func (s *KeySigner) Connected() bool { return s.key != nil && s.backend != nil }

// Build packs the contract call for action.
func (s *KeySigner) Build(action model.PendingAction) (contract.Call, error) {
	switch action.Kind {
	case model.ActionDeposit:
		return s.addrs.Deposit(action.Amount)
	case model.ActionMint:
		return s.addrs.Mint(action.Amount)
	case model.ActionRepay:
		return s.addrs.Repay(action.Amount)
	case model.ActionApprove:
		return s.addrs.Approve(action.Amount)
	case model.ActionSpend:
		return s.addrs.Spend(action.Amount, action.Merchant)
	case model.ActionFreeze:
		return s.addrs.Freeze(action.Freeze)
	case model.ActionClose:
		return s.addrs.Close()
	}
	return contract.Call{}, fmt.Errorf("unknown action %q", action.Kind)
}

// Sign builds, signs and broadcasts the transaction for action and returns
// its lowercased hash.
func (s *KeySigner) Sign(ctx context.Context, action model.PendingAction) (string, error) {
	if !s.Connected() {
		return "", &SignerError{Kind: ErrNotConnected}
	}
	call, err := s.Build(action)
	if err != nil {
		return "", err
	}

	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return "", &SignerError{Kind: ErrNotConnected, Err: err}
	}
	if id.Cmp(s.chainID) != 0 {
		return "", &SignerError{Kind: ErrWrongNetwork, Err: fmt.Errorf("node chain id %s, configured %s", id, s.chainID)}
	}

	if s.Confirm != nil && !s.Confirm(ctx, action) {
		return "", &SignerError{Kind: ErrUserRejected}
	}

	from := crypto.PubkeyToAddress(s.key.PublicKey)
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &ChainError{Op: "pendingNonceAt", Kind: ErrSubmitFailed, Err: err}
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", &ChainError{Op: "suggestGasPrice", Kind: ErrSubmitFailed, Err: err}
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &call.To,
		Value: call.Value,
		Data:  call.Data,
	})
	if err != nil {
		return "", &ChainError{Op: "estimateGas", Kind: ErrSubmitFailed, Err: err}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &call.To,
		Value:    call.Value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := s.signTx(tx)
	if err != nil {
		return "", &ChainError{Op: "signTx", Kind: ErrSubmitFailed, Err: err}
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", &ChainError{Op: "sendTransaction", Kind: ErrSubmitFailed, Err: err}
	}

	hash := strings.ToLower(signed.Hash().Hex())
	slog.Info("transaction sent", "kind", action.Kind, "hash", hash, "nonce", nonce, "gas", gas)
	return hash, nil
}
