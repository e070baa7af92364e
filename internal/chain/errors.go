package chain

import (
	"errors"
	"fmt"
)

// Signer failure kinds.
var (
	ErrUserRejected = errors.New("signer: request rejected")
	ErrWrongNetwork = errors.New("signer: wrong network")
	ErrNotConnected = errors.New("signer: not connected")
)

// Chain failure kinds.
var (
	ErrReadFailed         = errors.New("chain: read failed")
	ErrSubmitFailed       = errors.New("chain: submit failed")
	ErrConfirmationFailed = errors.New("chain: confirmation failed")
)

// SignerError is a failure obtaining a signature. Kind is one of
// ErrUserRejected, ErrWrongNetwork, ErrNotConnected.
type SignerError struct {
	Kind error
	Err  error
}

func (e *SignerError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *SignerError) Is(target error) bool { return target == e.Kind }

func (e *SignerError) Unwrap() error { return e.Err }

// ChainError is a failed read, broadcast or confirmation.
type ChainError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ChainError) Is(target error) bool { return target == e.Kind }

func (e *ChainError) Unwrap() error { return e.Err }

func readErr(op string, err error) error {
	return &ChainError{Op: op, Kind: ErrReadFailed, Err: err}
}
