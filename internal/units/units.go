// Package units converts between on-chain minor-unit integers (18 implied
// decimal places) and exact decimal amounts.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of implied decimal places in a minor-unit amount.
const Decimals = 18

// MaxBits bounds a minor-unit amount to the width of a uint256 word.
const MaxBits = 256

// ErrConversion is matched by every *ConversionError.
var ErrConversion = errors.New("units: conversion failed")

// ConversionError reports malformed numeric input.
type ConversionError struct {
	Input  string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("units: cannot convert %q: %s", e.Input, e.Reason)
}

func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// ParseAmount parses a non-negative decimal string that is exactly
// representable with Decimals fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Zero, &ConversionError{Input: s, Reason: "empty amount"}
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, &ConversionError{Input: s, Reason: "not a decimal number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &ConversionError{Input: s, Reason: "amount must not be negative"}
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return decimal.Zero, &ConversionError{Input: s, Reason: fmt.Sprintf("more than %d fractional digits", Decimals)}
	}
	if shifted.BigInt().BitLen() > MaxBits {
		return decimal.Zero, &ConversionError{Input: s, Reason: fmt.Sprintf("exceeds %d bits in minor units", MaxBits)}
	}
	return d, nil
}

// ToMinorUnits parses a decimal string into its minor-unit integer.
func ToMinorUnits(s string) (*big.Int, error) {
	d, err := ParseAmount(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(Decimals).BigInt(), nil
}

// FromMinorUnits renders a minor-unit integer as an exact decimal string.
func FromMinorUnits(v *big.Int) string {
	return ToDecimal(v).String()
}

// ToDecimal converts a minor-unit integer to a decimal amount. Nil is zero.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// FromDecimal converts a decimal amount to its minor-unit integer. Fails
// when the amount is negative, has more precision than the minor unit, or
// does not fit in MaxBits.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, &ConversionError{Input: d.String(), Reason: "amount must not be negative"}
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return nil, &ConversionError{Input: d.String(), Reason: fmt.Sprintf("more than %d fractional digits", Decimals)}
	}
	v := shifted.BigInt()
	if v.BitLen() > MaxBits {
		return nil, &ConversionError{Input: d.String(), Reason: fmt.Sprintf("exceeds %d bits in minor units", MaxBits)}
	}
	return v, nil
}
