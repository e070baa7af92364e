// Package contract binds the credit line contract and its debt token: view
// results and event logs are decoded into typed values at the boundary, and
// write calls are packed here. Nothing past this package sees ABI tuples.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/units"
)

// Method and event names.
const (
	MethodCreditLineInfo = "getCreditLineInfo"
	MethodCardInfo       = "getVirtualCardInfo"
	MethodDeposit        = "depositCollateral"
	MethodMint           = "mintMUSD"
	MethodRepay          = "repayMUSD"
	MethodSpend          = "spendWithCard"
	MethodFreeze         = "freezeCard"
	MethodClose          = "closePosition"
	MethodBalanceOf      = "balanceOf"
	MethodAllowance      = "allowance"
	MethodApprove        = "approve"
)

var eventNames = map[model.Kind]string{
	model.KindDeposit: "CollateralDeposited",
	model.KindMint:    "MUSDMinted",
	model.KindRepay:   "MUSDRepaid",
	model.KindSpend:   "CardSpending",
	model.KindFreeze:  "CardFrozen",
}

var (
	ErrInvalidAddress = errors.New("contract: invalid address")
	ErrDecode         = errors.New("contract: malformed response")
	ErrUnknownEvent   = errors.New("contract: unknown event")
	ErrRemovedLog     = errors.New("contract: log removed by reorg")
)

var (
	creditLineABI = mustParse(CreditLineABI)
	debtTokenABI  = mustParse(DebtTokenABI)
	kindByTopic   = func() map[common.Hash]model.Kind {
		m := make(map[common.Hash]model.Kind, len(eventNames))
		for k, name := range eventNames {
			m[creditLineABI.Events[name].ID] = k
		}
		return m
	}()
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contract: parse abi: %v", err))
	}
	return parsed
}

// CreditLine returns the parsed credit line ABI.
func CreditLine() abi.ABI { return creditLineABI }

// DebtToken returns the parsed debt token ABI.
func DebtToken() abi.ABI { return debtTokenABI }

// ParseAddress validates and parses a hex address.
func ParseAddress(s string) (common.Address, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(trimmed), nil
}

// Topic returns the event signature hash for a ledger kind.
func Topic(kind model.Kind) (common.Hash, bool) {
	name, ok := eventNames[kind]
	if !ok {
		return common.Hash{}, false
	}
	return creditLineABI.Events[name].ID, true
}

// UserTopic encodes an address as an indexed topic.
func UserTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// --- Views ---

// PackCreditLineInfo encodes the getCreditLineInfo call for user.
func PackCreditLineInfo(user common.Address) ([]byte, error) {
	return creditLineABI.Pack(MethodCreditLineInfo, user)
}

// PackCardInfo encodes the getVirtualCardInfo call for user.
func PackCardInfo(user common.Address) ([]byte, error) {
	return creditLineABI.Pack(MethodCardInfo, user)
}

// PackBalanceOf encodes the debt token balanceOf call.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return debtTokenABI.Pack(MethodBalanceOf, owner)
}

// PackAllowance encodes the debt token allowance call.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return debtTokenABI.Pack(MethodAllowance, owner, spender)
}

// DecodePosition decodes a getCreditLineInfo result.
func DecodePosition(data []byte) (model.Position, error) {
	out, err := creditLineABI.Unpack(MethodCreditLineInfo, data)
	if err != nil {
		return model.Position{}, fmt.Errorf("%w: %s: %v", ErrDecode, MethodCreditLineInfo, err)
	}
	t := tuple{values: out, method: MethodCreditLineInfo}
	pos := model.Position{
		CollateralAmount:        units.ToDecimal(t.bigInt(0)),
		DebtPrincipal:           units.ToDecimal(t.bigInt(1)),
		AccruedInterest:         units.ToDecimal(t.bigInt(2)),
		ContractRatio:           decimal.NewFromBigInt(t.bigInt(3), 0),
		ContractAvailableCredit: units.ToDecimal(t.bigInt(4)),
		IsActive:                t.flag(5),
	}
	return pos, t.err
}

// DecodeCard decodes a getVirtualCardInfo result.
func DecodeCard(data []byte) (model.VirtualCard, error) {
	out, err := creditLineABI.Unpack(MethodCardInfo, data)
	if err != nil {
		return model.VirtualCard{}, fmt.Errorf("%w: %s: %v", ErrDecode, MethodCardInfo, err)
	}
	t := tuple{values: out, method: MethodCardInfo}
	card := model.VirtualCard{
		CardNumber:   t.text(0),
		Expiry:       t.text(1),
		CVV:          t.text(2),
		HolderName:   t.text(3),
		DailyLimit:   units.ToDecimal(t.bigInt(4)),
		MonthlyLimit: units.ToDecimal(t.bigInt(5)),
		DailySpent:   units.ToDecimal(t.bigInt(6)),
		MonthlySpent: units.ToDecimal(t.bigInt(7)),
		IsActive:     t.flag(8),
	}
	return card, t.err
}

// DecodeBalance decodes a balanceOf or allowance result.
func DecodeBalance(data []byte) (decimal.Decimal, error) {
	out, err := debtTokenABI.Unpack(MethodBalanceOf, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrDecode, MethodBalanceOf, err)
	}
	t := tuple{values: out, method: MethodBalanceOf}
	v := units.ToDecimal(t.bigInt(0))
	return v, t.err
}

// --- Writes ---

// Call is a packed contract write: the calldata plus the native value sent.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Addresses of the two contracts writes are sent to.
type Addresses struct {
	CreditLine common.Address
	DebtToken  common.Address
}

// Deposit packs a payable collateral deposit of amount collateral units.
func (a Addresses) Deposit(amount decimal.Decimal) (Call, error) {
	value, err := units.FromDecimal(amount)
	if err != nil {
		return Call{}, err
	}
	data, err := creditLineABI.Pack(MethodDeposit)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.CreditLine, Data: data, Value: value}, nil
}

// Mint packs a mintMUSD call.
func (a Addresses) Mint(amount decimal.Decimal) (Call, error) {
	return a.amountCall(MethodMint, amount)
}

// Repay packs a repayMUSD call.
func (a Addresses) Repay(amount decimal.Decimal) (Call, error) {
	return a.amountCall(MethodRepay, amount)
}

// Spend packs a spendWithCard call.
func (a Addresses) Spend(amount decimal.Decimal, merchant string) (Call, error) {
	v, err := units.FromDecimal(amount)
	if err != nil {
		return Call{}, err
	}
	data, err := creditLineABI.Pack(MethodSpend, v, merchant)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.CreditLine, Data: data, Value: new(big.Int)}, nil
}

// Freeze packs a freezeCard call.
func (a Addresses) Freeze(freeze bool) (Call, error) {
	data, err := creditLineABI.Pack(MethodFreeze, freeze)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.CreditLine, Data: data, Value: new(big.Int)}, nil
}

// Close packs a closePosition call.
func (a Addresses) Close() (Call, error) {
	data, err := creditLineABI.Pack(MethodClose)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.CreditLine, Data: data, Value: new(big.Int)}, nil
}

// Approve packs a debt token approval letting the credit line pull amount.
func (a Addresses) Approve(amount decimal.Decimal) (Call, error) {
	v, err := units.FromDecimal(amount)
	if err != nil {
		return Call{}, err
	}
	data, err := debtTokenABI.Pack(MethodApprove, a.CreditLine, v)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.DebtToken, Data: data, Value: new(big.Int)}, nil
}

func (a Addresses) amountCall(method string, amount decimal.Decimal) (Call, error) {
	v, err := units.FromDecimal(amount)
	if err != nil {
		return Call{}, err
	}
	data, err := creditLineABI.Pack(method, v)
	if err != nil {
		return Call{}, err
	}
	return Call{To: a.CreditLine, Data: data, Value: new(big.Int)}, nil
}

// tuple reads typed values out of an unpacked ABI result, remembering the
// first mismatch.
type tuple struct {
	values []interface{}
	method string
	err    error
}

func (t *tuple) at(i int) interface{} {
	if i >= len(t.values) {
		t.fail(i, "missing")
		return nil
	}
	return t.values[i]
}

func (t *tuple) fail(i int, want string) {
	if t.err == nil {
		t.err = fmt.Errorf("%w: %s field %d: expected %s", ErrDecode, t.method, i, want)
	}
}

func (t *tuple) bigInt(i int) *big.Int {
	v, ok := t.at(i).(*big.Int)
	if !ok {
		t.fail(i, "uint256")
		return new(big.Int)
	}
	return v
}

func (t *tuple) flag(i int) bool {
	v, ok := t.at(i).(bool)
	if !ok {
		t.fail(i, "bool")
	}
	return v
}

func (t *tuple) text(i int) string {
	v, ok := t.at(i).(string)
	if !ok {
		t.fail(i, "string")
	}
	return v
}
