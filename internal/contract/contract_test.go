package contract

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/units"
)

var user = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func wei(s string) *big.Int {
	v, err := units.ToMinorUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

func makeLog(t *testing.T, kind model.Kind, args ...interface{}) types.Log {
	t.Helper()
	topic, ok := Topic(kind)
	require.True(t, ok)
	data, err := creditLineABI.Events[eventNames[kind]].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Topics:      []common.Hash{topic, UserTopic(user)},
		Data:        data,
		TxHash:      common.HexToHash("0xabc123"),
		BlockNumber: 42,
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress(" 0x00000000000000000000000000000000000000AA ")
	require.NoError(t, err)
	assert.Equal(t, user, a)

	_, err = ParseAddress("0x123")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ParseAddress("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDecodePosition(t *testing.T) {
	data, err := creditLineABI.Methods[MethodCreditLineInfo].Outputs.Pack(
		wei("0.5"), wei("5000"), wei("12.25"), big.NewInt(294), wei("4787.75"), true)
	require.NoError(t, err)

	pos, err := DecodePosition(data)
	require.NoError(t, err)
	assert.True(t, pos.CollateralAmount.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, pos.DebtPrincipal.Equal(decimal.NewFromInt(5000)))
	assert.True(t, pos.AccruedInterest.Equal(decimal.RequireFromString("12.25")))
	assert.True(t, pos.ContractRatio.Equal(decimal.NewFromInt(294)))
	assert.True(t, pos.ContractAvailableCredit.Equal(decimal.RequireFromString("4787.75")))
	assert.True(t, pos.IsActive)
}

func TestDecodePosition_Malformed(t *testing.T) {
	_, err := DecodePosition([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeCard(t *testing.T) {
	data, err := creditLineABI.Methods[MethodCardInfo].Outputs.Pack(
		"4532 1234 5678 9012", "03/29", "123", "SATOSHI",
		wei("1000"), wei("10000"), wei("250.5"), wei("900"), false)
	require.NoError(t, err)

	c, err := DecodeCard(data)
	require.NoError(t, err)
	assert.Equal(t, "4532 1234 5678 9012", c.CardNumber)
	assert.Equal(t, "03/29", c.Expiry)
	assert.Equal(t, "SATOSHI", c.HolderName)
	assert.True(t, c.DailySpent.Equal(decimal.RequireFromString("250.5")))
	assert.False(t, c.IsActive)
	assert.False(t, c.Local)
}

func TestDecodeBalance(t *testing.T) {
	data, err := debtTokenABI.Methods[MethodBalanceOf].Outputs.Pack(wei("77.7"))
	require.NoError(t, err)

	v, err := DecodeBalance(data)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("77.7")))
}

func TestDecodeEvent_Amounts(t *testing.T) {
	for _, kind := range []model.Kind{model.KindDeposit, model.KindMint, model.KindRepay} {
		ev, err := DecodeEvent(makeLog(t, kind, wei("1.5")))
		require.NoError(t, err, kind)
		assert.Equal(t, kind, ev.Kind)
		assert.Equal(t, user, ev.User)
		assert.Equal(t, 0, ev.Amount.Cmp(wei("1.5")))
		assert.Equal(t, uint64(42), ev.BlockNumber)
	}
}

func TestDecodeEvent_SpendAndFreeze(t *testing.T) {
	ev, err := DecodeEvent(makeLog(t, model.KindSpend, wei("19.99"), "Coffee Shop"))
	require.NoError(t, err)
	assert.Equal(t, "Coffee Shop", ev.Merchant)
	assert.Equal(t, 0, ev.Amount.Cmp(wei("19.99")))

	ev, err = DecodeEvent(makeLog(t, model.KindFreeze, true))
	require.NoError(t, err)
	assert.True(t, ev.Frozen)
	assert.Equal(t, 0, ev.Amount.Sign())
}

func TestDecodeEvent_Rejects(t *testing.T) {
	l := makeLog(t, model.KindMint, wei("1"))
	l.Removed = true
	_, err := DecodeEvent(l)
	assert.ErrorIs(t, err, ErrRemovedLog)

	l = makeLog(t, model.KindMint, wei("1"))
	l.Topics[0] = common.HexToHash("0xdead")
	_, err = DecodeEvent(l)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	l = makeLog(t, model.KindMint, wei("1"))
	l.Topics = l.Topics[:1]
	_, err = DecodeEvent(l)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestEventEntry(t *testing.T) {
	ev, err := DecodeEvent(makeLog(t, model.KindDeposit, wei("0.25")))
	require.NoError(t, err)

	ts := time.Unix(1_700_000_123, 0)
	e := ev.Entry(ts, model.SourceBackfill)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000abc123", e.ID)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", e.Address)
	assert.Equal(t, model.CurrencyCollateral, e.Currency)
	assert.Equal(t, model.StatusCompleted, e.Status)
	assert.True(t, e.Timestamp.Equal(ts))
	assert.True(t, e.Amount.Equal(decimal.RequireFromString("0.25")))
}

func TestWrites(t *testing.T) {
	a := Addresses{
		CreditLine: common.HexToAddress("0x9D5F12DBe903A0741F675e4Aa4454b2F7A010aB4"),
		DebtToken:  common.HexToAddress("0x118917a40FAF1CD7a13dB0Ef56C86De7973Ac503"),
	}

	call, err := a.Deposit(decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	assert.Equal(t, a.CreditLine, call.To)
	assert.Equal(t, 0, call.Value.Cmp(wei("0.1")))
	assert.Equal(t, creditLineABI.Methods[MethodDeposit].ID, call.Data[:4])

	call, err = a.Mint(decimal.NewFromInt(100))
	require.NoError(t, err)
	args, err := creditLineABI.Methods[MethodMint].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, args[0].(*big.Int).Cmp(wei("100")))
	assert.Equal(t, 0, call.Value.Sign())

	call, err = a.Approve(decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, a.DebtToken, call.To)
	args, err = debtTokenABI.Methods[MethodApprove].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, a.CreditLine, args[0].(common.Address))

	_, err = a.Mint(decimal.RequireFromString("0.0000000000000000001"))
	assert.ErrorIs(t, err, units.ErrConversion)
}

func TestWrites_RejectAmountsWiderThanUint256(t *testing.T) {
	a := Addresses{CreditLine: common.HexToAddress("0x9D5F12DBe903A0741F675e4Aa4454b2F7A010aB4")}
	over := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), units.MaxBits), big.NewInt(5))
	amount := units.ToDecimal(over)

	_, err := a.Mint(amount)
	assert.ErrorIs(t, err, units.ErrConversion)
	_, err = a.Approve(amount)
	assert.ErrorIs(t, err, units.ErrConversion)
	_, err = a.Deposit(amount)
	assert.ErrorIs(t, err, units.ErrConversion)
}
