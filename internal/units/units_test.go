package units

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	v, err := ToMinorUnits("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.String())

	v, err = ToMinorUnits("0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())

	v, err = ToMinorUnits("  42 ")
	require.NoError(t, err)
	assert.Equal(t, "42000000000000000000", v.String())
}

func TestToMinorUnits_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "1.0000000000000000001", "1e"} {
		_, err := ToMinorUnits(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, ErrConversion), "input %q", in)

		var ce *ConversionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, in, ce.Input)
	}
}

func TestFromMinorUnits(t *testing.T) {
	assert.Equal(t, "0", FromMinorUnits(nil))
	assert.Equal(t, "1.5", FromMinorUnits(big.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "0.000000000000000001", FromMinorUnits(big.NewInt(1)))
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"0", "1", "0.1", "123456789.123456789123456789",
		"0.000000000000000001", "99999999999999999999.5", "7.250",
	}
	for _, s := range inputs {
		first, err := ToMinorUnits(s)
		require.NoError(t, err, s)

		second, err := ToMinorUnits(FromMinorUnits(first))
		require.NoError(t, err, s)
		assert.Equal(t, 0, first.Cmp(second), "round trip of %q", s)
	}
}

func TestFromDecimal(t *testing.T) {
	d, err := ParseAmount("2.25")
	require.NoError(t, err)

	v, err := FromDecimal(d)
	require.NoError(t, err)
	assert.Equal(t, "2250000000000000000", v.String())
	assert.True(t, ToDecimal(v).Equal(d))

	_, err = FromDecimal(d.Neg())
	assert.ErrorIs(t, err, ErrConversion)
}

func TestMaxBits(t *testing.T) {
	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), MaxBits), big.NewInt(1))

	v, err := FromDecimal(ToDecimal(maxWord))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(maxWord))

	over := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), MaxBits), big.NewInt(5))
	_, err = FromDecimal(ToDecimal(over))
	assert.ErrorIs(t, err, ErrConversion)

	_, err = ToMinorUnits(FromMinorUnits(over))
	assert.ErrorIs(t, err, ErrConversion)

	_, err = ToMinorUnits(FromMinorUnits(maxWord))
	require.NoError(t, err)
}
