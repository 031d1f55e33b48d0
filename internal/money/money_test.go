package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareOfRoundsHalfUp(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int
		want   int64
	}{
		{amount: 10000, bps: 5000, want: 5000},
		{amount: 333, bps: 5000, want: 167},
		{amount: 1, bps: 5000, want: 1},
		{amount: 1, bps: 4999, want: 0},
		{amount: 12345, bps: 10000, want: 12345},
		{amount: 12345, bps: 0, want: 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ShareOf(tc.amount, tc.bps), "amount=%d bps=%d", tc.amount, tc.bps)
	}
}

func TestComputeConservesAmount(t *testing.T) {
	split, err := Compute(333, 5000, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(167), split.Refund)
	assert.Equal(t, int64(166), split.Vendor)
	assert.Equal(t, int64(0), split.PlatformFee)

	split, err = Compute(10000, 3000, 6500)
	require.NoError(t, err)
	assert.Equal(t, Split{Refund: 3000, Vendor: 6500, PlatformFee: 500}, split)

	split, err = Compute(10000, 7000, 9000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), split.Vendor)
}

func TestPercentToBps(t *testing.T) {
	bps, err := PercentToBps(62.5)
	require.NoError(t, err)
	assert.Equal(t, 6250, bps)

	_, err = PercentToBps(100.01)
	require.ErrorIs(t, err, ErrInvalidPercent)
	_, err = PercentToBps(-1)
	require.ErrorIs(t, err, ErrInvalidPercent)
}

func TestMajorToMinorUsesCurrencyScale(t *testing.T) {
	usd, err := MajorToMinor(25, "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), usd)

	jpy, err := MajorToMinor(25, "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(25), jpy)

	_, err = MajorToMinor(25, "XXQ")
	require.Error(t, err)
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "123.45", FormatMinor(12345, "USD"))
	assert.Equal(t, "0.05", FormatMinor(5, "USD"))
	assert.Equal(t, "500", FormatMinor(500, "JPY"))
}
