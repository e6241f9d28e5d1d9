package fees

import (
	"math"
	"testing"

	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	fee, net, err := Split(100_000_000, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(200_000), fee)
	require.Equal(t, uint64(99_800_000), net)
}

func TestSplitRoundsFeeDown(t *testing.T) {
	// 999 * 20 / 10000 = 1.998, fee floors to 1
	fee, net, err := Split(999, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(1), fee)
	require.Equal(t, uint64(998), net)
}

func TestSplitZeroBasisPoints(t *testing.T) {
	fee, net, err := Split(1_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fee)
	require.Equal(t, uint64(1_000_000), net)
}

func TestSplitConservesAmount(t *testing.T) {
	for _, amount := range []uint64{1, 999, 1_000_000, 123_456_789, 5_000_000_000} {
		fee, net, err := Split(amount, 20)
		require.NoError(t, err)
		require.Equal(t, amount, fee+net, "fee and net must sum to the original amount")
	}
}

func TestSplitOverflow(t *testing.T) {
	_, _, err := Split(math.MaxUint64, 20)
	require.ErrorIs(t, err, types.ErrInvalidAmount)
}
