// Package fees computes the operator's basis-point split of a
// settlement amount using checked integer arithmetic.
package fees

import (
	"math"

	"github.com/ksred/escrow-api/internal/types"
)

// Divisor converts basis points to a fraction (1 bp = 1/10000).
const Divisor = 10_000

// Split returns (fee, net) for the given amount such that
// fee = floor(amount * basisPoints / 10000) and fee + net == amount.
// Amounts are base-denomination units; multiplication overflow is
// rejected rather than wrapped.
func Split(amount, basisPoints uint64) (uint64, uint64, error) {
	if basisPoints > 0 && amount > math.MaxUint64/basisPoints {
		return 0, 0, types.ErrInvalidAmount
	}
	fee := amount * basisPoints / Divisor
	return fee, amount - fee, nil
}
