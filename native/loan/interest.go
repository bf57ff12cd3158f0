package loan

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// SecondsPerDay is the accrual period. Any started day counts in full.
const SecondsPerDay = 86_400

var errObligationOverflow = errors.New("loan: obligation overflows 256 bits")

// ElapsedDays returns ceil(max(0, now-startedAt) / SecondsPerDay).
func ElapsedDays(startedAt, now uint64) uint64 {
	if now <= startedAt {
		return 0
	}
	elapsed := now - startedAt
	return elapsed/SecondsPerDay + boolToUint(elapsed%SecondsPerDay != 0)
}

// CeilDiv returns ceil(a / b). b must be non-zero.
func CeilDiv(a, b *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a, b, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// Interest returns ceil(principal * numerator * days / denominator).
func Interest(principal *big.Int, rate Rate, days uint64) (*big.Int, error) {
	if rate.Denominator == 0 {
		return nil, errors.New("loan: zero rate denominator")
	}
	if principal == nil || principal.Sign() <= 0 || rate.Numerator == 0 || days == 0 {
		return big.NewInt(0), nil
	}
	p, overflow := uint256.FromBig(principal)
	if overflow {
		return nil, errObligationOverflow
	}
	product, overflow := new(uint256.Int).MulOverflow(p, uint256.NewInt(uint64(rate.Numerator)))
	if overflow {
		return nil, errObligationOverflow
	}
	product, overflow = product.MulOverflow(product, uint256.NewInt(days))
	if overflow {
		return nil, errObligationOverflow
	}
	return CeilDiv(product, uint256.NewInt(uint64(rate.Denominator))).ToBig(), nil
}

// Obligation returns principal plus interest accrued between startedAt and
// now under terms.
func Obligation(terms Terms, startedAt, now uint64) (*big.Int, error) {
	principal := cloneAmount(terms.Principal)
	interest, err := Interest(principal, terms.Rate, ElapsedDays(startedAt, now))
	if err != nil {
		return nil, err
	}
	owed, overflow := new(uint256.Int).AddOverflow(uint256.MustFromBig(principal), uint256.MustFromBig(interest))
	if overflow {
		return nil, errObligationOverflow
	}
	return owed.ToBig(), nil
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
