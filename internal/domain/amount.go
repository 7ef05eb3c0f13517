package domain

import "math/big"

// FeePrecision is the fixed-point denominator for fee rates: a rate of
// 10_000 is 1%.
const FeePrecision = 1_000_000

// BpsDenom is the basis-point denominator.
const BpsDenom = 10_000

// Zero returns a fresh zero amount.
func Zero() *big.Int { return new(big.Int) }

// Clone copies v into a fresh big.Int. A nil v clones to zero, so map
// lookups can be cloned directly.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

// MulDiv computes a*b/c in arbitrary precision, truncating toward zero.
// All share and base-amount conversions round this way so the vault never
// pays out more than the exact quotient.
func MulDiv(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, c)
}

// ApplyRate applies a FeePrecision fixed-point rate to amount, truncating
// toward zero.
func ApplyRate(amount *big.Int, rate int64) *big.Int {
	return MulDiv(amount, big.NewInt(rate), big.NewInt(FeePrecision))
}

// ClampZero returns v, or zero when v is negative. v is returned as-is, not
// copied.
func ClampZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}
