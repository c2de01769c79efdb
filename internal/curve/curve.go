// Package curve implements the linear bonding curve that prices every
// synthetic asset:
//
//	price(S) = P0 + k*S,  k > 0
//
// Supply S is one continuous axis shared by longs and shorts. Buying (or
// covering a short) moves S up; selling (or opening a short) moves S down.
// A position flip is therefore a single traversal of the curve and is never
// special-cased at S = 0.
//
// The forward functions are polynomials and are evaluated exactly in decimal.
// The inverses seed from the float64 closed form and refine with Newton steps
// in decimal, so re-applying the forward function reproduces the input.
package curve

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSlope is returned when k <= 0.
	ErrInvalidSlope = errors.New("curve: slope k must be positive")

	// ErrNonPositiveAmount is returned when a requested amount is <= 0.
	ErrNonPositiveAmount = errors.New("curve: amount must be positive")

	// ErrUnsatisfiable is returned when no supply delta on the curve can
	// produce the requested amount (negative discriminant, or the trade would
	// drive the marginal price below zero).
	ErrUnsatisfiable = errors.New("curve: curve cannot satisfy request")
)

// ShareScale is the number of decimal places shares are stored with.
var ShareScale int32 = 8

// MoneyScale is the number of decimal places currency amounts are stored with.
var MoneyScale int32 = 8

// refineScale bounds intermediate precision of the Newton refinement.
const refineScale int32 = 24

var (
	two  = decimal.NewFromInt(2)
	half = decimal.NewFromFloat(0.5)
)

// Params are the curve parameters of one asset.
type Params struct {
	P0 decimal.Decimal
	K  decimal.Decimal
}

// Validate checks that the curve is well formed.
func (p Params) Validate() error {
	if p.K.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidSlope
	}
	return nil
}

// MarginalPrice returns P0 + k*S.
func MarginalPrice(p0, k, s decimal.Decimal) decimal.Decimal {
	return p0.Add(k.Mul(s))
}

// BuyCost is the integral of price from s0 to s0+ds:
//
//	P0*ds + k/2*((s0+ds)^2 - s0^2)
func BuyCost(p0, k, s0, ds decimal.Decimal) decimal.Decimal {
	s1 := s0.Add(ds)
	return p0.Mul(ds).Add(k.Mul(half).Mul(s1.Mul(s1).Sub(s0.Mul(s0))))
}

// SellRevenue is the integral of price from s0-ds to s0:
//
//	P0*ds + k/2*(s0^2 - (s0-ds)^2)
func SellRevenue(p0, k, s0, ds decimal.Decimal) decimal.Decimal {
	s1 := s0.Sub(ds)
	return p0.Mul(ds).Add(k.Mul(half).Mul(s0.Mul(s0).Sub(s1.Mul(s1))))
}

// CheckSell rejects a sell of ds from s0 that would end below the zero-price
// point, where the revenue integral stops being monotonic.
func CheckSell(p0, k, s0, ds decimal.Decimal) error {
	if MarginalPrice(p0, k, s0.Sub(ds)).IsNegative() {
		return ErrUnsatisfiable
	}
	return nil
}

// AnchorP0 returns the P0 that makes MarginalPrice(P0, k, supply) == target.
// The curve is shifted, never rescaled.
func AnchorP0(k, supply, target decimal.Decimal) decimal.Decimal {
	return target.Sub(k.Mul(supply))
}

// SolveSharesForNetCost inverts BuyCost: it returns ds > 0 such that
// BuyCost(p0, k, s0, ds) == cost. It solves
//
//	k/2*ds^2 + (P0 + k*s0)*ds - cost = 0
//
// for the positive root.
func SolveSharesForNetCost(p0, k, s0, cost decimal.Decimal) (decimal.Decimal, error) {
	if k.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidSlope
	}
	if cost.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositiveAmount
	}

	m := MarginalPrice(p0, k, s0).InexactFloat64()
	kf := k.InexactFloat64()
	cf := cost.InexactFloat64()

	disc := m*m + 2*kf*cf
	if disc < 0 {
		return decimal.Zero, ErrUnsatisfiable
	}
	root := math.Sqrt(disc)

	// Pick the cancellation-free form of the positive root.
	var seed float64
	if m >= 0 {
		seed = 2 * cf / (m + root)
	} else {
		seed = (root - m) / kf
	}

	ds := refine(decimal.NewFromFloat(seed), cost, func(x decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return BuyCost(p0, k, s0, x), MarginalPrice(p0, k, s0.Add(x))
	})
	if !ds.IsPositive() {
		return decimal.Zero, ErrUnsatisfiable
	}
	return ds, nil
}

// SolveSharesForRevenue inverts SellRevenue: it returns ds > 0 such that
// SellRevenue(p0, k, s0, ds) == revenue. It solves
//
//	k/2*ds^2 - (P0 + k*s0)*ds + revenue = 0
//
// for the smaller root, which keeps the end price non-negative.
func SolveSharesForRevenue(p0, k, s0, revenue decimal.Decimal) (decimal.Decimal, error) {
	if k.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidSlope
	}
	if revenue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositiveAmount
	}

	m := MarginalPrice(p0, k, s0).InexactFloat64()
	if m <= 0 {
		return decimal.Zero, ErrUnsatisfiable
	}
	kf := k.InexactFloat64()
	rf := revenue.InexactFloat64()

	disc := m*m - 2*kf*rf
	if disc < 0 {
		return decimal.Zero, ErrUnsatisfiable
	}
	seed := 2 * rf / (m + math.Sqrt(disc))

	ds := refine(decimal.NewFromFloat(seed), revenue, func(x decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return SellRevenue(p0, k, s0, x), MarginalPrice(p0, k, s0.Sub(x))
	})
	if !ds.IsPositive() {
		return decimal.Zero, ErrUnsatisfiable
	}
	if err := CheckSell(p0, k, s0, ds); err != nil {
		return decimal.Zero, err
	}
	return ds, nil
}

// refine runs Newton iterations x' = x - (f(x)-target)/f'(x) in decimal.
// The float64 seed is already within ~1e-15 relative, so a few steps reach
// decimal precision.
func refine(x, target decimal.Decimal, fn func(decimal.Decimal) (value, slope decimal.Decimal)) decimal.Decimal {
	for i := 0; i < 3; i++ {
		value, slope := fn(x)
		if slope.IsZero() {
			break
		}
		step := value.Sub(target).DivRound(slope, refineScale)
		if step.IsZero() {
			break
		}
		x = x.Sub(step)
	}
	return x.Round(refineScale)
}

// AveragePrice returns amount/shares rounded to MoneyScale, or zero when
// shares is zero.
func AveragePrice(amount, shares decimal.Decimal) decimal.Decimal {
	if shares.IsZero() {
		return decimal.Zero
	}
	return amount.DivRound(shares.Abs(), MoneyScale)
}

// RoundShares truncates a share quantity to ShareScale.
func RoundShares(ds decimal.Decimal) decimal.Decimal {
	return ds.Truncate(ShareScale)
}

// RoundSharesUp rounds a share quantity up to ShareScale.
func RoundSharesUp(ds decimal.Decimal) decimal.Decimal {
	return ds.RoundUp(ShareScale)
}

// RoundMoney rounds a currency amount to MoneyScale.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// RoundMoneyUp rounds a currency amount up (away from zero) to MoneyScale.
func RoundMoneyUp(v decimal.Decimal) decimal.Decimal {
	return v.RoundUp(MoneyScale)
}

// RoundMoneyDown truncates a currency amount to MoneyScale. Amounts paid out
// of the pool round down.
func RoundMoneyDown(v decimal.Decimal) decimal.Decimal {
	return v.Truncate(MoneyScale)
}

// Twice returns 2*v. Short collateral is locked at twice the proceeds.
func Twice(v decimal.Decimal) decimal.Decimal {
	return v.Mul(two)
}
