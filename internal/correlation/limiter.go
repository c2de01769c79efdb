// Package correlation implements position limits that account for
// correlation between synthetic assets.
//
// Assets in the same category (the CATEGORY segment of SYN-{CATEGORY}-{NAME})
// tend to move together: a user short every equity index carries one large
// correlated bet, not many small ones. This package enforces a per-asset
// share limit and an aggregate limit across each category.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerAssetLimitExceeded is returned when a trade would push a single
	// asset's position beyond the per-asset maximum.
	ErrPerAssetLimitExceeded = errors.New("correlation: per-asset position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across one category beyond the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// Exposure is a user's signed share position in one asset.
type Exposure struct {
	AssetID  string
	Category string
	Shares   decimal.Decimal
}

// PositionLimiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerAsset is the maximum absolute net position in any single asset.
	MaxPerAsset decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// assets of one category.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-asset and
// correlated exposure limits.
func NewPositionLimiter(maxPerAsset, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerAsset:   maxPerAsset,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates the position a trade would leave behind.
//
// Parameters:
//   - target: the asset being traded, with Shares set to the user's position
//     after the trade
//   - current: the user's position in the target asset before the trade
//   - existing: the user's current positions (the target's entry, if any,
//     is ignored)
//
// Only growing exposure is limited; a trade that shrinks |shares| always
// passes so users can exit an over-limit position.
func (l *PositionLimiter) CheckLimit(target Exposure, current decimal.Decimal, existing []Exposure) error {
	if target.Shares.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-asset limit.
	if l.MaxPerAsset.IsPositive() && target.Shares.Abs().GreaterThan(l.MaxPerAsset) {
		return ErrPerAssetLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across the category.
	if !l.MaxCorrelated.IsPositive() || target.Category == "" {
		return nil
	}
	total := target.Shares.Abs()
	for _, e := range existing {
		if e.AssetID == target.AssetID {
			continue // already counted via target above
		}
		if e.Category == target.Category {
			total = total.Add(e.Shares.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
