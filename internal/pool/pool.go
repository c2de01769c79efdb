// Package pool manages the per-asset liquidity pools: LP share minting on
// contribution and fee distribution after each trade.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/store"
)

var (
	// ErrInvalidLPShare is returned when the LP fee share is outside [0, 1].
	ErrInvalidLPShare = errors.New("pool: lp fee share must be within [0, 1]")

	// ErrNonPositiveAmount is returned for contributions <= 0.
	ErrNonPositiveAmount = errors.New("pool: amount must be positive")

	// ErrShareSumMismatch signals a broken pool invariant: the LP share
	// records do not add up to the pool total.
	ErrShareSumMismatch = errors.New("pool: lp share sum does not match pool total")
)

// Split is a fee divided between liquidity providers and the treasury.
type Split struct {
	LP       decimal.Decimal
	Platform decimal.Decimal
}

// SplitFee divides fee with lpShare going to liquidity providers. The LP
// part rounds down; the treasury takes the remainder so nothing is lost.
func SplitFee(fee, lpShare decimal.Decimal) Split {
	lp := curve.RoundMoneyDown(fee.Mul(lpShare))
	return Split{LP: lp, Platform: fee.Sub(lp)}
}

// Allocation is one provider's part of a distributed amount.
type Allocation struct {
	UserID string
	Amount decimal.Decimal
}

// Distribute allocates amount across holders pro rata to their LP shares at
// a resolution of 10^-scale. Units lost to flooring are handed out one at a
// time by largest remainder, ties broken by user id, so the allocations sum
// to amount exactly. Holders with no shares receive nothing.
func Distribute(amount decimal.Decimal, holders []model.LPShare, scale int32) []Allocation {
	units := amount.Shift(scale).Truncate(0)
	if !units.IsPositive() {
		return nil
	}

	type entry struct {
		userID    string
		units     decimal.Decimal
		remainder decimal.Decimal
	}
	entries := make([]entry, 0, len(holders))
	denominator := decimal.Zero
	for _, h := range holders {
		if !h.LPShares.IsPositive() {
			continue
		}
		entries = append(entries, entry{userID: h.UserID})
		denominator = denominator.Add(h.LPShares)
	}
	if denominator.IsZero() {
		return nil
	}

	distributed := decimal.Zero
	i := 0
	for _, h := range holders {
		if !h.LPShares.IsPositive() {
			continue
		}
		q, r := units.Mul(h.LPShares).QuoRem(denominator, 0)
		entries[i].units = q
		entries[i].remainder = r
		distributed = distributed.Add(q)
		i++
	}

	leftover := units.Sub(distributed).IntPart()
	if leftover > 0 {
		order := make([]int, len(entries))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			ea, eb := entries[order[a]], entries[order[b]]
			if c := ea.remainder.Cmp(eb.remainder); c != 0 {
				return c > 0
			}
			return ea.userID < eb.userID
		})
		for n := 0; leftover > 0; n++ {
			idx := order[n%len(order)]
			entries[idx].units = entries[idx].units.Add(decimal.NewFromInt(1))
			leftover--
		}
	}

	out := make([]Allocation, 0, len(entries))
	for _, e := range entries {
		if e.units.IsZero() {
			continue
		}
		out = append(out, Allocation{UserID: e.userID, Amount: e.units.Shift(-scale)})
	}
	return out
}

// FeeOutcome reports how a trade fee was routed.
type FeeOutcome struct {
	Fee         decimal.Decimal
	LP          decimal.Decimal
	Platform    decimal.Decimal
	Allocations []Allocation
}

// Distributor routes trade fees inside the trade's transaction.
type Distributor struct {
	// LPShare is the fraction of each fee credited to liquidity providers.
	LPShare decimal.Decimal
}

// NewDistributor validates lpShare and returns a Distributor.
func NewDistributor(lpShare decimal.Decimal) (*Distributor, error) {
	if lpShare.IsNegative() || lpShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidLPShare
	}
	return &Distributor{LPShare: lpShare}, nil
}

// Apply routes fee for a trade on p's asset. The LP part is credited to the
// pool reserve and to each provider's unclaimed rewards pro rata; the
// platform part accrues on the pool row until SweepTreasury moves it to the
// treasury wallet. With no providers the whole fee is platform share. Apply
// writes only rows scoped to p's asset. p is mutated in place and must be
// persisted by the caller.
//
// This scans every provider of the pool, so trade latency grows with the
// number of holders.
// TODO: accrue into a per-pool reward index and let providers settle lazily.
func (d *Distributor) Apply(ctx context.Context, tx store.Tx, p *model.LiquidityPool, fee decimal.Decimal) (*FeeOutcome, error) {
	out := &FeeOutcome{Fee: fee, LP: decimal.Zero, Platform: decimal.Zero}
	if !fee.IsPositive() {
		return out, nil
	}

	holders, err := tx.ListLPShares(ctx, p.AssetID)
	if err != nil {
		return nil, fmt.Errorf("list lp shares: %w", err)
	}
	if err := CheckShareSum(p, holders); err != nil {
		return nil, err
	}

	split := SplitFee(fee, d.LPShare)
	if split.LP.IsPositive() {
		out.Allocations = Distribute(split.LP, holders, curve.MoneyScale)
	}
	if len(out.Allocations) == 0 {
		split = Split{LP: decimal.Zero, Platform: fee}
	}
	out.LP, out.Platform = split.LP, split.Platform

	byUser := make(map[string]decimal.Decimal, len(out.Allocations))
	for _, a := range out.Allocations {
		byUser[a.UserID] = a.Amount
	}
	for i := range holders {
		amt, ok := byUser[holders[i].UserID]
		if !ok {
			continue
		}
		holders[i].UnclaimedRewards = holders[i].UnclaimedRewards.Add(amt)
		if err := tx.PutLPShare(ctx, &holders[i]); err != nil {
			return nil, fmt.Errorf("credit lp reward: %w", err)
		}
	}
	p.TotalReserve = p.TotalReserve.Add(out.LP)
	p.TreasuryAccrued = p.TreasuryAccrued.Add(out.Platform)
	return out, nil
}

// SweepTreasury moves the platform fees accrued on assetID's pool into the
// treasury wallet and returns the amount moved. A missing pool sweeps
// nothing.
func SweepTreasury(ctx context.Context, tx store.Tx, assetID string) (decimal.Decimal, error) {
	p, err := tx.GetPool(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, err
	}
	amt := p.TreasuryAccrued
	if !amt.IsPositive() {
		return decimal.Zero, nil
	}
	if _, err := tx.AdjustBalance(ctx, model.TreasuryUserID, amt, model.ReasonPlatformFee, "sweep:"+assetID); err != nil {
		return decimal.Zero, fmt.Errorf("credit treasury: %w", err)
	}
	p.TreasuryAccrued = decimal.Zero
	if err := tx.PutPool(ctx, p); err != nil {
		return decimal.Zero, err
	}
	return amt, nil
}

// CheckShareSum verifies sum(holders.LPShares) == p.TotalLPShares.
func CheckShareSum(p *model.LiquidityPool, holders []model.LPShare) error {
	sum := decimal.Zero
	for _, h := range holders {
		sum = sum.Add(h.LPShares)
	}
	if !sum.Equal(p.TotalLPShares) {
		return fmt.Errorf("%w: asset %s holders %s pool %s", ErrShareSumMismatch, p.AssetID, sum, p.TotalLPShares)
	}
	return nil
}

// Contribute adds amount from userID's wallet to the asset's pool and mints
// LP shares at the pool's current share price (1:1 for an empty pool). The
// pool row is created on first contribution.
func Contribute(ctx context.Context, tx store.Tx, assetID, userID string, amount decimal.Decimal) (*model.LPShare, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	p, err := tx.GetPool(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		p = &model.LiquidityPool{AssetID: assetID}
	} else if err != nil {
		return nil, err
	}

	holders, err := tx.ListLPShares(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if err := CheckShareSum(p, holders); err != nil {
		return nil, err
	}

	minted := amount
	if p.TotalLPShares.IsPositive() && p.TotalReserve.IsPositive() {
		minted = amount.Mul(p.TotalLPShares).Div(p.TotalReserve).Truncate(curve.ShareScale)
	}
	if !minted.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	if _, err := tx.AdjustBalance(ctx, userID, amount.Neg(), model.ReasonLPContribution, assetID); err != nil {
		return nil, err
	}

	share := &model.LPShare{UserID: userID, AssetID: assetID, LPShares: decimal.Zero, UnclaimedRewards: decimal.Zero}
	for _, h := range holders {
		if h.UserID == userID {
			h := h
			share = &h
			break
		}
	}
	share.LPShares = share.LPShares.Add(minted)
	if err := tx.PutLPShare(ctx, share); err != nil {
		return nil, err
	}

	p.TotalReserve = p.TotalReserve.Add(amount)
	p.TotalLPShares = p.TotalLPShares.Add(minted)
	if err := tx.PutPool(ctx, p); err != nil {
		return nil, err
	}
	return share, nil
}
