package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/pool"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/symbol"
)

// NewAsset describes an asset to list.
type NewAsset struct {
	Symbol string            `json:"symbol"`
	P0     decimal.Decimal   `json:"p0"`
	K      decimal.Decimal   `json:"k"`
	Status model.AssetStatus `json:"status,omitempty"`
}

// CreateAsset lists a new asset at zero supply. All three prices start at
// P0. Status defaults to funding.
func (e *Engine) CreateAsset(ctx context.Context, in NewAsset) (*model.Asset, error) {
	sym, err := symbol.Parse(in.Symbol)
	if err != nil {
		return nil, fail(KindInvalidRequest, "%v", err)
	}
	if err := (curve.Params{P0: in.P0, K: in.K}).Validate(); err != nil {
		return nil, fail(KindPricingParamsMissing, "%v", err)
	}
	status := in.Status
	if status == "" {
		status = model.AssetFunding
	}
	if status != model.AssetFunding && status != model.AssetActive {
		return nil, fail(KindInvalidRequest, "new asset cannot start %s", status)
	}

	now := e.now()
	a := &model.Asset{
		ID:               uuid.New().String(),
		Symbol:           sym.Ticker,
		Category:         sym.Category,
		P0:               in.P0,
		K:                in.K,
		TotalSupply:      decimal.Zero,
		Status:           status,
		MarketPrice:      in.P0,
		FundamentalPrice: in.P0,
		DisplayPrice:     in.P0,
		LastTickAt:       now,
		CreatedAt:        now,
	}
	err = e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAsset(ctx, a)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fail(KindAssetExists, "symbol %s already listed", sym.Ticker)
	} else if err != nil {
		return nil, err
	}

	slog.Info("asset created", "asset", a.ID, "symbol", a.Symbol, "p0", a.P0.String(), "k", a.K.String())
	e.refreshActive(ctx)
	return a, nil
}

// SetAssetStatus moves an asset along its lifecycle.
func (e *Engine) SetAssetStatus(ctx context.Context, assetID string, next model.AssetStatus) (*model.Asset, error) {
	var out *model.Asset
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAsset(ctx, assetID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindAssetNotFound, "asset %s", assetID)
		} else if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(next) {
			return fail(KindInvalidRequest, "asset %s cannot move from %s to %s", assetID, a.Status, next)
		}
		a.Status = next
		out = a
		return tx.UpdateAsset(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("asset status changed", "asset", assetID, "status", next)
	e.refreshActive(ctx)
	return out, nil
}

func (e *Engine) refreshActive(ctx context.Context) {
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return
	}
	n := 0
	for _, a := range assets {
		if a.Status.Tradeable() {
			n++
		}
	}
	metrics.ActiveAssets.Set(float64(n))
}

// Credit applies a custody-layer balance change: positive for a confirmed
// deposit, negative for a withdrawal payout.
func (e *Engine) Credit(ctx context.Context, userID string, delta decimal.Decimal, reference string) (*model.User, error) {
	if userID == "" || userID == model.TreasuryUserID {
		return nil, fail(KindInvalidRequest, "invalid wallet %q", userID)
	}
	if delta.IsZero() {
		return nil, fail(KindInvalidRequest, "delta must be non-zero")
	}
	reason := model.ReasonDeposit
	if delta.IsNegative() {
		reason = model.ReasonWithdrawal
	}

	var out *model.User
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		if delta.IsNegative() {
			u, err := tx.GetUser(ctx, userID)
			if errors.Is(err, store.ErrNotFound) {
				return short(KindInsufficientFunds, delta.Neg(), "wallet %s is empty", userID)
			} else if err != nil {
				return err
			}
			if rest := u.Balance.Add(delta); rest.IsNegative() {
				return short(KindInsufficientFunds, rest.Neg(), "wallet %s holds %s", userID, u.Balance)
			}
		}
		u, err := tx.AdjustBalance(ctx, userID, delta, reason, reference)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TargetWatcher is given an asset's current display price right after a
// position on it gained a target, so a level that is already crossed fires
// without waiting for the next tick.
type TargetWatcher interface {
	OnPrice(ctx context.Context, assetID string, displayPrice decimal.Decimal)
}

// WatchTargets registers w to run after SetTargets.
func (e *Engine) WatchTargets(w TargetWatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, w)
}

// SetTargets replaces the stop-loss and take-profit of an open position.
// Nil clears a level. The returned position is the one written; a watcher
// may have closed it by the time SetTargets returns.
func (e *Engine) SetTargets(ctx context.Context, userID, assetID string, stopLoss, takeProfit *decimal.Decimal) (*model.Position, error) {
	for name, v := range map[string]*decimal.Decimal{"stop_loss": stopLoss, "take_profit": takeProfit} {
		if v != nil && !v.IsPositive() {
			return nil, fail(KindInvalidRequest, "%s must be positive", name)
		}
	}

	var out *model.Position
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPosition(ctx, userID, assetID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindPositionNotFound, "no position for %s on %s", userID, assetID)
		} else if err != nil {
			return err
		}
		p.StopLoss, p.TakeProfit = stopLoss, takeProfit
		p.UpdatedAt = e.now()
		out = p
		return tx.PutPosition(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	if out.HasTargets() {
		e.checkTargets(ctx, assetID)
	}
	return out, nil
}

func (e *Engine) checkTargets(ctx context.Context, assetID string) {
	e.mu.RLock()
	watchers := append([]TargetWatcher(nil), e.watchers...)
	e.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}

	ctx, cancel := e.settleContext(ctx)
	defer cancel()
	a, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		slog.Warn("target check skipped", "asset", assetID, "err", err)
		return
	}
	for _, w := range watchers {
		w.OnPrice(ctx, assetID, a.DisplayPrice)
	}
}

// SweepTreasury moves the platform fees accrued on every pool into the
// treasury wallet, one asset per transaction, and returns the total moved.
// Trades never touch the treasury wallet themselves.
func (e *Engine) SweepTreasury(ctx context.Context) (decimal.Decimal, error) {
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	var errs []error
	for _, a := range assets {
		var moved decimal.Decimal
		err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
			m, err := pool.SweepTreasury(ctx, tx, a.ID)
			moved = m
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", a.ID, err))
			continue
		}
		total = total.Add(moved)
	}
	if total.IsPositive() {
		metrics.TreasurySwept.Add(total.InexactFloat64())
		slog.Info("treasury swept", "amount", total.String())
	}
	return total, errors.Join(errs...)
}

// Contribute adds liquidity to an asset's pool from the user's wallet.
func (e *Engine) Contribute(ctx context.Context, userID, assetID string, amount decimal.Decimal) (*model.LPShare, error) {
	if !amount.IsPositive() {
		return nil, fail(KindInvalidRequest, "amount must be positive")
	}
	var out *model.LPShare
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAsset(ctx, assetID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindAssetNotFound, "asset %s", assetID)
		} else if err != nil {
			return err
		}
		if a.Status == model.AssetCancelled {
			return fail(KindAssetNotTradeable, "asset %s is cancelled", assetID)
		}
		share, err := pool.Contribute(ctx, tx, assetID, userID, amount)
		out = share
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("liquidity contributed", "asset", assetID, "user", userID, "amount", amount.String(), "lp_shares", out.LPShares.String())
	return out, nil
}

// Portfolio marks every open position of userID to its asset's display
// price. Longs gain as price rises above entry; shorts as it falls below.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	out := &model.Portfolio{
		UserID:        userID,
		Balance:       decimal.Zero,
		Positions:     []model.PositionView{},
		TotalPnL:      decimal.Zero,
		TotalExposure: decimal.Zero,
		LockedMargin:  decimal.Zero,
	}

	u, err := e.store.GetUser(ctx, userID)
	if err == nil {
		out.Balance = u.Balance
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	positions, err := e.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		a, err := e.store.GetAsset(ctx, p.AssetID)
		if err != nil {
			return nil, err
		}
		notional := p.Shares.Mul(a.DisplayPrice)
		pnl := a.DisplayPrice.Sub(p.AvgEntryPrice).Mul(p.Shares)
		out.Positions = append(out.Positions, model.PositionView{
			Position:      p,
			Symbol:        a.Symbol,
			DisplayPrice:  a.DisplayPrice,
			Notional:      curve.RoundMoney(notional),
			UnrealizedPnL: curve.RoundMoney(pnl),
		})
		out.TotalPnL = out.TotalPnL.Add(curve.RoundMoney(pnl))
		out.TotalExposure = out.TotalExposure.Add(curve.RoundMoney(notional.Abs()))
		out.LockedMargin = out.LockedMargin.Add(p.Collateral)
	}
	return out, nil
}
