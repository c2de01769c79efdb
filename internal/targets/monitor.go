// Package targets closes positions whose stop-loss or take-profit has been
// crossed by a new display price.
//
// The monitor has no schedule of its own; the price fusion engine calls it
// after every committed tick. Each close is its own trade, submitted with
// CloseAll and RequireTargets, so the close and the removal of the targets
// commit together and a position that was already closed (or lost its
// targets) between the scan and the trade is skipped rather than traded
// again. The cascade tick -> close -> tick is bounded by a depth carried in
// the context.
package targets

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/store"
)

// Kind names the level that fired.
type Kind string

const (
	StopLoss   Kind = "stop_loss"
	TakeProfit Kind = "take_profit"
)

// Trader executes the closing trade.
type Trader interface {
	ExecuteTrade(ctx context.Context, userID, assetID string, side model.Side, req exchange.Request) (*exchange.Result, error)
}

type depthKey struct{}

// WithDepth returns ctx marked as running inside cascade level n.
func WithDepth(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, depthKey{}, n)
}

// Depth returns the cascade level of ctx, 0 outside any cascade.
func Depth(ctx context.Context) int {
	n, _ := ctx.Value(depthKey{}).(int)
	return n
}

// Crossed reports which target of p, if any, the price has reached. A long
// takes profit at or above its level and stops out at or below; a short is
// mirrored. The stop-loss wins when both fire.
func Crossed(p model.Position, price decimal.Decimal) (Kind, bool) {
	switch {
	case p.Shares.IsPositive():
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return StopLoss, true
		}
		if p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit) {
			return TakeProfit, true
		}
	case p.Shares.IsNegative():
		if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
			return StopLoss, true
		}
		if p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit) {
			return TakeProfit, true
		}
	}
	return "", false
}

// Outcome is the result of one fired target.
type Outcome struct {
	UserID string
	Kind   Kind
	Result *exchange.Result
	Err    error
}

// Monitor scans positions with targets.
type Monitor struct {
	positions store.Reader
	trader    Trader
	maxDepth  int
}

// NewMonitor creates a monitor. maxDepth bounds how many nested ticks may
// fire targets; values below 1 mean 1.
func NewMonitor(r store.Reader, t Trader, maxDepth int) *Monitor {
	return &Monitor{positions: r, trader: t, maxDepth: max(maxDepth, 1)}
}

// OnPrice runs a scan for a freshly committed display price.
func (m *Monitor) OnPrice(ctx context.Context, assetID string, price decimal.Decimal) {
	m.Scan(ctx, assetID, price)
}

// Scan closes every position of assetID whose target price has crossed.
// Failures are logged per position and never stop the scan.
func (m *Monitor) Scan(ctx context.Context, assetID string, price decimal.Decimal) []Outcome {
	depth := Depth(ctx)
	if depth >= m.maxDepth {
		metrics.TargetFires.WithLabelValues("any", "depth_limited").Inc()
		slog.Warn("target cascade depth reached", "asset", assetID, "depth", depth, "price", price.String())
		return nil
	}

	positions, err := m.positions.ListPositionsWithTargets(ctx, assetID)
	if err != nil {
		slog.Error("target scan failed", "asset", assetID, "err", err)
		return nil
	}

	ctx = WithDepth(ctx, depth+1)
	var out []Outcome
	for _, p := range positions {
		kind, ok := Crossed(p, price)
		if !ok {
			continue
		}
		side := model.SideSell
		if p.Shares.IsNegative() {
			side = model.SideBuy
		}

		res, err := m.trader.ExecuteTrade(ctx, p.UserID, assetID, side, exchange.Request{
			CloseAll:       true,
			RequireTargets: true,
			Origin:         "target:" + string(kind),
		})
		o := Outcome{UserID: p.UserID, Kind: kind, Result: res, Err: err}

		switch {
		case err == nil:
			metrics.TargetFires.WithLabelValues(string(kind), "closed").Inc()
			slog.Info("target fired", "user", p.UserID, "asset", assetID, "kind", kind, "price", price.String(), "trade_id", res.Trade.ID)
		case errors.Is(err, exchange.ErrTargetsCleared), errors.Is(err, exchange.ErrPositionNotFound):
			// Closed or re-targeted since the scan read it.
			metrics.TargetFires.WithLabelValues(string(kind), "skipped").Inc()
			slog.Debug("target already cleared", "user", p.UserID, "asset", assetID, "kind", kind)
		default:
			metrics.TargetFires.WithLabelValues(string(kind), "failed").Inc()
			slog.Warn("target close failed", "user", p.UserID, "asset", assetID, "kind", kind, "err", err)
		}
		out = append(out, o)
	}
	return out
}
