// Package pricing implements the price fusion engine. Each asset carries
// three prices:
//
//   - market: the curve's marginal price P0 + k*S
//   - fundamental: an EMA of external signals
//   - display: market*w + fundamental*(1-w), w = V/(V+V0) over trailing volume V
//
// A tick recomputes all three. Ticks are triggered by trade settlement, by an
// accepted fundamental signal, and by a heartbeat for assets that have not
// ticked recently. A signal also re-anchors the curve so that its marginal
// price at the current supply equals the new fundamental.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/volume"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// ErrSignalRejected wraps every signal validation failure.
var ErrSignalRejected = errors.New("pricing: signal rejected")

// Config holds the fusion parameters.
type Config struct {
	EMABeta             decimal.Decimal
	VolumeV0            decimal.Decimal
	HeartbeatStaleAfter time.Duration
	MinConfidence       decimal.Decimal
	MaxDeltaPercent     decimal.Decimal
	ExecTimeout         time.Duration
	MaxRetries          int
}

// TickSink receives every committed tick (WebSocket hub, NATS publisher).
type TickSink interface {
	OnTick(ctx context.Context, t model.PriceTick)
}

// TickSinkFunc adapts a function to TickSink.
type TickSinkFunc func(ctx context.Context, t model.PriceTick)

func (f TickSinkFunc) OnTick(ctx context.Context, t model.PriceTick) { f(ctx, t) }

// PriceObserver is invoked synchronously with each new display price, after
// the tick has committed.
type PriceObserver interface {
	OnPrice(ctx context.Context, assetID string, displayPrice decimal.Decimal)
}

// Engine recomputes and persists asset prices.
type Engine struct {
	store  store.Store
	volume volume.Cache
	cfg    Config
	now    func() time.Time

	mu        sync.RWMutex
	sinks     []TickSink
	observers []PriceObserver
}

// NewEngine creates a fusion engine.
func NewEngine(st store.Store, vc volume.Cache, cfg Config) (*Engine, error) {
	if cfg.EMABeta.LessThanOrEqual(decimal.Zero) || cfg.EMABeta.GreaterThan(one) {
		return nil, fmt.Errorf("pricing: ema beta must be in (0, 1], got %s", cfg.EMABeta)
	}
	if !cfg.VolumeV0.IsPositive() {
		return nil, fmt.Errorf("pricing: volume v0 must be positive, got %s", cfg.VolumeV0)
	}
	return &Engine{
		store:  st,
		volume: vc,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// AddSink registers a tick sink.
func (e *Engine) AddSink(s TickSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Observe registers a price observer.
func (e *Engine) Observe(o PriceObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// EMA returns beta*next + (1-beta)*prev.
func EMA(prev, next, beta decimal.Decimal) decimal.Decimal {
	return next.Mul(beta).Add(prev.Mul(one.Sub(beta)))
}

// Weight returns the market-price weight v/(v+v0), in [0, 1).
func Weight(v, v0 decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	return v.DivRound(v.Add(v0), 16)
}

// Blend returns market*w + fundamental*(1-w) at money scale.
func Blend(market, fundamental, w decimal.Decimal) decimal.Decimal {
	return curve.RoundMoney(market.Mul(w).Add(fundamental.Mul(one.Sub(w))))
}

// OnSettlement adds the trade's value to the volume cache and ticks the
// asset. It runs after the trade committed, in its own transaction.
func (e *Engine) OnSettlement(ctx context.Context, s model.Settlement) {
	value := s.Quantity.Abs().Mul(s.Price)
	if err := e.volume.Increment(ctx, s.AssetID, value, s.Timestamp); err != nil {
		slog.Warn("volume increment failed", "asset", s.AssetID, "err", err)
	}
	if _, err := e.Tick(ctx, s.AssetID, model.TriggerTrade, nil); err != nil {
		slog.Error("trade tick failed", "asset", s.AssetID, "trade_id", s.TradeID, "err", err)
	}
}

// ValidateSignal checks a signal against the configured bounds.
func (e *Engine) ValidateSignal(sig model.Signal) error {
	switch {
	case sig.AssetID == "":
		return fmt.Errorf("%w: missing asset id", ErrSignalRejected)
	case sig.DeltaPercent.Abs().GreaterThan(e.cfg.MaxDeltaPercent):
		return fmt.Errorf("%w: delta %s%% out of range", ErrSignalRejected, sig.DeltaPercent)
	case sig.Confidence.GreaterThan(one) || sig.Confidence.IsNegative():
		return fmt.Errorf("%w: confidence %s outside [0, 1]", ErrSignalRejected, sig.Confidence)
	case sig.Confidence.LessThan(e.cfg.MinConfidence):
		return fmt.Errorf("%w: confidence %s below %s", ErrSignalRejected, sig.Confidence, e.cfg.MinConfidence)
	case len(sig.Summary) > 4096:
		return fmt.Errorf("%w: summary too long", ErrSignalRejected)
	}
	for _, src := range sig.Sources {
		if src == "" {
			return fmt.Errorf("%w: empty source", ErrSignalRejected)
		}
	}
	return nil
}

// OnSignal applies a fundamental signal. Invalid signals return an error
// wrapping ErrSignalRejected and change nothing.
func (e *Engine) OnSignal(ctx context.Context, sig model.Signal) (*model.PriceTick, error) {
	if err := e.ValidateSignal(sig); err != nil {
		metrics.SignalsDropped.WithLabelValues("invalid").Inc()
		return nil, err
	}
	return e.Tick(ctx, sig.AssetID, model.TriggerSignal, &sig)
}

// Heartbeat ticks every tradeable asset whose last tick is older than the
// staleness bound.
func (e *Engine) Heartbeat(ctx context.Context) error {
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return err
	}
	cutoff := e.now().Add(-e.cfg.HeartbeatStaleAfter)
	var errs []error
	for _, a := range assets {
		if !a.Status.Tradeable() || a.LastTickAt.After(cutoff) {
			continue
		}
		if _, err := e.Tick(ctx, a.ID, model.TriggerHeartbeat, nil); err != nil {
			errs = append(errs, fmt.Errorf("asset %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// CurrentDisplayPrice returns the last committed display price.
func (e *Engine) CurrentDisplayPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	a, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.DisplayPrice, nil
}

// Tick recomputes the prices of assetID in one transaction and records a
// tick. sig, when set, first moves the fundamental and re-anchors P0.
// Sinks and observers run after the commit.
func (e *Engine) Tick(ctx context.Context, assetID string, trigger model.TickTrigger, sig *model.Signal) (*model.PriceTick, error) {
	vol, err := e.volume.Volume(ctx, assetID)
	if err != nil {
		slog.Warn("volume unavailable, blending on fundamental", "asset", assetID, "err", err)
		vol = decimal.Zero
	}
	w := Weight(vol, e.cfg.VolumeV0)

	var tick *model.PriceTick
	err = store.RunWithRetry(ctx, e.store, store.RetryPolicy{
		MaxRetries: e.cfg.MaxRetries,
		Timeout:    e.cfg.ExecTimeout,
		OnRetry: func(err error, wait time.Duration) {
			metrics.TxRetries.Inc()
		},
	}, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		t, err := e.recompute(a, trigger, sig, vol, w)
		if err != nil {
			return err
		}
		if err := tx.UpdateAsset(ctx, a); err != nil {
			return err
		}
		if err := tx.InsertTick(ctx, t); err != nil {
			return err
		}
		tick = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PriceTicks.WithLabelValues(string(trigger)).Inc()
	slog.Debug("price tick",
		"asset", assetID,
		"trigger", trigger,
		"market", tick.MarketPrice.String(),
		"fundamental", tick.FundamentalPrice.String(),
		"display", tick.DisplayPrice.String(),
	)
	e.fanOut(ctx, *tick)
	return tick, nil
}

// recompute mutates a's price fields and returns the tick describing them.
func (e *Engine) recompute(a *model.Asset, trigger model.TickTrigger, sig *model.Signal, vol, w decimal.Decimal) (*model.PriceTick, error) {
	fundamental := a.FundamentalPrice
	if !fundamental.IsPositive() {
		fundamental = curve.MarginalPrice(a.P0, a.K, a.TotalSupply)
	}

	if sig != nil {
		target := fundamental.Mul(one.Add(sig.DeltaPercent.Div(hundred)))
		next := curve.RoundMoney(EMA(fundamental, target, e.cfg.EMABeta))
		if !next.IsPositive() {
			return nil, fmt.Errorf("%w: fundamental would fall to %s", ErrSignalRejected, next)
		}
		fundamental = next
		a.P0 = curve.AnchorP0(a.K, a.TotalSupply, fundamental)
	}

	market := curve.MarginalPrice(a.P0, a.K, a.TotalSupply)
	now := e.now()
	a.MarketPrice = market
	a.FundamentalPrice = fundamental
	a.DisplayPrice = Blend(market, fundamental, w)
	a.LastTickAt = now

	return &model.PriceTick{
		ID:               uuid.New().String(),
		AssetID:          a.ID,
		Trigger:          trigger,
		MarketPrice:      a.MarketPrice,
		FundamentalPrice: a.FundamentalPrice,
		DisplayPrice:     a.DisplayPrice,
		Volume:           vol,
		Weight:           w,
		Supply:           a.TotalSupply,
		Timestamp:        now,
	}, nil
}

func (e *Engine) fanOut(ctx context.Context, t model.PriceTick) {
	e.mu.RLock()
	sinks := append([]TickSink(nil), e.sinks...)
	observers := append([]PriceObserver(nil), e.observers...)
	e.mu.RUnlock()

	for _, s := range sinks {
		s.OnTick(ctx, t)
	}
	for _, o := range observers {
		o.OnPrice(ctx, t.AssetID, t.DisplayPrice)
	}
}
