package targets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/pricing"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/volume"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

func TestCrossed(t *testing.T) {
	tests := []struct {
		name  string
		pos   model.Position
		price float64
		kind  Kind
		fired bool
	}{
		{"long take profit", model.Position{Shares: d(10), TakeProfit: ptr(12)}, 12, TakeProfit, true},
		{"long below take profit", model.Position{Shares: d(10), TakeProfit: ptr(12)}, 11.99, "", false},
		{"long stop loss", model.Position{Shares: d(10), StopLoss: ptr(9)}, 8.5, StopLoss, true},
		{"short take profit", model.Position{Shares: d(-10), TakeProfit: ptr(9)}, 9, TakeProfit, true},
		{"short stop loss", model.Position{Shares: d(-10), StopLoss: ptr(11)}, 11.5, StopLoss, true},
		{"short above take profit", model.Position{Shares: d(-10), TakeProfit: ptr(9)}, 9.5, "", false},
		{"stop loss wins", model.Position{Shares: d(10), StopLoss: ptr(11), TakeProfit: ptr(10)}, 10.5, StopLoss, true},
		{"no targets", model.Position{Shares: d(10)}, 100, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, fired := Crossed(tt.pos, d(tt.price))
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

// countingTrader records every call before delegating.
type countingTrader struct {
	next Trader

	mu    sync.Mutex
	calls map[string]int
}

func (c *countingTrader) ExecuteTrade(ctx context.Context, userID, assetID string, side model.Side, req exchange.Request) (*exchange.Result, error) {
	c.mu.Lock()
	c.calls[userID]++
	c.mu.Unlock()
	return c.next.ExecuteTrade(ctx, userID, assetID, side, req)
}

type stack struct {
	ms      *store.MemoryStore
	ex      *exchange.Engine
	prices  *pricing.Engine
	monitor *Monitor
	trader  *countingTrader
	asset   *model.Asset
}

// newStack wires exchange -> pricing -> monitor -> exchange the way the
// server does.
func newStack(t *testing.T) *stack {
	return newStackOn(t, store.NewMemoryStore(), nil)
}

// newStackOn runs the exchange over wrap(ms) when wrap is set.
func newStackOn(t *testing.T, ms *store.MemoryStore, wrap func(store.Store) store.Store) *stack {
	t.Helper()
	ctx := context.Background()
	var st store.Store = ms
	if wrap != nil {
		st = wrap(ms)
	}
	ex, err := exchange.NewEngine(st, exchange.Config{
		FeeRate: decimal.Zero, LPFeeShare: d(0.7), MinTradeAmount: d(0.0001),
		DustEpsilon: d(0.000001), ExecTimeout: time.Second, MaxRetries: 5,
	}, nil)
	require.NoError(t, err)

	vc := volume.NewMemoryCache(ms, volume.Options{Window: time.Hour, TTL: time.Minute})
	prices, err := pricing.NewEngine(ms, vc, pricing.Config{
		EMABeta: d(0.3), VolumeV0: d(1000), HeartbeatStaleAfter: time.Minute,
		MinConfidence: d(0.5), MaxDeltaPercent: d(20), ExecTimeout: time.Second, MaxRetries: 5,
	})
	require.NoError(t, err)

	trader := &countingTrader{next: ex, calls: map[string]int{}}
	monitor := NewMonitor(ms, trader, 4)
	ex.Subscribe(prices)
	prices.Observe(monitor)
	ex.WatchTargets(monitor)

	a, err := ex.CreateAsset(ctx, exchange.NewAsset{Symbol: "SYN-INDEX-ALPHA", P0: d(10), K: d(0.01), Status: model.AssetActive})
	require.NoError(t, err)
	for _, u := range []string{"lp", "alice", "bob"} {
		_, err := ex.Credit(ctx, u, d(10000), "dep")
		require.NoError(t, err)
	}
	_, err = ex.Contribute(ctx, "lp", a.ID, d(10000))
	require.NoError(t, err)

	return &stack{ms: ms, ex: ex, prices: prices, monitor: monitor, trader: trader, asset: a}
}

func TestTakeProfitFiresOnceInsideCascade(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	// Buying 100 moves the display price to ~10.51, past the 10.5 target,
	// so the monitor closes the position during the buy's own tick.
	_, err := s.ex.ExecuteTrade(ctx, "alice", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(100), TakeProfit: ptr(10.5),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.trader.calls["alice"], "one close, no re-trigger")
	positions, err := s.ms.ListPositionsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := s.ms.ListTradesByUser(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	// A later scan at the same price finds nothing to fire.
	price, err := s.prices.CurrentDisplayPrice(ctx, s.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, s.monitor.Scan(ctx, s.asset.ID, price))
	assert.Empty(t, s.monitor.Scan(ctx, s.asset.ID, d(100)))
	assert.Equal(t, 1, s.trader.calls["alice"])
}

func TestStopLossOnShort(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.ex.ExecuteTrade(ctx, "bob", s.asset.ID, model.SideSell, exchange.Request{
		Mode: exchange.ModeInput, Amount: d(10), StopLoss: ptr(11),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, s.trader.calls["bob"])

	out := s.monitor.Scan(ctx, s.asset.ID, d(11.2))
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, StopLoss, out[0].Kind)
	assert.Equal(t, model.SideBuy, out[0].Result.Trade.Side)
	assert.Nil(t, out[0].Result.Position)

	// Collateral came back: 10000 - 99.5 margin + 199 collateral - 99.5 cover.
	u, err := s.ms.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(10000)), "balance %s", u.Balance)
}

func TestOneFailureDoesNotBlockOthers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		_, err := s.ex.ExecuteTrade(ctx, u, s.asset.ID, model.SideBuy, exchange.Request{
			Mode: exchange.ModeOutput, Amount: d(10), StopLoss: ptr(5),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.ms.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, "alice")
		if err != nil {
			return err
		}
		u.Blacklisted = true
		return tx.PutUser(ctx, u)
	}))

	out := s.monitor.Scan(ctx, s.asset.ID, d(4))
	require.Len(t, out, 2)

	byUser := map[string]Outcome{}
	for _, o := range out {
		byUser[o.UserID] = o
	}
	assert.True(t, errors.Is(byUser["alice"].Err, exchange.ErrUserBlacklisted))
	assert.NoError(t, byUser["bob"].Err)

	positions, err := s.ms.ListPositionsWithTargets(ctx, s.asset.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "alice", positions[0].UserID)
}

func TestDepthLimitStopsCascade(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.ex.ExecuteTrade(ctx, "bob", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(10), StopLoss: ptr(5),
	})
	require.NoError(t, err)

	assert.Nil(t, s.monitor.Scan(WithDepth(ctx, 4), s.asset.ID, d(1)))
	assert.Equal(t, 0, s.trader.calls["bob"])

	out := s.monitor.Scan(WithDepth(ctx, 3), s.asset.ID, d(1))
	require.Len(t, out, 1)
	assert.NoError(t, out[0].Err)
}

// cancelOnCommit cancels the armed context once the next transaction
// commits, as a client hanging up right after its trade would.
type cancelOnCommit struct {
	store.Store

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *cancelOnCommit) arm(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *cancelOnCommit) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := s.Store.RunInTx(ctx, fn)
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if err == nil && cancel != nil {
		cancel()
	}
	return err
}

func TestCascadeRunsAfterCallerCancels(t *testing.T) {
	cs := &cancelOnCommit{}
	s := newStackOn(t, store.NewMemoryStore(), func(st store.Store) store.Store {
		cs.Store = st
		return cs
	})
	bg := context.Background()

	_, err := s.ex.ExecuteTrade(bg, "alice", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(10), TakeProfit: ptr(11),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	cs.arm(cancel)
	_, err = s.ex.ExecuteTrade(ctx, "bob", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(500),
	})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	// The big buy ticked the price past 11 and the take-profit closed
	// alice's 10 shares, leaving bob's 500.
	positions, err := s.ms.ListPositionsByUser(bg, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 1, s.trader.calls["alice"])

	a, err := s.ms.GetAsset(bg, s.asset.ID)
	require.NoError(t, err)
	assert.True(t, a.TotalSupply.Equal(d(500)), "supply %s", a.TotalSupply)
	assert.True(t, a.MarketPrice.Equal(d(15)), "market %s", a.MarketPrice)
}

func TestSetTargetsFiresAlreadyCrossedLevel(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.ex.ExecuteTrade(ctx, "alice", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(100),
	})
	require.NoError(t, err)
	price, err := s.prices.CurrentDisplayPrice(ctx, s.asset.ID)
	require.NoError(t, err)
	require.True(t, price.GreaterThan(d(10)), "display %s", price)

	// A stop-loss above the current price is already crossed.
	_, err = s.ex.SetTargets(ctx, "alice", s.asset.ID, ptr(20), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, s.trader.calls["alice"])
	positions, err := s.ms.ListPositionsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)

	// A level that is not crossed leaves the position alone.
	_, err = s.ex.ExecuteTrade(ctx, "bob", s.asset.ID, model.SideBuy, exchange.Request{
		Mode: exchange.ModeOutput, Amount: d(10),
	})
	require.NoError(t, err)
	_, err = s.ex.SetTargets(ctx, "bob", s.asset.ID, ptr(1), ptr(50))
	require.NoError(t, err)
	assert.Equal(t, 0, s.trader.calls["bob"])
	positions, err = s.ms.ListPositionsByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestDepthRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, Depth(ctx))
	assert.Equal(t, 3, Depth(WithDepth(ctx, 3)))
}
