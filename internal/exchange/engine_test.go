package exchange_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/synth-engine/internal/correlation"
	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/position"
	"github.com/atmx/synth-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

func testConfig(feeRate float64) exchange.Config {
	return exchange.Config{
		FeeRate:        d(feeRate),
		LPFeeShare:     d(0.7),
		MinTradeAmount: d(0.0001),
		DustEpsilon:    d(0.000001),
		ExecTimeout:    5 * time.Second,
		MaxRetries:     50,
	}
}

type env struct {
	ms     *store.MemoryStore
	engine *exchange.Engine
	asset  *model.Asset
}

// newEnv lists SYN-INDEX-ALPHA at P0=10, k=0.01 and funds an LP so shorts
// have reserve to draw on.
func newEnv(t *testing.T, feeRate float64, liquidity float64) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	eng, err := exchange.NewEngine(ms, testConfig(feeRate), nil)
	require.NoError(t, err)

	a, err := eng.CreateAsset(context.Background(), exchange.NewAsset{
		Symbol: "SYN-INDEX-ALPHA", P0: d(10), K: d(0.01), Status: model.AssetActive,
	})
	require.NoError(t, err)

	e := &env{ms: ms, engine: eng, asset: a}
	if liquidity > 0 {
		e.fund(t, "lp", liquidity)
		_, err := eng.Contribute(context.Background(), "lp", a.ID, d(liquidity))
		require.NoError(t, err)
	}
	return e
}

func (e *env) fund(t *testing.T, userID string, amount float64) {
	t.Helper()
	_, err := e.engine.Credit(context.Background(), userID, d(amount), "test-deposit")
	require.NoError(t, err)
}

func (e *env) trade(t *testing.T, userID string, side model.Side, req exchange.Request) *exchange.Result {
	t.Helper()
	res, err := e.engine.ExecuteTrade(context.Background(), userID, e.asset.ID, side, req)
	require.NoError(t, err)
	return res
}

func (e *env) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	u, err := e.ms.GetUser(context.Background(), userID)
	if err != nil {
		return decimal.Zero
	}
	return u.Balance
}

func (e *env) reserve(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := e.ms.GetPool(context.Background(), e.asset.ID)
	require.NoError(t, err)
	return p.TotalReserve
}

func (e *env) accrued(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := e.ms.GetPool(context.Background(), e.asset.ID)
	require.NoError(t, err)
	return p.TreasuryAccrued
}

func (e *env) supply(t *testing.T) decimal.Decimal {
	t.Helper()
	a, err := e.ms.GetAsset(context.Background(), e.asset.ID)
	require.NoError(t, err)
	return a.TotalSupply
}

func shares(n float64) exchange.Request {
	return exchange.Request{Mode: exchange.ModeOutput, Amount: d(n)}
}

func sell(n float64) exchange.Request {
	return exchange.Request{Mode: exchange.ModeInput, Amount: d(n)}
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %v, got %s", field, want, got)
}

func requireKind(t *testing.T, err error, kind exchange.Kind) *exchange.TradeError {
	t.Helper()
	require.Error(t, err)
	te, ok := err.(*exchange.TradeError)
	require.True(t, ok, "want *TradeError, got %T: %v", err, err)
	require.Equal(t, kind, te.Kind, "err: %v", err)
	return te
}

func TestBuyWithNetAmount(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)

	res := e.trade(t, "alice", model.SideBuy, exchange.Request{Mode: exchange.ModeInput, Amount: d(1000)})

	// 0.005*x^2 + 10*x - 1000 = 0  =>  x = 100*(sqrt(120) - 10)
	assert.InDelta(t, 95.44511501, res.OutputAmount.InexactFloat64(), 1e-7)
	assert.InDelta(t, 1000, res.InputAmount.InexactFloat64(), 1e-6)
	assert.False(t, res.InputAmount.GreaterThan(d(1000)), "never charges more than requested: %s", res.InputAmount)

	replayed := curve.BuyCost(d(10), d(0.01), decimal.Zero, res.OutputAmount)
	assert.InDelta(t, 1000, replayed.InexactFloat64(), 1e-6)

	assert.Equal(t, position.Open, res.Transition)
	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Shares.Equal(res.OutputAmount))
	assert.True(t, e.supply(t).Equal(res.OutputAmount))
}

func TestFlipLongToShort(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "alice", 10000)

	res := e.trade(t, "alice", model.SideBuy, shares(100))
	assertDec(t, 1050, res.InputAmount, "open cost")
	assertDec(t, 10.5, res.Position.AvgEntryPrice, "entry")

	res = e.trade(t, "alice", model.SideSell, sell(150))
	assert.Equal(t, position.Flip, res.Transition)
	require.NotNil(t, res.Position)

	want := curve.SellRevenue(d(10), d(0.01), d(0), d(50)).Div(d(50))
	assertDec(t, -50, res.Position.Shares, "shares")
	assert.True(t, res.Position.AvgEntryPrice.Equal(want), "entry %s want %s", res.Position.AvgEntryPrice, want)
	assertDec(t, 487.5, res.Position.Collateral, "collateral")
	assertDec(t, 1537.5, res.OutputAmount, "gross proceeds")
	assertDec(t, -150, res.Trade.Quantity, "signed quantity")

	assertDec(t, 10000, e.balance(t, "alice"), "wallet")
	assertDec(t, 9512.5, e.reserve(t), "reserve")
	assertDec(t, -50, e.supply(t), "supply")
}

func TestCoverShortExactly(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "bob", 1000)

	res := e.trade(t, "bob", model.SideSell, sell(50))
	assert.Equal(t, position.Open, res.Transition)
	assertDec(t, 975, res.Position.Collateral, "collateral")
	assertDec(t, 512.5, e.balance(t, "bob"), "wallet after short")

	res = e.trade(t, "bob", model.SideBuy, shares(50))
	assert.Equal(t, position.Close, res.Transition)
	assert.Nil(t, res.Position)

	// Collateral 975 released against a 487.5 cover.
	assertDec(t, 1000, e.balance(t, "bob"), "wallet after cover")
	assertDec(t, 10000, e.reserve(t), "reserve")

	positions, err := e.ms.ListPositionsByUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, positions)

	entries, err := e.ms.ListLedgerEntries(context.Background(), "bob")
	require.NoError(t, err)
	reasons := map[string]int{}
	for _, le := range entries {
		reasons[le.Reason]++
	}
	assert.Equal(t, 1, reasons[model.ReasonCollateralRelease])
}

func TestShortOpenChargesFeeToWallet(t *testing.T) {
	e := newEnv(t, 0.01, 10000)
	e.fund(t, "bob", 1000)

	res := e.trade(t, "bob", model.SideSell, sell(50))

	assertDec(t, 4.875, res.Trade.Fee, "fee")
	// margin 487.5 plus the fee
	assertDec(t, 507.625, e.balance(t, "bob"), "wallet")
	assertDec(t, 975, res.Position.Collateral, "collateral")
	// 10000 - 487.5 proceeds + 3.4125 LP share of the fee
	assertDec(t, 9515.9125, e.reserve(t), "reserve")
	assertDec(t, 1.4625, e.accrued(t), "treasury accrued")
	assertDec(t, 0, e.balance(t, model.TreasuryUserID), "treasury before sweep")

	swept, err := e.engine.SweepTreasury(context.Background())
	require.NoError(t, err)
	assertDec(t, 1.4625, swept, "swept")
	assertDec(t, 1.4625, e.balance(t, model.TreasuryUserID), "treasury")
	assertDec(t, 0, e.accrued(t), "treasury accrued after sweep")
	assertDec(t, 9515.9125, e.reserve(t), "reserve after sweep")
}

func TestBuyFeeIsGrossedUp(t *testing.T) {
	e := newEnv(t, 0.01, 0)
	e.fund(t, "alice", 2000)

	res := e.trade(t, "alice", model.SideBuy, shares(100))

	// The curve receives exactly 1050; the trader pays 1050 / 0.99.
	want := curve.RoundMoneyUp(d(1050).Div(d(0.99)))
	assert.True(t, res.InputAmount.Equal(want), "paid %s want %s", res.InputAmount, want)
	assert.True(t, res.Trade.Fee.Equal(want.Sub(d(1050))))
	assert.True(t, e.balance(t, "alice").Equal(d(2000).Sub(want)))
}

func TestConservationAcrossTradeSequence(t *testing.T) {
	e := newEnv(t, 0.003, 20000)
	e.fund(t, "alice", 5000)
	e.fund(t, "bob", 5000)
	const issued = 30000 // lp 20000 + alice + bob

	steps := []struct {
		user string
		side model.Side
		req  exchange.Request
	}{
		{"alice", model.SideBuy, exchange.Request{Mode: exchange.ModeInput, Amount: d(500)}},
		{"bob", model.SideSell, sell(30)},
		{"alice", model.SideSell, sell(100)},
		{"bob", model.SideBuy, shares(45.5)},
		{"alice", model.SideBuy, exchange.Request{CloseAll: true}},
		{"bob", model.SideSell, exchange.Request{Mode: exchange.ModeOutput, Amount: d(20)}},
		{"bob", model.SideSell, exchange.Request{CloseAll: true}},
	}

	ctx := context.Background()
	for i, s := range steps {
		_, err := e.engine.ExecuteTrade(ctx, s.user, e.asset.ID, s.side, s.req)
		require.NoError(t, err, "step %d", i)

		total := e.reserve(t).Add(e.accrued(t))
		netShares := decimal.Zero
		for _, u := range []string{"alice", "bob", "lp", model.TreasuryUserID} {
			total = total.Add(e.balance(t, u))
			positions, err := e.ms.ListPositionsByUser(ctx, u)
			require.NoError(t, err)
			for _, p := range positions {
				total = total.Add(p.Collateral)
				netShares = netShares.Add(p.Shares)
			}
		}
		assert.True(t, total.Equal(d(issued)), "step %d: value %s != issued", i, total)
		assert.True(t, e.supply(t).Equal(netShares), "step %d: supply %s != net shares %s", i, e.supply(t), netShares)
	}

	positions, err := e.ms.ListPositionsByAsset(ctx, e.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.True(t, e.supply(t).IsZero())

	// Sweeping only moves value between the pool row and the treasury.
	accrued := e.accrued(t)
	_, err = e.engine.SweepTreasury(ctx)
	require.NoError(t, err)
	assert.True(t, e.balance(t, model.TreasuryUserID).Equal(accrued))
	assert.True(t, e.accrued(t).IsZero())
}

func TestSellNearFullSizeLeavesNoDust(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)
	e.trade(t, "alice", model.SideBuy, shares(100))

	res := e.trade(t, "alice", model.SideSell, sell(99.9999995))
	assert.Equal(t, position.Close, res.Transition)
	assert.Nil(t, res.Position)
	assertDec(t, 100, res.InputAmount, "clamped size")
	assert.True(t, e.supply(t).IsZero())
}

func TestSlippageExceeded(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)

	req := shares(100)
	req.MaxInput = ptr(1000)
	_, err := e.engine.ExecuteTrade(context.Background(), "alice", e.asset.ID, model.SideBuy, req)
	te := requireKind(t, err, exchange.KindSlippageExceeded)
	assertDec(t, 50, te.Shortfall, "shortfall")
	assert.ErrorIs(t, err, exchange.ErrSlippageExceeded)

	// Nothing moved.
	assertDec(t, 2000, e.balance(t, "alice"), "wallet")
	assert.True(t, e.supply(t).IsZero())

	req = sell(10)
	req.MinOutput = ptr(500)
	e.trade(t, "alice", model.SideBuy, shares(10))
	_, err = e.engine.ExecuteTrade(context.Background(), "alice", e.asset.ID, model.SideSell, req)
	requireKind(t, err, exchange.KindSlippageExceeded)
}

func TestInsufficientFunds(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 100)

	_, err := e.engine.ExecuteTrade(context.Background(), "alice", e.asset.ID, model.SideBuy, shares(100))
	te := requireKind(t, err, exchange.KindInsufficientFunds)
	assertDec(t, 950, te.Shortfall, "shortfall")

	_, err = e.engine.ExecuteTrade(context.Background(), "nobody", e.asset.ID, model.SideBuy, shares(1))
	requireKind(t, err, exchange.KindInsufficientFunds)
}

func TestInsufficientPoolLiquidity(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "bob", 1000)

	_, err := e.engine.ExecuteTrade(context.Background(), "bob", e.asset.ID, model.SideSell, sell(50))
	te := requireKind(t, err, exchange.KindInsufficientPoolLiquidity)
	assertDec(t, 487.5, te.Shortfall, "shortfall")
	assertDec(t, 1000, e.balance(t, "bob"), "wallet")
}

func TestValidationFailures(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "alice", 1000)
	ctx := context.Background()

	_, err := e.engine.ExecuteTrade(ctx, "alice", "missing", model.SideBuy, shares(1))
	requireKind(t, err, exchange.KindAssetNotFound)

	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.Side("HOLD"), shares(1))
	requireKind(t, err, exchange.KindInvalidRequest)

	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.SideBuy, exchange.Request{Mode: exchange.ModeInput, Amount: d(0.00001)})
	requireKind(t, err, exchange.KindTradeTooSmall)

	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.SideSell, sell(1001))
	requireKind(t, err, exchange.KindCurveUnsatisfiable)

	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.SideSell, exchange.Request{ReduceOnly: true, Mode: exchange.ModeInput, Amount: d(1)})
	requireKind(t, err, exchange.KindPositionNotFound)

	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.SideSell, exchange.Request{CloseAll: true, RequireTargets: true})
	requireKind(t, err, exchange.KindTargetsCleared)

	require.NoError(t, e.ms.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutUser(ctx, &model.User{ID: "mallory", Balance: d(1000), Blacklisted: true})
	}))
	_, err = e.engine.ExecuteTrade(ctx, "mallory", e.asset.ID, model.SideBuy, shares(1))
	requireKind(t, err, exchange.KindUserBlacklisted)

	_, err = e.engine.SetAssetStatus(ctx, e.asset.ID, model.AssetPaused)
	require.NoError(t, err)
	_, err = e.engine.ExecuteTrade(ctx, "alice", e.asset.ID, model.SideBuy, shares(1))
	requireKind(t, err, exchange.KindAssetNotTradeable)
}

func TestReduceOnlyCapsAtPositionSize(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "alice", 2000)
	e.trade(t, "alice", model.SideBuy, shares(10))

	req := sell(25)
	req.ReduceOnly = true
	res := e.trade(t, "alice", model.SideSell, req)
	assert.Equal(t, position.Close, res.Transition)
	assertDec(t, 10, res.InputAmount, "sold")

	e.trade(t, "alice", model.SideBuy, shares(10))
	req = shares(5)
	req.ReduceOnly = true
	_, err := e.engine.ExecuteTrade(context.Background(), "alice", e.asset.ID, model.SideBuy, req)
	requireKind(t, err, exchange.KindInvalidRequest)
}

func TestTargetsFollowTransitions(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "alice", 5000)

	req := shares(10)
	req.StopLoss, req.TakeProfit = ptr(8), ptr(15)
	res := e.trade(t, "alice", model.SideBuy, req)
	require.NotNil(t, res.Position.StopLoss)

	res = e.trade(t, "alice", model.SideBuy, shares(5))
	assert.Equal(t, position.Increase, res.Transition)
	require.NotNil(t, res.Position.StopLoss)
	assertDec(t, 8, *res.Position.StopLoss, "stop-loss kept")

	res = e.trade(t, "alice", model.SideSell, sell(5))
	assert.Equal(t, position.Reduce, res.Transition)
	assert.True(t, res.Position.HasTargets())

	res = e.trade(t, "alice", model.SideSell, sell(20))
	assert.Equal(t, position.Flip, res.Transition)
	assert.False(t, res.Position.HasTargets(), "new direction starts without targets")

	p, err := e.engine.SetTargets(context.Background(), "alice", e.asset.ID, ptr(12), nil)
	require.NoError(t, err)
	assertDec(t, 12, *p.StopLoss, "stop-loss")
	assert.Nil(t, p.TakeProfit)
}

func TestExposureLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	eng, err := exchange.NewEngine(ms, testConfig(0), correlation.NewPositionLimiter(d(50), decimal.Zero))
	require.NoError(t, err)
	ctx := context.Background()
	a, err := eng.CreateAsset(ctx, exchange.NewAsset{Symbol: "SYN-INDEX-BETA", P0: d(10), K: d(0.01), Status: model.AssetActive})
	require.NoError(t, err)
	_, err = eng.Credit(ctx, "alice", d(5000), "dep")
	require.NoError(t, err)

	_, err = eng.ExecuteTrade(ctx, "alice", a.ID, model.SideBuy, shares(60))
	requireKind(t, err, exchange.KindExposureLimitExceeded)

	_, err = eng.ExecuteTrade(ctx, "alice", a.ID, model.SideBuy, shares(50))
	require.NoError(t, err)
}

func TestQuoteDoesNotCommit(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)

	q, err := e.engine.Quote(context.Background(), "alice", e.asset.ID, model.SideBuy, shares(100))
	require.NoError(t, err)
	assertDec(t, 1050, q.InputAmount, "quoted cost")

	assertDec(t, 2000, e.balance(t, "alice"), "wallet")
	assert.True(t, e.supply(t).IsZero())
	trades, err := e.ms.ListTradesByAsset(context.Background(), e.asset.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSettlementListenerNotified(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)

	var got []model.Settlement
	e.engine.Subscribe(exchange.SettlementListenerFunc(func(_ context.Context, s model.Settlement) {
		got = append(got, s)
	}))

	res := e.trade(t, "alice", model.SideBuy, shares(100))
	require.Len(t, got, 1)
	assert.Equal(t, res.Trade.ID, got[0].TradeID)
	assertDec(t, 10.5, got[0].Price, "average price")
	assertDec(t, 100, got[0].Quantity, "quantity")
}

func TestConcurrentTradesSameAsset(t *testing.T) {
	e := newEnv(t, 0, 0)
	const n = 20
	for i := 0; i < n; i++ {
		e.fund(t, fmt.Sprintf("u%d", i), 100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.engine.ExecuteTrade(context.Background(), fmt.Sprintf("u%d", i), e.asset.ID, model.SideBuy, shares(1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// No lost updates: the pool holds exactly the integral over [0, 20].
	assertDec(t, n, e.supply(t), "supply")
	assertDec(t, 202, e.reserve(t), "reserve")
}

// gatedStore holds every transaction after its body has run until the
// expected number of transactions have all reached that point, then lets
// them commit. Any row two of them share surfaces as a serialization error.
type gatedStore struct {
	store.Store
	gate sync.WaitGroup
}

func (s *gatedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		s.gate.Done()
		s.gate.Wait()
		return nil
	})
}

func TestConcurrentTradesOnDifferentAssetsDoNotConflict(t *testing.T) {
	e := newEnv(t, 0.003, 0)
	ctx := context.Background()
	beta, err := e.engine.CreateAsset(ctx, exchange.NewAsset{
		Symbol: "SYN-INDEX-BETA", P0: d(5), K: d(0.02), Status: model.AssetActive,
	})
	require.NoError(t, err)
	e.fund(t, "u1", 1000)
	e.fund(t, "u2", 1000)

	gs := &gatedStore{Store: e.ms}
	cfg := testConfig(0.003)
	cfg.MaxRetries = 0
	eng, err := exchange.NewEngine(gs, cfg, nil)
	require.NoError(t, err)

	gs.gate.Add(2)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, assetID := range []string{e.asset.ID, beta.ID} {
		wg.Add(1)
		go func(i int, assetID string) {
			defer wg.Done()
			_, errs[i] = eng.ExecuteTrade(ctx, fmt.Sprintf("u%d", i+1), assetID, model.SideBuy, shares(5))
		}(i, assetID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	for _, id := range []string{e.asset.ID, beta.ID} {
		p, err := e.ms.GetPool(ctx, id)
		require.NoError(t, err)
		assert.True(t, p.TreasuryAccrued.IsPositive(), "asset %s accrued nothing", id)
	}
}

// cancelOnCommit cancels the caller's context as soon as a transaction
// commits.
type cancelOnCommit struct {
	store.Store
	cancel context.CancelFunc
}

func (s *cancelOnCommit) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := s.Store.RunInTx(ctx, fn)
	if err == nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return err
}

func TestSettlementOutlivesCallerContext(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 2000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancelOnCommit{Store: e.ms, cancel: cancel}
	eng, err := exchange.NewEngine(cs, testConfig(0), nil)
	require.NoError(t, err)

	type key struct{}
	var listenerErr error
	var listenerVal any
	eng.Subscribe(exchange.SettlementListenerFunc(func(ctx context.Context, s model.Settlement) {
		listenerErr = ctx.Err()
		listenerVal = ctx.Value(key{})
		// The listener can still run its own transaction.
		if err := e.ms.RunInTx(ctx, func(context.Context, store.Tx) error { return nil }); err != nil {
			listenerErr = err
		}
	}))

	_, err = eng.ExecuteTrade(context.WithValue(ctx, key{}, "kept"), "alice", e.asset.ID, model.SideBuy, shares(10))
	require.NoError(t, err)
	require.Error(t, ctx.Err(), "caller context should be cancelled by the commit")
	assert.NoError(t, listenerErr)
	assert.Equal(t, "kept", listenerVal)
}

func TestCreateAssetDuplicateSymbol(t *testing.T) {
	e := newEnv(t, 0, 0)
	_, err := e.engine.CreateAsset(context.Background(), exchange.NewAsset{Symbol: "SYN-INDEX-ALPHA", P0: d(1), K: d(0.1)})
	requireKind(t, err, exchange.KindAssetExists)

	_, err = e.engine.CreateAsset(context.Background(), exchange.NewAsset{Symbol: "alpha", P0: d(1), K: d(0.1)})
	requireKind(t, err, exchange.KindInvalidRequest)

	_, err = e.engine.CreateAsset(context.Background(), exchange.NewAsset{Symbol: "SYN-INDEX-GAMMA", P0: d(1), K: d(0)})
	requireKind(t, err, exchange.KindPricingParamsMissing)
}

func TestPortfolioMarksToDisplayPrice(t *testing.T) {
	e := newEnv(t, 0, 10000)
	e.fund(t, "alice", 5000)
	e.trade(t, "alice", model.SideBuy, shares(100))

	// Display price still at P0 = 10 until a tick runs; entry was 10.5.
	pf, err := e.engine.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, pf.Positions, 1)
	assertDec(t, -50, pf.TotalPnL, "pnl")
	assertDec(t, 1000, pf.TotalExposure, "exposure")
	assertDec(t, 3950, pf.Balance, "balance")
}

func TestCreditWithdrawal(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.fund(t, "alice", 100)

	_, err := e.engine.Credit(context.Background(), "alice", d(-150), "payout")
	te := requireKind(t, err, exchange.KindInsufficientFunds)
	assertDec(t, 50, te.Shortfall, "shortfall")

	u, err := e.engine.Credit(context.Background(), "alice", d(-40), "payout")
	require.NoError(t, err)
	assertDec(t, 60, u.Balance, "balance")
}
