// Package exchange executes trades against the bonding curve.
//
// Every trade is one atomic unit: validate, quote, clamp, apply the position
// transition, move wallet/pool/collateral, route the fee, and append the trade
// and ledger records. Either all of it commits or none of it does. After a
// commit the engine notifies SettlementListeners synchronously, outside the
// trade's transaction and detached from the caller's cancellation.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/correlation"
	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/pool"
	"github.com/atmx/synth-engine/internal/position"
	"github.com/atmx/synth-engine/internal/store"
)

var one = decimal.NewFromInt(1)

const defaultSettleTimeout = 30 * time.Second

// Mode selects how Request.Amount is denominated.
type Mode string

const (
	// ModeInput: Amount is what the trader gives up. Currency to spend for
	// a buy, shares to sell for a sell.
	ModeInput Mode = "input"
	// ModeOutput: Amount is what the trader receives. Shares for a buy,
	// gross proceeds for a sell.
	ModeOutput Mode = "output"
)

// Request describes one trade.
type Request struct {
	Mode   Mode            `json:"mode"`
	Amount decimal.Decimal `json:"amount"`

	// Slippage bounds. MaxInput caps currency paid (buy) or shares sold
	// (sell); MinOutput floors shares received (buy) or gross proceeds (sell).
	MaxInput  *decimal.Decimal `json:"max_input,omitempty"`
	MinOutput *decimal.Decimal `json:"min_output,omitempty"`

	// Targets to attach to the resulting position.
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`

	// CloseAll sizes the trade to the whole resting position; Amount is
	// ignored.
	CloseAll bool `json:"close_all,omitempty"`

	// ReduceOnly caps the trade at the resting size and rejects trades that
	// would add exposure or flip.
	ReduceOnly bool `json:"reduce_only,omitempty"`

	// RequireTargets aborts with TargetsCleared unless the resting position
	// still carries a stop-loss or take-profit when the trade executes.
	RequireTargets bool `json:"-"`

	// Origin labels who initiated the trade (user, target, exit) in logs.
	Origin string `json:"-"`
}

// Result is a settled trade.
type Result struct {
	Trade      model.Trade         `json:"trade"`
	Transition position.Transition `json:"transition"`

	// Position after the trade; nil when it was closed.
	Position *model.Position `json:"position,omitempty"`

	// InputAmount is currency paid (fee included) for a buy, shares sold
	// for a sell. OutputAmount is shares received for a buy, gross proceeds
	// for a sell.
	InputAmount  decimal.Decimal `json:"input_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
}

// Config holds the economic and execution parameters.
type Config struct {
	FeeRate        decimal.Decimal
	LPFeeShare     decimal.Decimal
	MinTradeAmount decimal.Decimal
	DustEpsilon    decimal.Decimal
	ExecTimeout    time.Duration
	MaxRetries     int

	// SettleTimeout bounds the listener work after a commit. Zero means 30s.
	SettleTimeout time.Duration
}

// SettlementListener is notified after each committed trade.
type SettlementListener interface {
	OnSettlement(ctx context.Context, s model.Settlement)
}

// SettlementListenerFunc adapts a function to SettlementListener.
type SettlementListenerFunc func(ctx context.Context, s model.Settlement)

func (f SettlementListenerFunc) OnSettlement(ctx context.Context, s model.Settlement) { f(ctx, s) }

// Engine executes trades and the administrative operations around them.
type Engine struct {
	store   store.Store
	cfg     Config
	fees    *pool.Distributor
	limiter *correlation.PositionLimiter
	now     func() time.Time

	mu        sync.RWMutex
	listeners []SettlementListener
	watchers  []TargetWatcher
}

// NewEngine creates an engine. limiter may be nil to disable exposure
// limits.
func NewEngine(st store.Store, cfg Config, limiter *correlation.PositionLimiter) (*Engine, error) {
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("exchange: fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	if !cfg.DustEpsilon.IsPositive() {
		return nil, errors.New("exchange: dust epsilon must be positive")
	}
	fees, err := pool.NewDistributor(cfg.LPFeeShare)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:   st,
		cfg:     cfg,
		fees:    fees,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Subscribe registers l for settlement notifications.
func (e *Engine) Subscribe(l SettlementListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// ExecuteTrade runs one trade for userID on assetID. On success the trade
// is committed and listeners have been notified; on failure the returned
// error is a *TradeError (or a raw infrastructure error) and nothing changed.
func (e *Engine) ExecuteTrade(ctx context.Context, userID, assetID string, side model.Side, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	}()

	if err := checkRequest(userID, side, req); err != nil {
		return nil, e.reject(err, userID, assetID, side, req)
	}

	var res *Result
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := e.execute(ctx, tx, userID, assetID, side, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, e.reject(err, userID, assetID, side, req)
	}

	e.record(res, req)
	e.publish(ctx, res)
	return res, nil
}

var errQuoteOnly = errors.New("exchange: quote rollback")

// Quote computes what ExecuteTrade would do right now without committing
// anything or notifying listeners.
func (e *Engine) Quote(ctx context.Context, userID, assetID string, side model.Side, req Request) (*Result, error) {
	if err := checkRequest(userID, side, req); err != nil {
		return nil, err
	}
	var res *Result
	err := e.run(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := e.execute(ctx, tx, userID, assetID, side, req)
		if err != nil {
			return err
		}
		res = r
		return errQuoteOnly
	})
	if errors.Is(err, errQuoteOnly) {
		return res, nil
	}
	return nil, err
}

func checkRequest(userID string, side model.Side, req Request) error {
	switch {
	case userID == "":
		return fail(KindInvalidRequest, "user id is required")
	case !side.Valid():
		return fail(KindInvalidRequest, "side must be BUY or SELL")
	case req.CloseAll:
		return nil
	case req.Mode != ModeInput && req.Mode != ModeOutput:
		return fail(KindInvalidRequest, "mode must be input or output")
	case !req.Amount.IsPositive():
		return fail(KindInvalidRequest, "amount must be positive")
	}
	for name, v := range map[string]*decimal.Decimal{"stop_loss": req.StopLoss, "take_profit": req.TakeProfit} {
		if v != nil && !v.IsPositive() {
			return fail(KindInvalidRequest, "%s must be positive", name)
		}
	}
	return nil
}

// run executes fn with bounded retries and maps store failures onto the
// trade error taxonomy.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := store.RunWithRetry(ctx, e.store, store.RetryPolicy{
		MaxRetries: e.cfg.MaxRetries,
		Timeout:    e.cfg.ExecTimeout,
		OnRetry: func(err error, wait time.Duration) {
			metrics.TxRetries.Inc()
			slog.Debug("retrying transaction", "err", err, "wait", wait)
		},
	}, fn)
	return asTradeError(err)
}

func asTradeError(err error) error {
	if err == nil {
		return nil
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case store.IsRetryable(err):
		return fail(KindTradeTimeout, "retries exhausted: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fail(KindTradeTimeout, "execution deadline exceeded")
	case errors.Is(err, pool.ErrShareSumMismatch):
		return fail(KindInvariantViolation, "%v", err)
	case errors.Is(err, store.ErrInsufficientBalance):
		return fail(KindInsufficientFunds, "%v", err)
	}
	return err
}

// quote is the fully priced trade before any write.
type quote struct {
	ds     decimal.Decimal
	settle position.Settlement
	fee    decimal.Decimal
	input  decimal.Decimal
	output decimal.Decimal
	gross  decimal.Decimal // currency paid (buy) or received before fee (sell)
	wallet decimal.Decimal // total wallet delta, fee included
}

func (e *Engine) execute(ctx context.Context, tx store.Tx, userID, assetID string, side model.Side, req Request) (*Result, error) {
	// 1. Validate.
	asset, err := tx.GetAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fail(KindAssetNotFound, "asset %s", assetID)
	} else if err != nil {
		return nil, err
	}
	if !asset.Status.Tradeable() {
		return nil, fail(KindAssetNotTradeable, "asset %s is %s", assetID, asset.Status)
	}
	if err := (curve.Params{P0: asset.P0, K: asset.K}).Validate(); err != nil {
		return nil, fail(KindPricingParamsMissing, "asset %s: %v", assetID, err)
	}

	user, err := tx.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		user = &model.User{ID: userID}
	} else if err != nil {
		return nil, err
	}
	if user.Blacklisted {
		return nil, fail(KindUserBlacklisted, "user %s", userID)
	}

	pos, err := tx.GetPosition(ctx, userID, assetID)
	if errors.Is(err, store.ErrNotFound) {
		pos = nil
	} else if err != nil {
		return nil, err
	}
	if req.RequireTargets && (pos == nil || !pos.HasTargets()) {
		return nil, fail(KindTargetsCleared, "position %s/%s has no targets", userID, assetID)
	}
	st := position.FromModel(pos)

	// 2-4. Quote, clamp, transition.
	q, err := e.quote(st, asset, side, req)
	if err != nil {
		return nil, err
	}

	if e.limiter != nil {
		if err := e.checkLimits(ctx, userID, asset, st, q.settle.Next); err != nil {
			return nil, err
		}
	}

	if err := checkSlippage(side, req, q); err != nil {
		return nil, err
	}

	if balance := user.Balance.Add(q.wallet); balance.IsNegative() {
		return nil, short(KindInsufficientFunds, balance.Neg(), "wallet %s cannot cover %s", user.Balance, q.wallet.Neg())
	}

	lp, err := tx.GetPool(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		lp = &model.LiquidityPool{AssetID: assetID}
	} else if err != nil {
		return nil, err
	}
	if reserve := lp.TotalReserve.Add(q.settle.Pool); reserve.IsNegative() {
		return nil, short(KindInsufficientPoolLiquidity, reserve.Neg(), "pool reserve %s cannot fund %s", lp.TotalReserve, q.settle.Pool.Neg())
	}

	if q.settle.Next.IsDust(e.cfg.DustEpsilon) {
		return nil, fail(KindInvariantViolation, "transition %s leaves dust position %s", q.settle.Transition, q.settle.Next.Shares)
	}
	if !q.settle.Conserved() || !q.wallet.Add(q.settle.Pool).Add(q.settle.Collateral).Add(q.fee).IsZero() {
		return nil, fail(KindInvariantViolation, "cash flows do not conserve: wallet %s pool %s collateral %s fee %s",
			q.wallet, q.settle.Pool, q.settle.Collateral, q.fee)
	}

	// 5. Settle.
	now := e.now()
	tradeID := uuid.New().String()

	released := decimal.Zero
	if q.settle.Collateral.IsNegative() {
		released = q.settle.Collateral.Neg()
		if _, err := tx.AdjustBalance(ctx, userID, released, model.ReasonCollateralRelease, tradeID); err != nil {
			return nil, err
		}
	}
	if rest := q.wallet.Sub(released); !rest.IsZero() {
		if _, err := tx.AdjustBalance(ctx, userID, rest, model.ReasonTrade, tradeID); err != nil {
			return nil, err
		}
	}

	lp.TotalReserve = lp.TotalReserve.Add(q.settle.Pool)
	if _, err := e.fees.Apply(ctx, tx, lp, q.fee); err != nil {
		return nil, err
	}
	if err := tx.PutPool(ctx, lp); err != nil {
		return nil, err
	}

	asset.TotalSupply = asset.TotalSupply.Add(q.settle.SupplyDelta)
	if err := tx.UpdateAsset(ctx, asset); err != nil {
		return nil, err
	}

	next, err := e.writePosition(ctx, tx, pos, userID, assetID, q.settle, req, now)
	if err != nil {
		return nil, err
	}

	trade := model.Trade{
		ID:         tradeID,
		AssetID:    assetID,
		UserID:     userID,
		Side:       side,
		Quantity:   q.settle.SupplyDelta,
		Price:      curve.AveragePrice(q.settle.Gross, q.ds),
		Gross:      q.gross,
		Fee:        q.fee,
		Transition: string(q.settle.Transition),
		Timestamp:  now,
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return nil, err
	}

	// 6. Report.
	return &Result{
		Trade:        trade,
		Transition:   q.settle.Transition,
		Position:     next,
		InputAmount:  q.input,
		OutputAmount: q.output,
	}, nil
}

// quote sizes the trade, applies the transition and layers the fee on top.
func (e *Engine) quote(st position.State, asset *model.Asset, side model.Side, req Request) (*quote, error) {
	ds, err := e.size(st, asset, side, req)
	if err != nil {
		return nil, err
	}

	c := position.Curve{P0: asset.P0, K: asset.K, Supply: asset.TotalSupply}
	settle, err := position.Apply(st, c, side, ds)
	if err != nil {
		return nil, curveError(err)
	}

	q := &quote{ds: ds, settle: settle}
	if side == model.SideBuy {
		// The trader pays A with F = A*rate and A - F = N reaching the curve.
		q.gross = curve.RoundMoneyUp(settle.Gross.Div(one.Sub(e.cfg.FeeRate)))
		q.fee = q.gross.Sub(settle.Gross)
		q.input, q.output = q.gross, ds
	} else {
		q.gross = settle.Gross
		q.fee = curve.RoundMoney(settle.Gross.Mul(e.cfg.FeeRate))
		q.input, q.output = ds, settle.Gross
	}
	q.wallet = settle.Wallet.Sub(q.fee)

	if settle.Transition != position.Close && q.gross.LessThan(e.cfg.MinTradeAmount) {
		return nil, fail(KindTradeTooSmall, "trade value %s below minimum %s", q.gross, e.cfg.MinTradeAmount)
	}
	return q, nil
}

// size converts the request into a share delta.
func (e *Engine) size(st position.State, asset *model.Asset, side model.Side, req Request) (decimal.Decimal, error) {
	closing := (side == model.SideSell && st.Kind() == position.Long) ||
		(side == model.SideBuy && st.Kind() == position.Short)
	if req.CloseAll || req.ReduceOnly {
		if st.Kind() == position.Flat {
			return decimal.Zero, fail(KindPositionNotFound, "no open position to reduce")
		}
		if !closing {
			return decimal.Zero, fail(KindInvalidRequest, "%s does not reduce a %s position", side, st.Kind())
		}
	}
	if req.CloseAll {
		return st.Size(), nil
	}

	var ds decimal.Decimal
	switch {
	case side == model.SideBuy && req.Mode == ModeInput:
		if req.Amount.LessThan(e.cfg.MinTradeAmount) {
			return decimal.Zero, fail(KindTradeTooSmall, "spend %s below minimum %s", req.Amount, e.cfg.MinTradeAmount)
		}
		net := req.Amount.Mul(one.Sub(e.cfg.FeeRate))
		x, err := curve.SolveSharesForNetCost(asset.P0, asset.K, asset.TotalSupply, net)
		if err != nil {
			return decimal.Zero, curveError(err)
		}
		ds = curve.RoundShares(x)
	case side == model.SideSell && req.Mode == ModeOutput:
		x, err := curve.SolveSharesForRevenue(asset.P0, asset.K, asset.TotalSupply, req.Amount)
		if err != nil {
			return decimal.Zero, curveError(err)
		}
		ds = curve.RoundSharesUp(x)
	default:
		ds = curve.RoundShares(req.Amount)
	}

	if req.ReduceOnly && ds.GreaterThan(st.Size()) {
		ds = st.Size()
	}
	ds = position.Clamp(st, side, ds, e.cfg.DustEpsilon)
	if ds.LessThan(e.cfg.DustEpsilon) {
		return decimal.Zero, fail(KindTradeTooSmall, "share delta %s below dust threshold", ds)
	}
	return ds, nil
}

func curveError(err error) error {
	switch {
	case errors.Is(err, curve.ErrUnsatisfiable), errors.Is(err, curve.ErrNonPositiveAmount):
		return fail(KindCurveUnsatisfiable, "%v", err)
	case errors.Is(err, curve.ErrInvalidSlope):
		return fail(KindPricingParamsMissing, "%v", err)
	case errors.Is(err, position.ErrNonPositiveShares):
		return fail(KindTradeTooSmall, "%v", err)
	}
	return err
}

func checkSlippage(side model.Side, req Request, q *quote) error {
	if req.MaxInput != nil && q.input.GreaterThan(*req.MaxInput) {
		return short(KindSlippageExceeded, q.input.Sub(*req.MaxInput), "input %s exceeds max %s", q.input, *req.MaxInput)
	}
	if req.MinOutput != nil && q.output.LessThan(*req.MinOutput) {
		return short(KindSlippageExceeded, req.MinOutput.Sub(q.output), "output %s below min %s", q.output, *req.MinOutput)
	}
	return nil
}

// checkLimits reads the user's other positions outside the transaction;
// the limit is advisory across assets and exact for the traded one.
func (e *Engine) checkLimits(ctx context.Context, userID string, asset *model.Asset, prev, next position.State) error {
	positions, err := e.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	existing := make([]correlation.Exposure, 0, len(positions))
	for _, p := range positions {
		if p.AssetID == asset.ID {
			continue
		}
		a, err := e.store.GetAsset(ctx, p.AssetID)
		if err != nil {
			return err
		}
		existing = append(existing, correlation.Exposure{AssetID: p.AssetID, Category: a.Category, Shares: p.Shares})
	}

	target := correlation.Exposure{AssetID: asset.ID, Category: asset.Category, Shares: next.Shares}
	if err := e.limiter.CheckLimit(target, prev.Shares, existing); err != nil {
		return fail(KindExposureLimitExceeded, "%v", err)
	}
	return nil
}

// writePosition persists the post-trade state. Targets survive Increase
// and Reduce; a new direction starts without them unless the request
// attaches its own. A closed position is deleted together with its targets.
func (e *Engine) writePosition(ctx context.Context, tx store.Tx, prev *model.Position, userID, assetID string,
	settle position.Settlement, req Request, now time.Time) (*model.Position, error) {
	if settle.Next.Shares.IsZero() {
		if prev != nil {
			if err := tx.DeletePosition(ctx, userID, assetID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	next := &model.Position{
		UserID:        userID,
		AssetID:       assetID,
		Shares:        settle.Next.Shares,
		AvgEntryPrice: settle.Next.AvgEntryPrice,
		Collateral:    settle.Next.Collateral,
		UpdatedAt:     now,
	}
	if prev != nil && (settle.Transition == position.Increase || settle.Transition == position.Reduce) {
		next.StopLoss, next.TakeProfit = prev.StopLoss, prev.TakeProfit
	}
	if req.StopLoss != nil {
		next.StopLoss = req.StopLoss
	}
	if req.TakeProfit != nil {
		next.TakeProfit = req.TakeProfit
	}
	if err := tx.PutPosition(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) reject(err error, userID, assetID string, side model.Side, req Request) error {
	var te *TradeError
	if !errors.As(err, &te) {
		metrics.TradeRejections.WithLabelValues("Internal").Inc()
		slog.Error("trade failed", "user", userID, "asset", assetID, "side", side, "origin", req.Origin, "err", err)
		return err
	}
	metrics.TradeRejections.WithLabelValues(string(te.Kind)).Inc()
	attrs := []any{"user", userID, "asset", assetID, "side", side, "origin", req.Origin, "kind", te.Kind, "err", te.Msg}
	switch te.Kind.Class() {
	case ClassInvariant:
		slog.Error("trade invariant violated", attrs...)
	case ClassConcurrency:
		slog.Warn("trade timed out", attrs...)
	default:
		slog.Info("trade rejected", attrs...)
	}
	return te
}

func (e *Engine) record(res *Result, req Request) {
	t := res.Trade
	metrics.TradesTotal.WithLabelValues(string(t.Side), string(res.Transition)).Inc()
	metrics.AssetVolume.WithLabelValues(t.AssetID).Add(t.Quantity.Abs().Mul(t.Price).InexactFloat64())
	if t.Fee.IsPositive() {
		split := pool.SplitFee(t.Fee, e.fees.LPShare)
		metrics.FeesTotal.WithLabelValues("lp").Add(split.LP.InexactFloat64())
		metrics.FeesTotal.WithLabelValues("treasury").Add(split.Platform.InexactFloat64())
	}

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"asset", t.AssetID,
		"side", t.Side,
		"origin", req.Origin,
		"transition", res.Transition,
		"qty", t.Quantity.String(),
		"price", t.Price.String(),
		"gross", t.Gross.String(),
		"fee", t.Fee.String(),
	)
}

// settleContext keeps ctx's values but not its cancellation: once a trade
// has committed, its tick and target scan must run even if the caller has
// gone away.
func (e *Engine) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.cfg.SettleTimeout
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (e *Engine) publish(ctx context.Context, res *Result) {
	e.mu.RLock()
	listeners := append([]SettlementListener(nil), e.listeners...)
	e.mu.RUnlock()

	ctx, cancel := e.settleContext(ctx)
	defer cancel()

	s := model.Settlement{
		AssetID:   res.Trade.AssetID,
		TradeID:   res.Trade.ID,
		Price:     res.Trade.Price,
		Quantity:  res.Trade.Quantity,
		Side:      res.Trade.Side,
		Timestamp: res.Trade.Timestamp,
	}
	for _, l := range listeners {
		l.OnSettlement(ctx, s)
	}
}
