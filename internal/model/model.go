// Package model defines the core domain types shared across the synthetic
// asset engine. All monetary and share values use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TreasuryUserID is the wallet that receives the platform share of fees.
const TreasuryUserID = "treasury"

// Currency is the single backing currency of every pool and wallet.
const Currency = "USD"

// AssetStatus is the lifecycle state of an asset.
type AssetStatus string

const (
	AssetFunding   AssetStatus = "funding"
	AssetActive    AssetStatus = "active"
	AssetPaused    AssetStatus = "paused"
	AssetCancelled AssetStatus = "cancelled"
)

// Tradeable reports whether trades may execute against the asset.
func (s AssetStatus) Tradeable() bool {
	return s == AssetActive || s == AssetFunding
}

// CanTransitionTo validates lifecycle transitions. Cancelled is terminal.
func (s AssetStatus) CanTransitionTo(next AssetStatus) bool {
	switch s {
	case AssetFunding:
		return next == AssetActive || next == AssetCancelled
	case AssetActive:
		return next == AssetPaused || next == AssetCancelled
	case AssetPaused:
		return next == AssetActive || next == AssetCancelled
	default:
		return false
	}
}

// Asset is a synthetic quantity priced on a linear bonding curve
// price(S) = P0 + K*S. Supply is mutated only by trades; the price fields are
// mutated only by the price fusion engine.
type Asset struct {
	ID               string          `json:"id" db:"id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Category         string          `json:"category" db:"category"`
	P0               decimal.Decimal `json:"p0" db:"p0"`
	K                decimal.Decimal `json:"k" db:"k"`
	TotalSupply      decimal.Decimal `json:"total_supply" db:"total_supply"`
	Status           AssetStatus     `json:"status" db:"status"`
	MarketPrice      decimal.Decimal `json:"market_price" db:"market_price"`
	FundamentalPrice decimal.Decimal `json:"fundamental_price" db:"fundamental_price"`
	DisplayPrice     decimal.Decimal `json:"display_price" db:"display_price"`
	LastTickAt       time.Time       `json:"last_tick_at" db:"last_tick_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// User holds the abstract wallet balance the engine debits and credits.
type User struct {
	ID          string          `json:"id" db:"id"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	Blacklisted bool            `json:"blacklisted" db:"blacklisted"`
}

// Position is a user's signed exposure to one asset.
// Shares > 0 is long, Shares < 0 is short. Collateral is only meaningful while
// short. A position with |Shares| below the dust epsilon must not persist.
type Position struct {
	UserID        string           `json:"user_id" db:"user_id"`
	AssetID       string           `json:"asset_id" db:"asset_id"`
	Shares        decimal.Decimal  `json:"shares" db:"shares"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price" db:"avg_entry_price"`
	Collateral    decimal.Decimal  `json:"collateral" db:"collateral"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// HasTargets reports whether a stop-loss or take-profit is attached.
func (p *Position) HasTargets() bool {
	return p.StopLoss != nil || p.TakeProfit != nil
}

// ClearTargets removes both stop-loss and take-profit.
func (p *Position) ClearTargets() {
	p.StopLoss = nil
	p.TakeProfit = nil
}

// LiquidityPool is the per-asset reserve backing curve trades.
// Invariant: sum(LPShare.LPShares) == TotalLPShares.
type LiquidityPool struct {
	AssetID       string          `json:"asset_id" db:"asset_id"`
	TotalReserve  decimal.Decimal `json:"total_reserve" db:"total_reserve"`
	TotalLPShares decimal.Decimal `json:"total_lp_shares" db:"total_lp_shares"`

	// TreasuryAccrued is the platform share of fees collected on this asset
	// and not yet swept to the treasury wallet. It is not part of the
	// reserve.
	TreasuryAccrued decimal.Decimal `json:"treasury_accrued" db:"treasury_accrued"`
}

// LPShare is one provider's proportional claim on a pool.
type LPShare struct {
	UserID           string          `json:"user_id" db:"user_id"`
	AssetID          string          `json:"asset_id" db:"asset_id"`
	LPShares         decimal.Decimal `json:"lp_shares" db:"lp_shares"`
	UnclaimedRewards decimal.Decimal `json:"unclaimed_rewards" db:"unclaimed_rewards"`
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side for a position of this direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Trade is an immutable settlement record. Append-only.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	AssetID    string          `json:"asset_id" db:"asset_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`     // signed: +buy, -sell
	Price      decimal.Decimal `json:"price" db:"price"`           // average curve price
	Gross      decimal.Decimal `json:"gross" db:"gross"`           // spend for buys, proceeds for sells
	Fee        decimal.Decimal `json:"fee" db:"fee"`
	Transition string          `json:"transition" db:"transition"` // position transition applied
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Ledger entry reasons.
const (
	ReasonTrade             = "trade"
	ReasonCollateralRelease = "collateral_release"
	ReasonPlatformFee       = "platform_fee"
	ReasonLPContribution    = "lp_contribution"
	ReasonDeposit           = "deposit"
	ReasonWithdrawal        = "withdrawal"
)

// LedgerEntry is an immutable per-user cash-flow record used for balance
// reconciliation. Append-only.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Currency  string          `json:"currency" db:"currency"`
	Reason    string          `json:"reason" db:"reason"`
	Reference string          `json:"reference" db:"reference"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TickTrigger names the event that caused a price recomputation.
type TickTrigger string

const (
	TriggerTrade     TickTrigger = "trade"
	TriggerSignal    TickTrigger = "signal"
	TriggerHeartbeat TickTrigger = "heartbeat"
)

// PriceTick is a timestamped price recomputation record.
type PriceTick struct {
	ID               string          `json:"id" db:"id"`
	AssetID          string          `json:"asset_id" db:"asset_id"`
	Trigger          TickTrigger     `json:"trigger" db:"trigger"`
	MarketPrice      decimal.Decimal `json:"market_price" db:"market_price"`
	FundamentalPrice decimal.Decimal `json:"fundamental_price" db:"fundamental_price"`
	DisplayPrice     decimal.Decimal `json:"display_price" db:"display_price"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	Weight           decimal.Decimal `json:"weight" db:"weight"`
	Supply           decimal.Decimal `json:"supply" db:"supply"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// Signal is an externally produced fundamental signal.
type Signal struct {
	AssetID      string          `json:"asset_id"`
	DeltaPercent decimal.Decimal `json:"delta_percent"`
	Confidence   decimal.Decimal `json:"confidence"`
	Summary      string          `json:"summary"`
	Sources      []string        `json:"sources"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Settlement is emitted by the exchange engine after a trade commits.
type Settlement struct {
	AssetID   string          `json:"asset_id"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExitStatus is the lifecycle of a gradual exit.
type ExitStatus string

const (
	ExitActive    ExitStatus = "active"
	ExitCompleted ExitStatus = "completed"
	ExitCancelled ExitStatus = "cancelled"
)

// GradualExit enrolls a position in a time-sliced close.
type GradualExit struct {
	ID          string        `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	AssetID     string        `json:"asset_id" db:"asset_id"`
	SlicesTotal int           `json:"slices_total" db:"slices_total"`
	SlicesDone  int           `json:"slices_done" db:"slices_done"`
	Interval    time.Duration `json:"interval" db:"interval"`
	NextRunAt   time.Time     `json:"next_run_at" db:"next_run_at"`
	Status      ExitStatus    `json:"status" db:"status"`
	LastError   string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// PositionView is a position marked to the asset's display price.
type PositionView struct {
	Position
	Symbol        string          `json:"symbol"`
	DisplayPrice  decimal.Decimal `json:"display_price"`
	Notional      decimal.Decimal `json:"notional"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates all positions for a user.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []PositionView  `json:"positions"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalExposure decimal.Decimal `json:"total_exposure"` // Σ |notional|
	LockedMargin  decimal.Decimal `json:"locked_margin"`  // Σ short collateral
}
