// Package store defines the persistence interface for the synthetic asset
// engine. Implementations include PostgreSQL (source of truth, serializable
// transactions), Redis (read-through cache of asset prices), and in-memory
// (optimistic concurrency, for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique key already exists.
	ErrConflict = errors.New("store: already exists")

	// ErrSerialization is returned when a transaction lost a serialization
	// race. Retrying the whole unit is safe.
	ErrSerialization = errors.New("store: serialization conflict")

	// ErrLockTimeout is returned when a transaction waited too long for a
	// row lock. Retrying the whole unit is safe.
	ErrLockTimeout = errors.New("store: lock wait timeout")

	// ErrInsufficientBalance is returned by AdjustBalance when a debit
	// would take a wallet negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// Tx is one atomic, isolated unit of work. Everything read or written
// through a Tx commits together or not at all.
type Tx interface {
	// --- Assets ---
	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	UpdateAsset(ctx context.Context, a *model.Asset) error

	// --- Wallets ---

	// GetUser returns ErrNotFound for unknown users.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// PutUser creates or replaces a user record (balance included).
	PutUser(ctx context.Context, u *model.User) error

	// AdjustBalance applies delta to the user's wallet and appends a ledger
	// entry. Credits create the wallet if missing; debits below zero fail
	// with ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, ref string) (*model.User, error)

	// --- Positions ---
	GetPosition(ctx context.Context, userID, assetID string) (*model.Position, error)
	PutPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID, assetID string) error

	// --- Liquidity ---
	GetPool(ctx context.Context, assetID string) (*model.LiquidityPool, error)
	PutPool(ctx context.Context, p *model.LiquidityPool) error
	ListLPShares(ctx context.Context, assetID string) ([]model.LPShare, error)
	PutLPShare(ctx context.Context, s *model.LPShare) error

	// --- Append-only records ---
	InsertTrade(ctx context.Context, t *model.Trade) error
	InsertTick(ctx context.Context, t *model.PriceTick) error

	// --- Gradual exits ---
	GetExit(ctx context.Context, id string) (*model.GradualExit, error)
	PutExit(ctx context.Context, e *model.GradualExit) error
}

// Reader serves non-transactional reads. Results may lag a concurrent
// commit but never expose a partial one.
type Reader interface {
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetPool(ctx context.Context, assetID string) (*model.LiquidityPool, error)
	ListLPShares(ctx context.Context, assetID string) ([]model.LPShare, error)

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListPositionsByAsset(ctx context.Context, assetID string) ([]model.Position, error)

	// ListPositionsWithTargets returns the open positions of an asset that
	// carry a stop-loss or take-profit.
	ListPositionsWithTargets(ctx context.Context, assetID string) ([]model.Position, error)

	ListTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error)
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error)
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	ListTicks(ctx context.Context, assetID string, limit int) ([]model.PriceTick, error)

	// VolumeSince returns Σ |quantity| * price over the asset's trades at or
	// after since.
	VolumeSince(ctx context.Context, assetID string, since time.Time) (decimal.Decimal, error)

	ListDueExits(ctx context.Context, now time.Time) ([]model.GradualExit, error)
	GetExit(ctx context.Context, id string) (*model.GradualExit, error)
}

// Store is the persistence interface.
type Store interface {
	Reader

	// RunInTx runs fn inside one serializable unit of work. If fn returns an
	// error the unit is rolled back. Commit conflicts surface as
	// ErrSerialization or ErrLockTimeout.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// IsRetryable reports whether err is a concurrency failure that leaves no
// partial effect and may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrLockTimeout)
}
