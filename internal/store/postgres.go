package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/model"
)

// Schema is the DDL applied by cmd/migrate.
//
//go:embed schema.sql
var Schema string

// PostgreSQL error codes the store translates.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgQueryCanceled        = "57014"
)

// PostgresOptions bounds each transaction.
type PostgresOptions struct {
	// LockTimeout bounds the wait for any row lock inside a transaction.
	LockTimeout time.Duration
	// StatementTimeout bounds each statement inside a transaction.
	StatementTimeout time.Duration
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every RunInTx is a SERIALIZABLE transaction; rows that a trade mutates are
// additionally read FOR UPDATE so concurrent trades on one asset queue on the
// asset row instead of failing late.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts PostgresOptions
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts PostgresOptions) *PostgresStore {
	return &PostgresStore{pool: pool, opts: opts}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(err)
	}
	defer tx.Rollback(ctx)

	if s.opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.opts.LockTimeout.Milliseconds())); err != nil {
			return mapPgError(err)
		}
	}
	if s.opts.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.opts.StatementTimeout.Milliseconds())); err != nil {
			return mapPgError(err)
		}
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

// mapPgError translates PostgreSQL failures into store sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// dec parses a NUMERIC::TEXT column. The database only ever holds valid
// numerics, so a parse failure yields zero.
func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v := dec(*s)
	return &v
}

func strPtr(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

// --- Shared queries (used by both pool reads and transactions) ---

const assetColumns = `id, symbol, category, p0::TEXT, k::TEXT, total_supply::TEXT, status,
	market_price::TEXT, fundamental_price::TEXT, display_price::TEXT, last_tick_at, created_at`

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var p0, k, supply, market, fundamental, display, status string
	if err := row.Scan(&a.ID, &a.Symbol, &a.Category, &p0, &k, &supply, &status,
		&market, &fundamental, &display, &a.LastTickAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.P0, a.K, a.TotalSupply = dec(p0), dec(k), dec(supply)
	a.MarketPrice, a.FundamentalPrice, a.DisplayPrice = dec(market), dec(fundamental), dec(display)
	a.Status = model.AssetStatus(status)
	return &a, nil
}

const positionColumns = `user_id, asset_id, shares::TEXT, avg_entry_price::TEXT, collateral::TEXT,
	stop_loss::TEXT, take_profit::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, avg, collateral string
	var sl, tp *string
	if err := row.Scan(&p.UserID, &p.AssetID, &shares, &avg, &collateral, &sl, &tp, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Shares, p.AvgEntryPrice, p.Collateral = dec(shares), dec(avg), dec(collateral)
	p.StopLoss, p.TakeProfit = decPtr(sl), decPtr(tp)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const exitColumns = `id, user_id, asset_id, slices_total, slices_done, interval_ms, next_run_at, status, last_error, created_at`

func scanExit(row pgx.Row) (*model.GradualExit, error) {
	var e model.GradualExit
	var intervalMS int64
	var status string
	if err := row.Scan(&e.ID, &e.UserID, &e.AssetID, &e.SlicesTotal, &e.SlicesDone,
		&intervalMS, &e.NextRunAt, &status, &e.LastError, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Interval = time.Duration(intervalMS) * time.Millisecond
	e.Status = model.ExitStatus(status)
	return &e, nil
}

func getPool(ctx context.Context, q querier, assetID, suffix string) (*model.LiquidityPool, error) {
	var p model.LiquidityPool
	var reserve, shares, accrued string
	err := q.QueryRow(ctx,
		`SELECT asset_id, total_reserve::TEXT, total_lp_shares::TEXT, treasury_accrued::TEXT
		 FROM liquidity_pools WHERE asset_id = $1`+suffix, assetID).
		Scan(&p.AssetID, &reserve, &shares, &accrued)
	if err != nil {
		return nil, notFound(err, "pool "+assetID)
	}
	p.TotalReserve, p.TotalLPShares, p.TreasuryAccrued = dec(reserve), dec(shares), dec(accrued)
	return &p, nil
}

func listLPShares(ctx context.Context, q querier, assetID string) ([]model.LPShare, error) {
	rows, err := q.Query(ctx,
		`SELECT asset_id, user_id, lp_shares::TEXT, unclaimed_rewards::TEXT
		 FROM lp_shares WHERE asset_id = $1 ORDER BY user_id`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LPShare
	for rows.Next() {
		var sh model.LPShare
		var lp, rewards string
		if err := rows.Scan(&sh.AssetID, &sh.UserID, &lp, &rewards); err != nil {
			return nil, err
		}
		sh.LPShares, sh.UnclaimedRewards = dec(lp), dec(rewards)
		out = append(out, sh)
	}
	return out, rows.Err()
}

func getUser(ctx context.Context, q querier, id, suffix string) (*model.User, error) {
	var u model.User
	var balance string
	err := q.QueryRow(ctx,
		`SELECT id, balance::TEXT, blacklisted FROM users WHERE id = $1`+suffix, id).
		Scan(&u.ID, &balance, &u.Blacklisted)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	u.Balance = dec(balance)
	return &u, nil
}

// --- Transaction ---

type pgTx struct {
	q querier
}

func (t *pgTx) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO assets (id, symbol, category, p0, k, total_supply, status,
		                     market_price, fundamental_price, display_price, last_tick_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		a.ID, a.Symbol, a.Category, a.P0.String(), a.K.String(), a.TotalSupply.String(), string(a.Status),
		a.MarketPrice.String(), a.FundamentalPrice.String(), a.DisplayPrice.String(), a.LastTickAt, a.CreatedAt,
	)
	return err
}

func (t *pgTx) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(t.q.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "asset "+id)
	}
	return a, nil
}

func (t *pgTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE assets
		 SET p0 = $2::NUMERIC, k = $3::NUMERIC, total_supply = $4::NUMERIC, status = $5,
		     market_price = $6::NUMERIC, fundamental_price = $7::NUMERIC, display_price = $8::NUMERIC,
		     last_tick_at = $9
		 WHERE id = $1`,
		a.ID, a.P0.String(), a.K.String(), a.TotalSupply.String(), string(a.Status),
		a.MarketPrice.String(), a.FundamentalPrice.String(), a.DisplayPrice.String(), a.LastTickAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: asset %s", ErrNotFound, a.ID)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) PutUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, balance, blacklisted) VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, blacklisted = EXCLUDED.blacklisted`,
		u.ID, u.Balance.String(), u.Blacklisted,
	)
	return err
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, ref string) (*model.User, error) {
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) || delta.IsNegative() {
			return nil, err
		}
		u = &model.User{ID: userID}
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("%w: user %s balance %s delta %s", ErrInsufficientBalance, userID, u.Balance, delta)
	}
	u.Balance = next
	if err := t.PutUser(ctx, u); err != nil {
		return nil, err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, delta, currency, reason, reference, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		uuid.New().String(), userID, delta.String(), model.Currency, reason, ref, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, assetID string) (*model.Position, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND asset_id = $2 FOR UPDATE`,
		userID, assetID))
	if err != nil {
		return nil, notFound(err, "position "+userID+"/"+assetID)
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (user_id, asset_id, shares, avg_entry_price, collateral, stop_loss, take_profit, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (user_id, asset_id) DO UPDATE SET
		     shares = EXCLUDED.shares, avg_entry_price = EXCLUDED.avg_entry_price,
		     collateral = EXCLUDED.collateral, stop_loss = EXCLUDED.stop_loss,
		     take_profit = EXCLUDED.take_profit, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.AssetID, p.Shares.String(), p.AvgEntryPrice.String(), p.Collateral.String(),
		strPtr(p.StopLoss), strPtr(p.TakeProfit), p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, assetID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND asset_id = $2`, userID, assetID)
	return err
}

func (t *pgTx) GetPool(ctx context.Context, assetID string) (*model.LiquidityPool, error) {
	return getPool(ctx, t.q, assetID, " FOR UPDATE")
}

func (t *pgTx) PutPool(ctx context.Context, p *model.LiquidityPool) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO liquidity_pools (asset_id, total_reserve, total_lp_shares, treasury_accrued)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (asset_id) DO UPDATE SET
		     total_reserve = EXCLUDED.total_reserve, total_lp_shares = EXCLUDED.total_lp_shares,
		     treasury_accrued = EXCLUDED.treasury_accrued`,
		p.AssetID, p.TotalReserve.String(), p.TotalLPShares.String(), p.TreasuryAccrued.String(),
	)
	return err
}

func (t *pgTx) ListLPShares(ctx context.Context, assetID string) ([]model.LPShare, error) {
	return listLPShares(ctx, t.q, assetID)
}

func (t *pgTx) PutLPShare(ctx context.Context, sh *model.LPShare) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO lp_shares (asset_id, user_id, lp_shares, unclaimed_rewards)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (asset_id, user_id) DO UPDATE SET
		     lp_shares = EXCLUDED.lp_shares, unclaimed_rewards = EXCLUDED.unclaimed_rewards`,
		sh.AssetID, sh.UserID, sh.LPShares.String(), sh.UnclaimedRewards.String(),
	)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, asset_id, user_id, side, quantity, price, gross, fee, transition, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		tr.ID, tr.AssetID, tr.UserID, string(tr.Side), tr.Quantity.String(), tr.Price.String(),
		tr.Gross.String(), tr.Fee.String(), tr.Transition, tr.Timestamp,
	)
	return err
}

func (t *pgTx) InsertTick(ctx context.Context, tk *model.PriceTick) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO price_ticks (id, asset_id, trigger, market_price, fundamental_price, display_price,
		                          volume, weight, supply, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		tk.ID, tk.AssetID, string(tk.Trigger), tk.MarketPrice.String(), tk.FundamentalPrice.String(),
		tk.DisplayPrice.String(), tk.Volume.String(), tk.Weight.String(), tk.Supply.String(), tk.Timestamp,
	)
	return err
}

func (t *pgTx) GetExit(ctx context.Context, id string) (*model.GradualExit, error) {
	e, err := scanExit(t.q.QueryRow(ctx, `SELECT `+exitColumns+` FROM gradual_exits WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "exit "+id)
	}
	return e, nil
}

func (t *pgTx) PutExit(ctx context.Context, e *model.GradualExit) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO gradual_exits (`+exitColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     slices_done = EXCLUDED.slices_done, next_run_at = EXCLUDED.next_run_at,
		     status = EXCLUDED.status, last_error = EXCLUDED.last_error`,
		e.ID, e.UserID, e.AssetID, e.SlicesTotal, e.SlicesDone, e.Interval.Milliseconds(),
		e.NextRunAt, string(e.Status), e.LastError, e.CreatedAt,
	)
	return err
}

// --- Reader ---

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "asset "+id)
	}
	return a, nil
}

func (s *PostgresStore) GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, notFound(err, "asset symbol "+symbol)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, "")
}

func (s *PostgresStore) GetPool(ctx context.Context, assetID string) (*model.LiquidityPool, error) {
	return getPool(ctx, s.pool, assetID, "")
}

func (s *PostgresStore) ListLPShares(ctx context.Context, assetID string) ([]model.LPShare, error) {
	return listLPShares(ctx, s.pool, assetID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY asset_id`, userID)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByAsset(ctx context.Context, assetID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE asset_id = $1 ORDER BY user_id`, assetID)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsWithTargets(ctx context.Context, assetID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE asset_id = $1 AND (stop_loss IS NOT NULL OR take_profit IS NOT NULL)
		 ORDER BY user_id`, assetID)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

const tradeColumns = `id, asset_id, user_id, side, quantity::TEXT, price::TEXT, gross::TEXT, fee::TEXT, transition, timestamp`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qty, price, gross, fee string
		if err := rows.Scan(&t.ID, &t.AssetID, &t.UserID, &side, &qty, &price, &gross, &fee,
			&t.Transition, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Quantity, t.Price, t.Gross, t.Fee = dec(qty), dec(price), dec(gross), dec(fee)
		out = append(out, t)
	}
	return out, rows.Err()
}

// limitClause maps limit <= 0 to "no limit".
func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func (s *PostgresStore) ListTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE asset_id = $1 ORDER BY timestamp DESC`+limitClause(limit), assetID)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY timestamp DESC`+limitClause(limit), userID)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, delta::TEXT, currency, reason, reference, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var delta string
		if err := rows.Scan(&e.ID, &e.UserID, &delta, &e.Currency, &e.Reason, &e.Reference, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Delta = dec(delta)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTicks(ctx context.Context, assetID string, limit int) ([]model.PriceTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_id, trigger, market_price::TEXT, fundamental_price::TEXT, display_price::TEXT,
		        volume::TEXT, weight::TEXT, supply::TEXT, timestamp
		 FROM price_ticks WHERE asset_id = $1 ORDER BY timestamp DESC`+limitClause(limit), assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceTick
	for rows.Next() {
		var t model.PriceTick
		var trigger, market, fundamental, display, volume, weight, supply string
		if err := rows.Scan(&t.ID, &t.AssetID, &trigger, &market, &fundamental, &display,
			&volume, &weight, &supply, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Trigger = model.TickTrigger(trigger)
		t.MarketPrice, t.FundamentalPrice, t.DisplayPrice = dec(market), dec(fundamental), dec(display)
		t.Volume, t.Weight, t.Supply = dec(volume), dec(weight), dec(supply)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VolumeSince(ctx context.Context, assetID string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(ABS(quantity) * price), 0)::TEXT
		 FROM trades WHERE asset_id = $1 AND timestamp >= $2`, assetID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(total), nil
}

func (s *PostgresStore) ListDueExits(ctx context.Context, now time.Time) ([]model.GradualExit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitColumns+` FROM gradual_exits
		 WHERE status = 'active' AND next_run_at <= $1 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GradualExit
	for rows.Next() {
		e, err := scanExit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetExit(ctx context.Context, id string) (*model.GradualExit, error) {
	e, err := scanExit(s.pool.QueryRow(ctx, `SELECT `+exitColumns+` FROM gradual_exits WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "exit "+id)
	}
	return e, nil
}
