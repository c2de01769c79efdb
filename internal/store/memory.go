package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Transactions are optimistic: a MemoryTx reads committed rows, stages its
// writes, and at commit validates that every row it touched still carries
// the version it observed. Any mismatch aborts with ErrSerialization.
// Transactions on disjoint rows (different assets, different users) never
// conflict and never wait on each other.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    uint64
	rows   map[string]*memRow
	trades []model.Trade
	ledger []model.LedgerEntry
	ticks  []model.PriceTick
}

type memRow struct {
	val     any
	ver     uint64
	deleted bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*memRow),
	}
}

func assetKey(id string) string { return "asset/" + id }
func userKey(id string) string { return "user/" + id }
func positionKey(userID, assetID string) string { return "pos/" + assetID + "/" + userID }
func poolKey(assetID string) string { return "pool/" + assetID }
func lpKey(assetID, userID string) string { return "lp/" + assetID + "/" + userID }
func exitKey(id string) string { return "exit/" + id }

// RunInTx runs fn against a fresh optimistic transaction and commits it.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:      s,
		reads:  make(map[string]uint64),
		snap:   make(map[string]*memRow),
		writes: make(map[string]*memRow),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ver := range tx.reads {
		var cur uint64
		if r, ok := s.rows[key]; ok {
			cur = r.ver
		}
		if cur != ver {
			return fmt.Errorf("%w: %s", ErrSerialization, key)
		}
	}

	for key, w := range tx.writes {
		if !strings.HasPrefix(key, "asset/") || w.deleted {
			continue
		}
		created := w.val.(model.Asset)
		for k, r := range s.rows {
			if k == key || r.deleted || !strings.HasPrefix(k, "asset/") {
				continue
			}
			if r.val.(model.Asset).Symbol == created.Symbol {
				return fmt.Errorf("%w: asset symbol %s", ErrConflict, created.Symbol)
			}
		}
	}

	s.seq++
	for key, w := range tx.writes {
		s.rows[key] = &memRow{val: w.val, ver: s.seq, deleted: w.deleted}
	}
	s.trades = append(s.trades, tx.trades...)
	s.ledger = append(s.ledger, tx.ledger...)
	s.ticks = append(s.ticks, tx.ticks...)
	return nil
}

// memTx is a staged optimistic transaction.
type memTx struct {
	s      *MemoryStore
	reads  map[string]uint64
	snap   map[string]*memRow
	writes map[string]*memRow
	trades []model.Trade
	ledger []model.LedgerEntry
	ticks  []model.PriceTick
}

// observe records the committed version of key on first touch and returns
// the snapshot row (nil when absent or deleted).
func (tx *memTx) observe(key string) *memRow {
	if r, ok := tx.snap[key]; ok {
		return r
	}
	tx.s.mu.RLock()
	r, ok := tx.s.rows[key]
	var ver uint64
	var cp *memRow
	if ok {
		ver = r.ver
		if !r.deleted {
			cp = &memRow{val: r.val, ver: r.ver}
		}
	}
	tx.s.mu.RUnlock()

	tx.reads[key] = ver
	tx.snap[key] = cp
	return cp
}

func (tx *memTx) load(key string) (any, bool) {
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.val, true
	}
	r := tx.observe(key)
	if r == nil {
		return nil, false
	}
	return r.val, true
}

func (tx *memTx) stage(key string, val any) {
	tx.observe(key)
	tx.writes[key] = &memRow{val: val}
}

func (tx *memTx) remove(key string) {
	tx.observe(key)
	tx.writes[key] = &memRow{deleted: true}
}

// scan returns the live values under prefix as seen by this transaction.
func (tx *memTx) scan(prefix string) []any {
	tx.s.mu.RLock()
	keys := make([]string, 0)
	for k := range tx.s.rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	tx.s.mu.RUnlock()
	for k := range tx.writes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []any
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := tx.load(k); ok {
			out = append(out, v)
		}
	}
	return out
}

func (tx *memTx) CreateAsset(_ context.Context, a *model.Asset) error {
	if _, ok := tx.load(assetKey(a.ID)); ok {
		return fmt.Errorf("%w: asset %s", ErrConflict, a.ID)
	}
	tx.stage(assetKey(a.ID), *a)
	return nil
}

func (tx *memTx) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	v, ok := tx.load(assetKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}
	a := v.(model.Asset)
	return &a, nil
}

func (tx *memTx) UpdateAsset(_ context.Context, a *model.Asset) error {
	if _, ok := tx.load(assetKey(a.ID)); !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, a.ID)
	}
	tx.stage(assetKey(a.ID), *a)
	return nil
}

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	v, ok := tx.load(userKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u := v.(model.User)
	return &u, nil
}

func (tx *memTx) PutUser(_ context.Context, u *model.User) error {
	tx.stage(userKey(u.ID), *u)
	return nil
}

func (tx *memTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, ref string) (*model.User, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		if delta.IsNegative() {
			return nil, err
		}
		u = &model.User{ID: userID}
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("%w: user %s balance %s delta %s", ErrInsufficientBalance, userID, u.Balance, delta)
	}
	u.Balance = next
	tx.stage(userKey(userID), *u)
	tx.ledger = append(tx.ledger, model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Delta:     delta,
		Currency:  model.Currency,
		Reason:    reason,
		Reference: ref,
		Timestamp: time.Now().UTC(),
	})
	return u, nil
}

func (tx *memTx) GetPosition(_ context.Context, userID, assetID string) (*model.Position, error) {
	v, ok := tx.load(positionKey(userID, assetID))
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, userID, assetID)
	}
	p := v.(model.Position)
	return &p, nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	tx.stage(positionKey(p.UserID, p.AssetID), *p)
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID, assetID string) error {
	tx.remove(positionKey(userID, assetID))
	return nil
}

func (tx *memTx) GetPool(_ context.Context, assetID string) (*model.LiquidityPool, error) {
	v, ok := tx.load(poolKey(assetID))
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, assetID)
	}
	p := v.(model.LiquidityPool)
	return &p, nil
}

func (tx *memTx) PutPool(_ context.Context, p *model.LiquidityPool) error {
	tx.stage(poolKey(p.AssetID), *p)
	return nil
}

func (tx *memTx) ListLPShares(_ context.Context, assetID string) ([]model.LPShare, error) {
	var out []model.LPShare
	for _, v := range tx.scan("lp/" + assetID + "/") {
		out = append(out, v.(model.LPShare))
	}
	return out, nil
}

func (tx *memTx) PutLPShare(_ context.Context, sh *model.LPShare) error {
	tx.stage(lpKey(sh.AssetID, sh.UserID), *sh)
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) InsertTick(_ context.Context, t *model.PriceTick) error {
	tx.ticks = append(tx.ticks, *t)
	return nil
}

func (tx *memTx) GetExit(_ context.Context, id string) (*model.GradualExit, error) {
	v, ok := tx.load(exitKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: exit %s", ErrNotFound, id)
	}
	e := v.(model.GradualExit)
	return &e, nil
}

func (tx *memTx) PutExit(_ context.Context, e *model.GradualExit) error {
	tx.stage(exitKey(e.ID), *e)
	return nil
}

// --- Reader ---

// live returns committed, non-deleted values under prefix in key order.
// Caller must hold s.mu.
func (s *MemoryStore) live(prefix string) []any {
	keys := make([]string, 0)
	for k, r := range s.rows {
		if !r.deleted && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.rows[k].val)
	}
	return out
}

func (s *MemoryStore) get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	if !ok || r.deleted {
		return nil, false
	}
	return r.val, true
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	v, ok := s.get(assetKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}
	a := v.(model.Asset)
	return &a, nil
}

func (s *MemoryStore) GetAssetBySymbol(_ context.Context, symbol string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.live("asset/") {
		if a := v.(model.Asset); a.Symbol == symbol {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: asset symbol %s", ErrNotFound, symbol)
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]model.Asset, 0)
	for _, v := range s.live("asset/") {
		assets = append(assets, v.(model.Asset))
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].CreatedAt.Before(assets[j].CreatedAt) })
	return assets, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	v, ok := s.get(userKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u := v.(model.User)
	return &u, nil
}

func (s *MemoryStore) GetPool(_ context.Context, assetID string) (*model.LiquidityPool, error) {
	v, ok := s.get(poolKey(assetID))
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, assetID)
	}
	p := v.(model.LiquidityPool)
	return &p, nil
}

func (s *MemoryStore) ListLPShares(_ context.Context, assetID string) ([]model.LPShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LPShare
	for _, v := range s.live("lp/" + assetID + "/") {
		out = append(out, v.(model.LPShare))
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, v := range s.live("pos/") {
		if p := v.(model.Position); p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByAsset(_ context.Context, assetID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, v := range s.live("pos/" + assetID + "/") {
		out = append(out, v.(model.Position))
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsWithTargets(ctx context.Context, assetID string) ([]model.Position, error) {
	all, err := s.ListPositionsByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	var out []model.Position
	for _, p := range all {
		if p.HasTargets() {
			out = append(out, p)
		}
	}
	return out, nil
}

// newestFirst returns up to limit items from the tail of a chronological
// slice, newest first. limit <= 0 returns everything.
func newestFirst[T any](items []T, keep func(T) bool, limit int) []T {
	var out []T
	for i := len(items) - 1; i >= 0; i-- {
		if !keep(items[i]) {
			continue
		}
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) ListTradesByAsset(_ context.Context, assetID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.trades, func(t model.Trade) bool { return t.AssetID == assetID }, limit), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.trades, func(t model.Trade) bool { return t.UserID == userID }, limit), nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTicks(_ context.Context, assetID string, limit int) ([]model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.ticks, func(t model.PriceTick) bool { return t.AssetID == assetID }, limit), nil
}

func (s *MemoryStore) VolumeSince(_ context.Context, assetID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, t := range s.trades {
		if t.AssetID != assetID || t.Timestamp.Before(since) {
			continue
		}
		total = total.Add(t.Quantity.Abs().Mul(t.Price))
	}
	return total, nil
}

func (s *MemoryStore) ListDueExits(_ context.Context, now time.Time) ([]model.GradualExit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.GradualExit
	for _, v := range s.live("exit/") {
		e := v.(model.GradualExit)
		if e.Status == model.ExitActive && !e.NextRunAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetExit(_ context.Context, id string) (*model.GradualExit, error) {
	v, ok := s.get(exitKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: exit %s", ErrNotFound, id)
	}
	e := v.(model.GradualExit)
	return &e, nil
}
