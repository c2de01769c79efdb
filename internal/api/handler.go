// Package api provides the HTTP handlers for listing assets, trading,
// managing liquidity and targets, and querying prices and portfolios.
//
// All monetary values are decimals encoded as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/exits"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler serves the engine over HTTP.
type Handler struct {
	exchange *exchange.Engine
	exits    *exits.Service
	reader   store.Reader
}

// NewHandler creates a handler. reader serves the read-only endpoints and
// may be a cached view of the engine's store.
func NewHandler(ex *exchange.Engine, xs *exits.Service, reader store.Reader) *Handler {
	return &Handler{exchange: ex, exits: xs, reader: reader}
}

// Routes mounts the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/assets", h.ListAssets)
	r.Post("/assets", h.CreateAsset)
	r.Route("/assets/{assetID}", func(r chi.Router) {
		r.Get("/", h.GetAsset)
		r.Put("/status", h.SetAssetStatus)
		r.Get("/price", h.GetPrice)
		r.Get("/ticks", h.ListTicks)
		r.Get("/trades", h.ListAssetTrades)
		r.Get("/pool", h.GetPool)
		r.Post("/liquidity", h.Contribute)
	})

	r.Post("/trade", h.ExecuteTrade)
	r.Post("/quote", h.Quote)

	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/users/{userID}/trades", h.ListUserTrades)
	r.Get("/users/{userID}/ledger", h.ListLedger)
	r.Post("/users/{userID}/credit", h.Credit)
	r.Put("/users/{userID}/positions/{assetID}/targets", h.SetTargets)

	r.Post("/exits", h.EnrollExit)
	r.Get("/exits/{exitID}", h.GetExit)
	r.Delete("/exits/{exitID}", h.CancelExit)
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trade and POST /quote.
type TradeRequest struct {
	UserID  string     `json:"user_id"`
	AssetID string     `json:"asset_id"` // id or symbol
	Side    model.Side `json:"side"`     // "BUY" or "SELL"
	exchange.Request
}

// StatusRequest is the JSON body for PUT /assets/{assetID}/status.
type StatusRequest struct {
	Status model.AssetStatus `json:"status"`
}

// AmountRequest is the JSON body for liquidity contributions and credits.
type AmountRequest struct {
	UserID    string          `json:"user_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// TargetsRequest is the JSON body for PUT .../targets. Omitted levels are
// cleared.
type TargetsRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// ExitRequest is the JSON body for POST /exits. Interval is a Go duration
// string such as "30s" or "5m".
type ExitRequest struct {
	UserID   string `json:"user_id"`
	AssetID  string `json:"asset_id"`
	Slices   int    `json:"slices"`
	Interval string `json:"interval"`
}

// PriceResponse is the body of GET /assets/{assetID}/price.
type PriceResponse struct {
	AssetID     string          `json:"asset_id"`
	Symbol      string          `json:"symbol"`
	Display     decimal.Decimal `json:"display"`
	Market      decimal.Decimal `json:"market"`
	Fundamental decimal.Decimal `json:"fundamental"`
	Supply      decimal.Decimal `json:"supply"`
	LastTickAt  time.Time       `json:"last_tick_at"`
}

// PoolResponse is the body of GET /assets/{assetID}/pool.
type PoolResponse struct {
	model.LiquidityPool
	Providers []model.LPShare `json:"providers"`
}

// --- Assets ---

// CreateAsset handles POST /assets
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req exchange.NewAsset
	if !decode(w, r, &req) {
		return
	}
	a, err := h.exchange.CreateAsset(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAssets handles GET /assets, optionally filtered by ?category= and
// ?status=.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.reader.ListAssets(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	category := r.URL.Query().Get("category")
	status := model.AssetStatus(r.URL.Query().Get("status"))

	out := []model.Asset{}
	for _, a := range assets {
		if category != "" && a.Category != category {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAsset handles GET /assets/{assetID}
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SetAssetStatus handles PUT /assets/{assetID}/status
func (h *Handler) SetAssetStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	updated, err := h.exchange.SetAssetStatus(r.Context(), a.ID, req.Status)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// GetPrice handles GET /assets/{assetID}/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		AssetID:     a.ID,
		Symbol:      a.Symbol,
		Display:     a.DisplayPrice,
		Market:      a.MarketPrice,
		Fundamental: a.FundamentalPrice,
		Supply:      a.TotalSupply,
		LastTickAt:  a.LastTickAt,
	})
}

// ListTicks handles GET /assets/{assetID}/ticks?limit=
func (h *Handler) ListTicks(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	ticks, err := h.reader.ListTicks(r.Context(), a.ID, limit(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ticks == nil {
		ticks = []model.PriceTick{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// ListAssetTrades handles GET /assets/{assetID}/trades?limit=
func (h *Handler) ListAssetTrades(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	trades, err := h.reader.ListTradesByAsset(r.Context(), a.ID, limit(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPool handles GET /assets/{assetID}/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	p, err := h.reader.GetPool(ctx, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		p = &model.LiquidityPool{AssetID: a.ID, TotalReserve: decimal.Zero, TotalLPShares: decimal.Zero}
	} else if err != nil {
		writeErr(w, r, err)
		return
	}
	shares, err := h.reader.ListLPShares(ctx, a.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if shares == nil {
		shares = []model.LPShare{}
	}
	writeJSON(w, http.StatusOK, PoolResponse{LiquidityPool: *p, Providers: shares})
}

// Contribute handles POST /assets/{assetID}/liquidity
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	a, ok := h.asset(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	share, err := h.exchange.Contribute(r.Context(), req.UserID, a.ID, req.Amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

// --- Trading ---

// ExecuteTrade handles POST /trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.exchange.ExecuteTrade)
}

// Quote handles POST /quote. It prices the trade exactly as ExecuteTrade
// would, without committing anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.exchange.Quote)
}

type tradeFunc func(ctx context.Context, userID, assetID string, side model.Side, req exchange.Request) (*exchange.Result, error)

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, fn tradeFunc) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.AssetID == "" {
		writeError(w, "asset_id is required", http.StatusBadRequest)
		return
	}
	assetID := h.resolve(r, req.AssetID)
	req.Request.Origin = "api"
	res, err := fn(r.Context(), req.UserID, assetID, req.Side, req.Request)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Users ---

// GetPortfolio handles GET /portfolio/{userID}
// Returns balance, positions marked to display price, P&L and locked margin.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.exchange.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUserTrades handles GET /users/{userID}/trades?limit=
func (h *Handler) ListUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.reader.ListTradesByUser(r.Context(), chi.URLParam(r, "userID"), limit(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListLedger handles GET /users/{userID}/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reader.ListLedgerEntries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Credit handles POST /users/{userID}/credit. Negative amounts are
// withdrawals.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.exchange.Credit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// SetTargets handles PUT /users/{userID}/positions/{assetID}/targets
func (h *Handler) SetTargets(w http.ResponseWriter, r *http.Request) {
	var req TargetsRequest
	if !decode(w, r, &req) {
		return
	}
	assetID := h.resolve(r, chi.URLParam(r, "assetID"))
	p, err := h.exchange.SetTargets(r.Context(), chi.URLParam(r, "userID"), assetID, req.StopLoss, req.TakeProfit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Gradual exits ---

// EnrollExit handles POST /exits
func (h *Handler) EnrollExit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if !decode(w, r, &req) {
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeError(w, "interval must be a duration such as 30s or 5m", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.AssetID == "" {
		writeError(w, "user_id and asset_id are required", http.StatusBadRequest)
		return
	}
	e, err := h.exits.Enroll(r.Context(), req.UserID, h.resolve(r, req.AssetID), req.Slices, interval)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetExit handles GET /exits/{exitID}
func (h *Handler) GetExit(w http.ResponseWriter, r *http.Request) {
	e, err := h.reader.GetExit(r.Context(), chi.URLParam(r, "exitID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CancelExit handles DELETE /exits/{exitID}
func (h *Handler) CancelExit(w http.ResponseWriter, r *http.Request) {
	e, err := h.exits.Cancel(r.Context(), chi.URLParam(r, "exitID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- helpers ---

// asset loads the asset named by the {assetID} URL parameter, which may be
// an id or a symbol.
func (h *Handler) asset(w http.ResponseWriter, r *http.Request) (*model.Asset, bool) {
	ref := chi.URLParam(r, "assetID")
	a, err := h.reader.GetAsset(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		a, err = h.reader.GetAssetBySymbol(r.Context(), ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "asset not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return a, true
}

// resolve maps a symbol to its asset id. Unknown references pass through
// so the engine reports them.
func (h *Handler) resolve(r *http.Request, ref string) string {
	if _, err := h.reader.GetAsset(r.Context(), ref); err == nil {
		return ref
	}
	if a, err := h.reader.GetAssetBySymbol(r.Context(), ref); err == nil {
		return a.ID
	}
	return ref
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
