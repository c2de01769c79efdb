package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/exits"
	"github.com/atmx/synth-engine/internal/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string           `json:"error"`
	Kind      string           `json:"kind,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

// statusFor maps an engine failure to an HTTP status.
func statusFor(k exchange.Kind) int {
	switch k {
	case exchange.KindAssetNotFound, exchange.KindPositionNotFound:
		return http.StatusNotFound
	case exchange.KindAssetExists, exchange.KindAssetNotTradeable:
		return http.StatusConflict
	case exchange.KindUserBlacklisted:
		return http.StatusForbidden
	case exchange.KindSlippageExceeded, exchange.KindExposureLimitExceeded:
		return http.StatusConflict
	}
	switch k.Class() {
	case exchange.ClassEconomic:
		return http.StatusUnprocessableEntity
	case exchange.ClassConcurrency:
		return http.StatusServiceUnavailable
	case exchange.ClassInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// writeErr translates err into a status code and error body. Errors that
// are not part of the public contract are logged and reported as 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var te *exchange.TradeError
	switch {
	case errors.As(err, &te):
		body := errorBody{Error: te.Error(), Kind: string(te.Kind)}
		if te.Kind.Class() == exchange.ClassEconomic && !te.Shortfall.IsZero() {
			body.Shortfall = &te.Shortfall
		}
		status := statusFor(te.Kind)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", "path", r.URL.Path, "kind", te.Kind, "err", err)
		}
		writeJSON(w, status, body)
	case errors.Is(err, exits.ErrInvalidSchedule):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, exits.ErrNoPosition), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, exits.ErrNotActive):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
