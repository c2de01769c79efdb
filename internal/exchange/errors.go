package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies a trade failure.
type Kind string

const (
	// Validation
	KindInvalidRequest       Kind = "InvalidRequest"
	KindAssetNotFound        Kind = "AssetNotFound"
	KindAssetExists          Kind = "AssetExists"
	KindAssetNotTradeable    Kind = "AssetNotTradeable"
	KindPricingParamsMissing Kind = "PricingParamsMissing"
	KindUserBlacklisted      Kind = "UserBlacklisted"
	KindPositionNotFound     Kind = "PositionNotFound"
	KindTargetsCleared       Kind = "TargetsCleared"
	KindTradeTooSmall        Kind = "TradeTooSmall"

	// Economic
	KindInsufficientFunds         Kind = "InsufficientFunds"
	KindInsufficientPoolLiquidity Kind = "InsufficientPoolLiquidity"
	KindSlippageExceeded          Kind = "SlippageExceeded"
	KindExposureLimitExceeded     Kind = "ExposureLimitExceeded"
	KindCurveUnsatisfiable        Kind = "CurveUnsatisfiable"

	// Concurrency
	KindTradeTimeout Kind = "TradeTimeout"

	// Invariant
	KindInvariantViolation Kind = "InvariantViolation"
)

// Class groups kinds by how a caller should react.
type Class int

const (
	ClassValidation Class = iota
	ClassEconomic
	ClassConcurrency
	ClassInvariant
)

// Class returns the error class of k.
func (k Kind) Class() Class {
	switch k {
	case KindInsufficientFunds, KindInsufficientPoolLiquidity, KindSlippageExceeded,
		KindExposureLimitExceeded, KindCurveUnsatisfiable:
		return ClassEconomic
	case KindTradeTimeout:
		return ClassConcurrency
	case KindInvariantViolation:
		return ClassInvariant
	default:
		return ClassValidation
	}
}

// TradeError is returned by every Engine operation. Economic failures carry
// the numeric shortfall so a caller can retry with adjusted parameters.
// Nothing is committed when a TradeError is returned.
type TradeError struct {
	Kind      Kind
	Msg       string
	Shortfall decimal.Decimal
}

func (e *TradeError) Error() string {
	if e.Msg == "" {
		return "exchange: " + string(e.Kind)
	}
	if e.Shortfall.IsPositive() {
		return fmt.Sprintf("exchange: %s: %s (shortfall %s)", e.Kind, e.Msg, e.Shortfall)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Msg)
}

// Is matches any *TradeError of the same kind, so
// errors.Is(err, ErrSlippageExceeded) works on detailed errors.
func (e *TradeError) Is(target error) bool {
	t, ok := target.(*TradeError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the failure left no effect and may be retried
// as is.
func (e *TradeError) Retryable() bool {
	return e.Kind.Class() == ClassConcurrency
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidRequest            = &TradeError{Kind: KindInvalidRequest}
	ErrAssetNotFound             = &TradeError{Kind: KindAssetNotFound}
	ErrAssetExists               = &TradeError{Kind: KindAssetExists}
	ErrAssetNotTradeable         = &TradeError{Kind: KindAssetNotTradeable}
	ErrPricingParamsMissing      = &TradeError{Kind: KindPricingParamsMissing}
	ErrUserBlacklisted           = &TradeError{Kind: KindUserBlacklisted}
	ErrPositionNotFound          = &TradeError{Kind: KindPositionNotFound}
	ErrTargetsCleared            = &TradeError{Kind: KindTargetsCleared}
	ErrTradeTooSmall             = &TradeError{Kind: KindTradeTooSmall}
	ErrInsufficientFunds         = &TradeError{Kind: KindInsufficientFunds}
	ErrInsufficientPoolLiquidity = &TradeError{Kind: KindInsufficientPoolLiquidity}
	ErrSlippageExceeded          = &TradeError{Kind: KindSlippageExceeded}
	ErrExposureLimitExceeded     = &TradeError{Kind: KindExposureLimitExceeded}
	ErrCurveUnsatisfiable        = &TradeError{Kind: KindCurveUnsatisfiable}
	ErrTradeTimeout              = &TradeError{Kind: KindTradeTimeout}
	ErrInvariantViolation        = &TradeError{Kind: KindInvariantViolation}
)

func fail(kind Kind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func short(kind Kind, shortfall decimal.Decimal, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...), Shortfall: shortfall}
}
