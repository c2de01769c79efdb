// Package position implements the signed-position state machine. A position
// is Flat, Long or Short; a trade moves it through one of five transitions
// (Open, Increase, Reduce, Close, Flip). Every transition is a pure function
// from (state, curve, side, shares) to (next state, settlement) and never
// touches storage.
//
// Cash flows are reported before fees. For every settlement
//
//	Wallet + Pool + Collateral == 0
//
// so a trade never creates or destroys value; the exchange layers the fee on
// top and routes it to liquidity providers and the treasury.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/model"
)

var (
	// ErrInvalidSide is returned for sides other than BUY and SELL.
	ErrInvalidSide = errors.New("position: invalid side")

	// ErrNonPositiveShares is returned when the share delta is <= 0.
	ErrNonPositiveShares = errors.New("position: share delta must be positive")
)

// Kind is the direction of a position.
type Kind int

const (
	Flat Kind = iota
	Long
	Short
)

func (k Kind) String() string {
	switch k {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Transition names the state change a trade applies.
type Transition string

const (
	Open     Transition = "open"
	Increase Transition = "increase"
	Reduce   Transition = "reduce"
	Close    Transition = "close"
	Flip     Transition = "flip"
)

// State is the economic part of a position.
type State struct {
	Shares        decimal.Decimal // signed: >0 long, <0 short
	AvgEntryPrice decimal.Decimal
	Collateral    decimal.Decimal
}

// FromModel extracts the state of p. A nil position is Flat.
func FromModel(p *model.Position) State {
	if p == nil {
		return State{}
	}
	return State{Shares: p.Shares, AvgEntryPrice: p.AvgEntryPrice, Collateral: p.Collateral}
}

// Kind reports the direction of s.
func (s State) Kind() Kind {
	switch s.Shares.Sign() {
	case 1:
		return Long
	case -1:
		return Short
	default:
		return Flat
	}
}

// Size is |Shares|.
func (s State) Size() decimal.Decimal { return s.Shares.Abs() }

// IsDust reports whether s is open but smaller than eps.
func (s State) IsDust(eps decimal.Decimal) bool {
	return !s.Shares.IsZero() && s.Size().LessThan(eps)
}

// Curve is the pricing curve of an asset at its current supply.
type Curve struct {
	P0     decimal.Decimal
	K      decimal.Decimal
	Supply decimal.Decimal
}

// Leg is one contiguous traversal of the curve. A flip settles as two legs,
// the second starting where the first ended.
type Leg struct {
	From   decimal.Decimal // supply at the start of the leg
	Shares decimal.Decimal // signed supply delta
	Amount decimal.Decimal // curve integral, rounded against the trader
}

// Settlement is the outcome of one transition, before fees.
type Settlement struct {
	Transition Transition
	Prev       State
	Next       State
	Legs       []Leg

	// Gross is the total curve amount: cost for buys, proceeds for sells.
	Gross decimal.Decimal

	// SupplyDelta is the signed change to the asset's total supply.
	SupplyDelta decimal.Decimal

	// Signed cash-flow deltas; they sum to zero.
	Wallet     decimal.Decimal
	Pool       decimal.Decimal
	Collateral decimal.Decimal
}

// Conserved reports whether the settlement's cash flows sum to zero.
func (s Settlement) Conserved() bool {
	return s.Wallet.Add(s.Pool).Add(s.Collateral).IsZero()
}

// ClosingSize returns the portion of the trade that closes the resting
// position (zero when the trade only adds exposure).
func (s Settlement) ClosingSize() decimal.Decimal {
	switch s.Transition {
	case Reduce, Close:
		return s.SupplyDelta.Abs()
	case Flip:
		return s.Prev.Size()
	default:
		return decimal.Zero
	}
}

// Clamp snaps ds to the resting size when a trade against the position
// lands within eps of exactly closing it. Rounding noise must never leave a
// dust residual or a dust flip.
func Clamp(s State, side model.Side, ds, eps decimal.Decimal) decimal.Decimal {
	closing := (side == model.SideSell && s.Kind() == Long) || (side == model.SideBuy && s.Kind() == Short)
	if !closing {
		return ds
	}
	if ds.Sub(s.Size()).Abs().LessThanOrEqual(eps) {
		return s.Size()
	}
	return ds
}

// Apply computes the transition that trading ds shares on side applies to s.
func Apply(s State, c Curve, side model.Side, ds decimal.Decimal) (Settlement, error) {
	if !ds.IsPositive() {
		return Settlement{}, ErrNonPositiveShares
	}
	switch side {
	case model.SideBuy:
		if s.Kind() != Short {
			return buyLong(s, c, ds), nil
		}
		switch ds.Cmp(s.Size()) {
		case -1:
			return coverPartial(s, c, ds), nil
		case 0:
			return coverAll(s, c), nil
		default:
			return flipToLong(s, c, ds), nil
		}
	case model.SideSell:
		if err := curve.CheckSell(c.P0, c.K, c.Supply, ds); err != nil {
			return Settlement{}, err
		}
		if s.Kind() != Long {
			return sellShort(s, c, ds), nil
		}
		switch ds.Cmp(s.Size()) {
		case -1:
			return reduceLong(s, c, ds), nil
		case 0:
			return closeLong(s, c), nil
		default:
			return flipToShort(s, c, ds), nil
		}
	default:
		return Settlement{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

func buyLeg(c Curve, from, ds decimal.Decimal) Leg {
	return Leg{From: from, Shares: ds, Amount: curve.RoundMoneyUp(curve.BuyCost(c.P0, c.K, from, ds))}
}

func sellLeg(c Curve, from, ds decimal.Decimal) Leg {
	return Leg{From: from, Shares: ds.Neg(), Amount: curve.RoundMoneyDown(curve.SellRevenue(c.P0, c.K, from, ds))}
}

func weightedEntry(s State, addShares, addAmount decimal.Decimal) decimal.Decimal {
	size := s.Size()
	return curve.AveragePrice(size.Mul(s.AvgEntryPrice).Add(addAmount), size.Add(addShares))
}

// buyLong opens or increases a long. The wallet pays the curve cost into
// the pool.
func buyLong(s State, c Curve, ds decimal.Decimal) Settlement {
	leg := buyLeg(c, c.Supply, ds)
	tr := Increase
	if s.Kind() == Flat {
		tr = Open
	}
	return Settlement{
		Transition:  tr,
		Prev:        s,
		Next:        State{Shares: s.Shares.Add(ds), AvgEntryPrice: weightedEntry(s, ds, leg.Amount)},
		Legs:        []Leg{leg},
		Gross:       leg.Amount,
		SupplyDelta: ds,
		Wallet:      leg.Amount.Neg(),
		Pool:        leg.Amount,
		Collateral:  decimal.Zero,
	}
}

// coverPartial shrinks a short. Entry price and collateral stay put until
// the short is fully closed.
func coverPartial(s State, c Curve, ds decimal.Decimal) Settlement {
	leg := buyLeg(c, c.Supply, ds)
	next := s
	next.Shares = s.Shares.Add(ds)
	return Settlement{
		Transition:  Reduce,
		Prev:        s,
		Next:        next,
		Legs:        []Leg{leg},
		Gross:       leg.Amount,
		SupplyDelta: ds,
		Wallet:      leg.Amount.Neg(),
		Pool:        leg.Amount,
		Collateral:  decimal.Zero,
	}
}

// coverAll closes a short. All collateral is released and netted against
// the cover cost.
func coverAll(s State, c Curve) Settlement {
	size := s.Size()
	leg := buyLeg(c, c.Supply, size)
	return Settlement{
		Transition:  Close,
		Prev:        s,
		Next:        State{},
		Legs:        []Leg{leg},
		Gross:       leg.Amount,
		SupplyDelta: size,
		Wallet:      s.Collateral.Sub(leg.Amount),
		Pool:        leg.Amount,
		Collateral:  s.Collateral.Neg(),
	}
}

// flipToLong covers the short, then opens the remainder as a long from the
// post-cover supply.
func flipToLong(s State, c Curve, ds decimal.Decimal) Settlement {
	size := s.Size()
	rest := ds.Sub(size)
	cover := buyLeg(c, c.Supply, size)
	open := buyLeg(c, c.Supply.Add(size), rest)
	gross := cover.Amount.Add(open.Amount)
	return Settlement{
		Transition:  Flip,
		Prev:        s,
		Next:        State{Shares: rest, AvgEntryPrice: curve.AveragePrice(open.Amount, rest)},
		Legs:        []Leg{cover, open},
		Gross:       gross,
		SupplyDelta: ds,
		Wallet:      s.Collateral.Sub(gross),
		Pool:        gross,
		Collateral:  s.Collateral.Neg(),
	}
}

// reduceLong sells part of a long back to the pool.
func reduceLong(s State, c Curve, ds decimal.Decimal) Settlement {
	leg := sellLeg(c, c.Supply, ds)
	next := s
	next.Shares = s.Shares.Sub(ds)
	return Settlement{
		Transition:  Reduce,
		Prev:        s,
		Next:        next,
		Legs:        []Leg{leg},
		Gross:       leg.Amount,
		SupplyDelta: ds.Neg(),
		Wallet:      leg.Amount,
		Pool:        leg.Amount.Neg(),
		Collateral:  decimal.Zero,
	}
}

func closeLong(s State, c Curve) Settlement {
	st := reduceLong(s, c, s.Size())
	st.Transition = Close
	st.Next = State{}
	return st
}

// flipToShort closes the long, then opens the remainder as a short from the
// post-close supply. The new short is collateralized by exactly its own
// proceeds.
func flipToShort(s State, c Curve, ds decimal.Decimal) Settlement {
	size := s.Size()
	rest := ds.Sub(size)
	closing := sellLeg(c, c.Supply, size)
	open := sellLeg(c, c.Supply.Sub(size), rest)
	gross := closing.Amount.Add(open.Amount)
	return Settlement{
		Transition: Flip,
		Prev:       s,
		Next: State{
			Shares:        rest.Neg(),
			AvgEntryPrice: curve.AveragePrice(open.Amount, rest),
			Collateral:    open.Amount,
		},
		Legs:        []Leg{closing, open},
		Gross:       gross,
		SupplyDelta: ds.Neg(),
		Wallet:      closing.Amount,
		Pool:        gross.Neg(),
		Collateral:  open.Amount,
	}
}

// sellShort opens or extends a short. The pool funds the proceeds, the
// wallet posts an equal margin, and both are locked as collateral.
func sellShort(s State, c Curve, ds decimal.Decimal) Settlement {
	leg := sellLeg(c, c.Supply, ds)
	lock := curve.Twice(leg.Amount)
	tr := Increase
	if s.Kind() == Flat {
		tr = Open
	}
	return Settlement{
		Transition: tr,
		Prev:       s,
		Next: State{
			Shares:        s.Shares.Sub(ds),
			AvgEntryPrice: weightedEntry(s, ds, leg.Amount),
			Collateral:    s.Collateral.Add(lock),
		},
		Legs:        []Leg{leg},
		Gross:       leg.Amount,
		SupplyDelta: ds.Neg(),
		Wallet:      leg.Amount.Neg(),
		Pool:        leg.Amount.Neg(),
		Collateral:  lock,
	}
}
