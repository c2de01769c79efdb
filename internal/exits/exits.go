// Package exits drives gradual exits: a position enrolled for N slices is
// reduced by 1/remaining of its current size every interval, and the last
// slice closes whatever is left.
package exits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/curve"
	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/store"
)

const (
	MaxSlices   = 1000
	MinInterval = time.Second
)

var (
	ErrInvalidSchedule = errors.New("exits: invalid schedule")
	ErrNoPosition      = errors.New("exits: no open position")
	ErrNotActive       = errors.New("exits: exit is not active")
)

// Trader executes slice trades.
type Trader interface {
	ExecuteTrade(ctx context.Context, userID, assetID string, side model.Side, req exchange.Request) (*exchange.Result, error)
}

type Service struct {
	store  store.Store
	trader Trader
	now    func() time.Time
}

func NewService(st store.Store, t Trader) *Service {
	return &Service{store: st, trader: t, now: func() time.Time { return time.Now().UTC() }}
}

// Enroll schedules a gradual exit of the user's position. The first slice
// is due immediately.
func (s *Service) Enroll(ctx context.Context, userID, assetID string, slices int, interval time.Duration) (*model.GradualExit, error) {
	if slices < 1 || slices > MaxSlices {
		return nil, fmt.Errorf("%w: slices must be within [1, %d]", ErrInvalidSchedule, MaxSlices)
	}
	if interval < MinInterval {
		return nil, fmt.Errorf("%w: interval must be at least %s", ErrInvalidSchedule, MinInterval)
	}

	now := s.now()
	e := &model.GradualExit{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssetID:     assetID,
		SlicesTotal: slices,
		Interval:    interval,
		NextRunAt:   now,
		Status:      model.ExitActive,
		CreatedAt:   now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetPosition(ctx, userID, assetID); errors.Is(err, store.ErrNotFound) {
			return ErrNoPosition
		} else if err != nil {
			return err
		}
		return tx.PutExit(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("gradual exit enrolled", "exit", e.ID, "user", userID, "asset", assetID, "slices", slices, "interval", interval)
	return e, nil
}

// Cancel stops an active exit. Slices already executed stand.
func (s *Service) Cancel(ctx context.Context, id string) (*model.GradualExit, error) {
	var out *model.GradualExit
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetExit(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.ExitActive {
			return ErrNotActive
		}
		e.Status = model.ExitCancelled
		out = e
		return tx.PutExit(ctx, e)
	})
	return out, err
}

// RunDue executes one slice of every exit that is due and returns how many
// slices traded. A failed slice is recorded on the exit and retried at the
// next interval.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueExits(ctx, s.now())
	if err != nil {
		return 0, err
	}
	traded := 0
	for _, e := range due {
		ok, err := s.runSlice(ctx, e)
		if err != nil {
			slog.Error("gradual exit update failed", "exit", e.ID, "err", err)
			continue
		}
		if ok {
			traded++
		}
	}
	return traded, nil
}

func (s *Service) runSlice(ctx context.Context, e model.GradualExit) (bool, error) {
	var pos *model.Position
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPosition(ctx, e.UserID, e.AssetID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		pos = p
		return err
	})
	if err != nil {
		return false, err
	}
	if pos == nil {
		metrics.ExitSlices.WithLabelValues("position_gone").Inc()
		return false, s.finish(ctx, e.ID, func(x *model.GradualExit) { x.Status = model.ExitCompleted })
	}

	side, req := Slice(*pos, e.SlicesTotal-e.SlicesDone)
	res, tradeErr := s.trader.ExecuteTrade(ctx, e.UserID, e.AssetID, side, req)
	if errors.Is(tradeErr, exchange.ErrTradeTooSmall) && !req.CloseAll {
		// A slice under the dust or value minimum never shrinks; the rest
		// of the schedule goes out as one final close.
		req = exchange.Request{CloseAll: true, Origin: "exit"}
		res, tradeErr = s.trader.ExecuteTrade(ctx, e.UserID, e.AssetID, side, req)
	}

	next := s.now().Add(e.Interval)
	if tradeErr != nil {
		metrics.ExitSlices.WithLabelValues("failed").Inc()
		slog.Warn("gradual exit slice failed", "exit", e.ID, "user", e.UserID, "asset", e.AssetID, "err", tradeErr)
		return false, s.finish(ctx, e.ID, func(x *model.GradualExit) {
			x.LastError = tradeErr.Error()
			x.NextRunAt = next
		})
	}

	metrics.ExitSlices.WithLabelValues("executed").Inc()
	return true, s.finish(ctx, e.ID, func(x *model.GradualExit) {
		x.SlicesDone++
		x.LastError = ""
		x.NextRunAt = next
		if x.SlicesDone >= x.SlicesTotal || res.Position == nil {
			x.Status = model.ExitCompleted
		}
	})
}

// finish applies update to the exit unless it was cancelled meanwhile.
func (s *Service) finish(ctx context.Context, id string, update func(*model.GradualExit)) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetExit(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.ExitActive {
			return nil
		}
		update(e)
		return tx.PutExit(ctx, e)
	})
}

// Slice returns the trade that executes the next of remaining slices of p:
// 1/remaining of its size, reduce-only, or a full close on the last slice.
func Slice(p model.Position, remaining int) (model.Side, exchange.Request) {
	side := model.SideSell
	if p.Shares.IsNegative() {
		side = model.SideBuy
	}
	if remaining <= 1 {
		return side, exchange.Request{CloseAll: true, Origin: "exit"}
	}

	size := curve.RoundShares(p.Shares.Abs().Div(decimal.NewFromInt(int64(remaining))))
	mode := exchange.ModeInput // shares sold
	if side == model.SideBuy {
		mode = exchange.ModeOutput // shares bought back
	}
	return side, exchange.Request{Mode: mode, Amount: size, ReduceOnly: true, Origin: "exit"}
}
