package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/pricing"
	"github.com/atmx/synth-engine/internal/store"
)

// SignalHandler applies a validated fundamental signal.
type SignalHandler interface {
	OnSignal(ctx context.Context, sig model.Signal) (*model.PriceTick, error)
}

// Disposition tells the consumer what to do with a delivered message.
type Disposition int

const (
	Ack  Disposition = iota // processed or deliberately dropped
	Nak                     // transient failure, redeliver
	Term                    // never deliverable
)

// SignalSubscriber consumes fundamental signals and feeds them to the
// pricing engine. Each asset is admitted at most perMinute signals per
// minute; the excess is dropped, not queued.
type SignalSubscriber struct {
	handler   SignalHandler
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	consumer jetstream.ConsumeContext
}

func NewSignalSubscriber(h SignalHandler, perMinute int) *SignalSubscriber {
	if perMinute < 1 {
		perMinute = 1
	}
	return &SignalSubscriber{handler: h, perMinute: perMinute, limiters: make(map[string]*rate.Limiter)}
}

// Start creates the durable consumer on stream and begins delivery.
func (s *SignalSubscriber) Start(ctx context.Context, js jetstream.JetStream, stream, subject, durable string) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ackErr error
		switch s.Handle(ctx, msg.Data()) {
		case Ack:
			ackErr = msg.Ack()
		case Nak:
			ackErr = msg.Nak()
		case Term:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			slog.Warn("signal ack failed", "subject", msg.Subject(), "err", ackErr)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	s.consumer = cc
	slog.Info("subscribed to signals", "subject", subject, "consumer", durable)
	return nil
}

// Stop ends delivery.
func (s *SignalSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// Handle decodes and applies one signal payload.
func (s *SignalSubscriber) Handle(ctx context.Context, data []byte) Disposition {
	var sig model.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		metrics.SignalsDropped.WithLabelValues("malformed").Inc()
		slog.Debug("signal dropped", "reason", "malformed", "err", err)
		return Term
	}
	if sig.AssetID != "" && !s.allow(sig.AssetID) {
		metrics.SignalsDropped.WithLabelValues("rate_limited").Inc()
		slog.Debug("signal dropped", "reason", "rate_limited", "asset", sig.AssetID)
		return Ack
	}

	tick, err := s.handler.OnSignal(ctx, sig)
	switch {
	case err == nil:
		slog.Debug("signal applied", "asset", sig.AssetID, "fundamental", tick.FundamentalPrice, "display", tick.DisplayPrice)
		return Ack
	case errors.Is(err, pricing.ErrSignalRejected):
		slog.Debug("signal dropped", "reason", "invalid", "asset", sig.AssetID, "err", err)
		return Ack
	case errors.Is(err, store.ErrNotFound):
		metrics.SignalsDropped.WithLabelValues("unknown_asset").Inc()
		slog.Debug("signal dropped", "reason", "unknown_asset", "asset", sig.AssetID)
		return Term
	default:
		slog.Warn("signal tick failed", "asset", sig.AssetID, "err", err)
		return Nak
	}
}

func (s *SignalSubscriber) allow(assetID string) bool {
	s.mu.Lock()
	l, ok := s.limiters[assetID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMinute)), s.perMinute)
		s.limiters[assetID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
