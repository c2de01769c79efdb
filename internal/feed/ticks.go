package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/synth-engine/internal/model"
)

// Publisher is the part of jetstream.JetStream the tick publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// TickPublisher forwards committed price ticks to NATS. Publication is
// best effort; the tick is already persisted.
type TickPublisher struct {
	js     Publisher
	prefix string
}

func NewTickPublisher(js Publisher, prefix string) *TickPublisher {
	return &TickPublisher{js: js, prefix: prefix}
}

// OnTick implements pricing.TickSink.
func (p *TickPublisher) OnTick(ctx context.Context, t model.PriceTick) {
	data, err := json.Marshal(t)
	if err != nil {
		slog.Error("marshal tick", "asset", t.AssetID, "err", err)
		return
	}
	subject := TickSubject(p.prefix, t.AssetID)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(t.ID)); err != nil {
		slog.Warn("tick publish failed", "asset", t.AssetID, "subject", subject, "err", err)
	}
}
