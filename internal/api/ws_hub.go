package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type             string `json:"type"`
	AssetID          string `json:"asset_id"`
	Trigger          string `json:"trigger"`
	DisplayPrice     string `json:"display_price"`
	MarketPrice      string `json:"market_price"`
	FundamentalPrice string `json:"fundamental_price"`
	Supply           string `json:"supply"`
	Timestamp        string `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// assets filters delivery; empty means every asset.
	assets map[string]bool
}

func (c *wsClient) wants(assetID string) bool {
	return len(c.assets) == 0 || c.assets[assetID]
}

type wsEvent struct {
	assetID string
	data    []byte
}

// WSHub fans committed price ticks out to connected WebSocket clients.
// Each client has its own bounded queue; a client that falls behind is
// disconnected rather than slowing the others.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEvent
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case ev := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(ev.assetID) {
					continue
				}
				select {
				case c.send <- ev.data:
				default:
					slog.Warn("ws client too slow, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
}

func (h *WSHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// OnTick implements pricing.TickSink. It never blocks the pricing engine:
// ticks are dropped when the hub's queue is full.
func (h *WSHub) OnTick(_ context.Context, t model.PriceTick) {
	data, err := json.Marshal(WSMessage{
		Type:             "price_tick",
		AssetID:          t.AssetID,
		Trigger:          string(t.Trigger),
		DisplayPrice:     t.DisplayPrice.String(),
		MarketPrice:      t.MarketPrice.String(),
		FundamentalPrice: t.FundamentalPrice.String(),
		Supply:           t.Supply.String(),
		Timestamp:        t.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEvent{assetID: t.AssetID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws. The optional
// ?assets=id1,id2 query limits the stream to those assets.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), assets: map[string]bool{}}
	for _, id := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.assets[id] = true
		}
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
