package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dextrend/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var errNoProvider = errors.New("no state provider bound")

// Hub tracks connected websocket clients and fans events out to them.
// Broadcast is safe from any goroutine and a silent no-op until Run has
// attached; FIFO order through the broadcast channel preserves the
// trade → positions → portfolio → trades → analytics event sequence.
type Hub struct {
	provider   Provider
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	recompute  chan struct{}
	running    atomic.Bool
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		recompute:  make(chan struct{}, 1),
		logger:     logger.With("component", "ws-hub"),
	}
}

// BindProvider attaches the state provider. The engine and the hub depend
// on each other, so the provider is bound after construction; it must be
// set before Run.
func (h *Hub) BindProvider(p Provider) { h.provider = p }

// Run is the hub's main loop; it exits when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "count", n)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			stalled := make([]*client, 0)
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					stalled = append(stalled, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range stalled {
				h.drop(c)
			}

		case <-h.recompute:
			if h.provider != nil {
				h.provider.Recompute(ctx)
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("client disconnected", "count", len(h.clients))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Broadcast marshals and queues one event. Safe from any goroutine; drops
// silently when the hub loop has not attached or the queue is full.
func (h *Hub) Broadcast(evt Event) {
	if !h.running.Load() {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("event marshal failed", "type", evt.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", evt.Type)
	}
}

// OnTrade implements the trader sink: one trade frame per execution.
func (h *Hub) OnTrade(trade types.Trade) {
	h.Broadcast(Event{Type: EventTrade, Payload: roundTrade(trade)})
}

// OnAnalytics implements the pipeline event sink.
func (h *Hub) OnAnalytics(row types.AnalyticsRow) {
	h.Broadcast(Event{Type: EventAnalytics, Payload: row})
}

// ScheduleRecompute queues one recompute on the hub loop. Callers from any
// goroutine may invoke it; it never blocks, coalesces pending requests, and
// is a no-op while the loop is down (the next scanner tick catches up).
func (h *Hub) ScheduleRecompute() {
	if !h.running.Load() {
		return
	}
	select {
	case h.recompute <- struct{}{}:
	default:
	}
}

// BroadcastPositions, BroadcastPortfolio, and BroadcastTrades emit the
// bulk-state frames the price loop produces after each tick.
func (h *Hub) BroadcastPositions(positions []types.Position) {
	h.Broadcast(Event{Type: EventPositions, Payload: positions})
}

func (h *Hub) BroadcastPortfolio(p Portfolio) {
	h.Broadcast(Event{Type: EventPortfolio, Payload: roundPortfolio(p)})
}

func (h *Hub) BroadcastTrades(trades []types.Trade) {
	rounded := make([]types.Trade, len(trades))
	for i, t := range trades {
		rounded[i] = roundTrade(t)
	}
	h.Broadcast(Event{Type: EventTrades, Payload: rounded})
}

func (h *Hub) initFrame() ([]byte, error) {
	if h.provider == nil {
		return nil, errNoProvider
	}
	state := h.provider.InitState()
	state.Portfolio = roundPortfolio(state.Portfolio)
	for i, t := range state.Trades {
		state.Trades[i] = roundTrade(t)
	}
	return json.Marshal(Event{Type: EventInit, Payload: state})
}

// client is one websocket connection with its outbound queue.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	c := &client{hub: hub, conn: conn, send: make(chan []byte, 64)}
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

func (c *client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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

// inboundFrame is what clients may send: ping, refresh, anything else is
// ignored.
type inboundFrame struct {
	Type string `json:"type"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "ping":
			c.enqueueEvent(Event{Type: EventPong})
		case "refresh":
			c.sendInit()
		default:
			// Unknown frame types are ignored.
		}
	}
}

func (c *client) sendInit() {
	data, err := c.hub.initFrame()
	if err != nil {
		c.hub.logger.Error("init frame failed", "err", err)
		c.enqueueEvent(Event{Type: EventError, Payload: "snapshot unavailable"})
		return
	}
	c.enqueue(data)
}

func (c *client) enqueueEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("client queue full, dropping frame")
	}
}
