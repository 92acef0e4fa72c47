package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Pinger is the store health surface.
type Pinger interface {
	Ping() error
}

// Resetter wipes the paper book.
type Resetter interface {
	Reset() error
}

// Handlers holds the HTTP handler dependencies. The state provider is read
// through the hub, which binds it after construction.
type Handlers struct {
	hub      *Hub
	db       Pinger
	resetter Resetter
	logger   *slog.Logger
}

func NewHandlers(hub *Hub, db Pinger, resetter Resetter, logger *slog.Logger) *Handlers {
	return &Handlers{
		hub:      hub,
		db:       db,
		resetter: resetter,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth reports ok, or degraded when the store does not answer.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Warn("store ping failed", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// HandleSnapshot returns the same consistent one-pass state the init frame
// carries.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.hub.provider == nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	state := h.hub.provider.InitState()
	state.Portfolio = roundPortfolio(state.Portfolio)
	for i, t := range state.Trades {
		state.Trades[i] = roundTrade(t)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		h.logger.Error("snapshot encode failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleReset wipes the paper book and schedules a recompute so clients see
// the cleared state without waiting for the next scan.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.resetter.Reset(); err != nil {
		h.logger.Error("reset failed", "err", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	h.hub.ScheduleRecompute()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

// HandleWebSocket upgrades the connection, registers the client, and sends
// the init frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := newClient(h.hub, conn)
	c.sendInit()
}

// isOriginAllowed permits same-host and local origins; browsers that send
// no Origin header (non-browser clients) pass.
func isOriginAllowed(origin, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}
