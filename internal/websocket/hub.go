// Package websocket accepts viewer WebSocket connections and registers them
// for frame broadcast.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
)

// Config tunes the keepalive and origin policy.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	// AllowedOrigins lists exact Origin header values. Empty allows all.
	AllowedOrigins []string
}

// ClientMessage is the only inbound message viewers send.
type ClientMessage struct {
	Type     string          `json:"type"`
	DeviceID json.RawMessage `json:"deviceId,omitempty"`
}

// Hub upgrades viewer connections and keeps the registry in sync with them.
type Hub struct {
	registry *broadcast.Registry
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a Hub that registers connections in registry.
func NewHub(registry *broadcast.Registry, cfg Config, logger *zap.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	h := &Hub{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Connected returns the number of registered viewers.
func (h *Hub) Connected() int {
	return h.registry.Len()
}

// List describes every registered viewer.
func (h *Hub) List() []Info {
	subs := h.registry.Snapshot()
	out := make([]Info, 0, len(subs))
	for _, s := range subs {
		if c, ok := s.(*Conn); ok {
			out = append(out, c.Info())
		}
	}
	return out
}

// CloseAll drops every viewer connection. Their read loops then exit and
// remove themselves from the registry.
func (h *Hub) CloseAll() {
	h.registry.ForEach(func(s broadcast.Subscriber) {
		if c, ok := s.(*Conn); ok {
			c.close()
		}
	})
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newConn(uuid.New().String(), ws, r.RemoteAddr)
	h.registry.Register(conn)
	h.logger.Info("viewer connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	done := make(chan struct{})
	defer func() {
		close(done)
		h.registry.Remove(conn)
		conn.close()
		h.logger.Info("viewer disconnected", zap.String("conn_id", conn.ID()))
	}()

	ws.SetPongHandler(func(string) error {
		conn.touch()
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

	go h.pingLoop(conn, done)

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("viewer read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		conn.touch()
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		h.handleClientMessage(conn, msg)
	}
}

func (h *Hub) pingLoop(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(10 * time.Second); err != nil {
				return
			}
		}
	}
}

// handleClientMessage records subscribe requests. Per-device routing is not
// implemented; every viewer receives every frame.
func (h *Hub) handleClientMessage(conn *Conn, msg []byte) {
	var cm ClientMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		h.logger.Debug("ignoring invalid viewer message", zap.String("conn_id", conn.ID()), zap.Error(err))
		return
	}
	if cm.Type != "subscribe" {
		h.logger.Debug("ignoring viewer message", zap.String("conn_id", conn.ID()), zap.String("type", cm.Type))
		return
	}

	device := deviceIDString(cm.DeviceID)
	conn.setDevice(device)
	h.logger.Info("viewer subscribed", zap.String("conn_id", conn.ID()), zap.String("device_id", device))
}

// deviceIDString accepts the id as a JSON string or number.
func deviceIDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
