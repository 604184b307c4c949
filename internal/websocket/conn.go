package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
)

// Conn is a connected viewer. It satisfies broadcast.Subscriber.
type Conn struct {
	id        string
	ws        *websocket.Conn
	connected time.Time
	remote    string

	state atomic.Int32
	mu    sync.Mutex // serialises writes

	infoMu   sync.Mutex
	lastSeen time.Time
	deviceID string
}

func newConn(id string, ws *websocket.Conn, remote string) *Conn {
	now := time.Now().UTC()
	return &Conn{
		id:        id,
		ws:        ws,
		connected: now,
		lastSeen:  now,
		remote:    remote,
	}
}

// ID implements broadcast.Subscriber.
func (c *Conn) ID() string { return c.id }

// State implements broadcast.Subscriber.
func (c *Conn) State() broadcast.State {
	return broadcast.State(c.state.Load())
}

// Send writes data as one binary message. The deadline comes from ctx.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.State() != broadcast.StateOpen {
		return broadcast.ErrSubscriberClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.state.CompareAndSwap(int32(broadcast.StateOpen), int32(broadcast.StateClosing))
		return err
	}
	return nil
}

func (c *Conn) ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *Conn) close() {
	c.state.Store(int32(broadcast.StateClosed))
	_ = c.ws.Close()
}

func (c *Conn) touch() {
	c.infoMu.Lock()
	c.lastSeen = time.Now().UTC()
	c.infoMu.Unlock()
}

func (c *Conn) setDevice(id string) {
	c.infoMu.Lock()
	c.deviceID = id
	c.infoMu.Unlock()
}

// Info is a JSON-friendly description of a connection.
type Info struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	DeviceID  string    `json:"device_id,omitempty"`
	State     string    `json:"state"`
}

// Info returns the connection's current description.
func (c *Conn) Info() Info {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return Info{
		ID:        c.id,
		Remote:    c.remote,
		Connected: c.connected,
		LastSeen:  c.lastSeen,
		DeviceID:  c.deviceID,
		State:     c.State().String(),
	}
}
