package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

func wsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http")
}

func dialViewer(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(baseURL), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected switching protocols, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	return conn
}

func newTestHub(cfg Config) (*Hub, *broadcast.Registry, *httptest.Server) {
	reg := broadcast.NewRegistry()
	hub := NewHub(reg, cfg, zap.NewNop())
	return hub, reg, httptest.NewServer(hub)
}

func TestHub_RegistersAndRemovesViewers(t *testing.T) {
	hub, reg, srv := newTestHub(Config{})
	defer srv.Close()

	c1 := dialViewer(t, srv.URL)
	c2 := dialViewer(t, srv.URL)
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 2 })

	if n := len(hub.List()); n != 2 {
		t.Errorf("expected 2 listed viewers, got %d", n)
	}

	_ = c1.Close()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 })
	_ = c2.Close()
	waitFor(t, 2*time.Second, func() bool { return hub.Connected() == 0 })
}

func TestHub_BroadcastSurvivesClosedViewer(t *testing.T) {
	_, reg, srv := newTestHub(Config{})
	defer srv.Close()

	closing := dialViewer(t, srv.URL)
	live := dialViewer(t, srv.URL)
	defer live.Close()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 2 })

	// Force one viewer's state to closed without waiting for the reaper.
	for _, s := range reg.Snapshot() {
		c := s.(*Conn)
		if c.Info().Remote == closing.LocalAddr().String() {
			c.close()
		}
	}
	_ = closing.Close()

	b := broadcast.NewBroadcaster(reg, broadcast.Config{WriteTimeout: time.Second}, zap.NewNop(), nil)
	res := b.Push(context.Background(), []byte("AABB"))
	if res.Delivered != 1 {
		t.Fatalf("expected one delivery, got %+v", res)
	}

	_ = live.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := live.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("expected binary message, got %d", msgType)
	}
	if string(data) != "AABB" {
		t.Errorf("expected AABB, got %q", data)
	}
}

func TestHub_SubscribeMessageRecordsDevice(t *testing.T) {
	hub, reg, srv := newTestHub(Config{})
	defer srv.Close()

	c := dialViewer(t, srv.URL)
	defer c.Close()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 })

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","deviceId":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		list := hub.List()
		return len(list) == 1 && list[0].DeviceID == "42"
	})

	// Garbage is ignored and the connection stays registered.
	_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
	time.Sleep(20 * time.Millisecond)
	if reg.Len() != 1 {
		t.Errorf("viewer should remain registered")
	}
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	_, reg, srv := newTestHub(Config{AllowedOrigins: []string{"https://dashboard.example"}})
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
	if reg.Len() != 0 {
		t.Errorf("rejected viewer must not be registered")
	}

	header.Set("Origin", "https://dashboard.example")
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	if err != nil {
		t.Fatalf("allowed origin should connect: %v", err)
	}
	_ = c.Close()
}

func TestDeviceIDString(t *testing.T) {
	tests := map[string]string{
		`"cam-1"`: "cam-1",
		`7`:       "7",
		`{}`:      "",
		``:        "",
	}
	for in, want := range tests {
		if got := deviceIDString([]byte(in)); got != want {
			t.Errorf("deviceIDString(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestHub_CloseAllDropsViewers(t *testing.T) {
	hub, reg, srv := newTestHub(Config{})
	defer srv.Close()

	c1 := dialViewer(t, srv.URL)
	defer c1.Close()
	c2 := dialViewer(t, srv.URL)
	defer c2.Close()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 2 })

	hub.CloseAll()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 0 })

	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c1.ReadMessage(); err == nil {
		t.Fatal("expected read error after CloseAll")
	}
}
