// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/pending"
	"github.com/tetherlabs/tether/lib/wire"
	"github.com/tetherlabs/tether/tunnel"
)

// fakeConn is a channel-backed tunnel.Conn recording everything the
// relay writes, data frames and control frames alike.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	sent     [][]byte
	controls [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) injectFrame(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encoding %T: %v", msg, err)
	}
	c.incoming <- data
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) lastFrame(wireType string) wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		msg, ok := wire.Decode(c.sent[i])
		if ok && msg.WireType() == wireType {
			return msg
		}
	}
	return nil
}

// closeCode returns the status code of the last close control frame,
// or zero.
func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.controls) == 0 {
		return 0
	}
	frame := c.controls[len(c.controls)-1]
	if len(frame) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(frame[:2]))
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newRegistry(t *testing.T, fc *clock.FakeClock) *tunnel.Registry {
	t.Helper()
	registry, err := tunnel.NewRegistry(tunnel.Config{
		Clock:  fc,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestProxyRoundTrip(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")

	req, err := http.NewRequest(http.MethodPost, "http://tether.example/t/webapp/api/items?limit=5",
		strings.NewReader(`{"name":"widget"}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.URL.Path = "/api/items"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Cf-Ray", "abc123")
	req.Header.Set("X-Tether-Session", "s1")

	type outcome struct {
		resp *tunnel.ProxiedResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done <- outcome{resp, err}
	}()

	var frame wire.Request
	waitFor(t, "request frame", func() bool {
		msg := conn.lastFrame(wire.TypeRequest)
		if msg == nil {
			return false
		}
		frame = msg.(wire.Request)
		return true
	})

	if frame.Method != http.MethodPost {
		t.Errorf("method = %q", frame.Method)
	}
	if frame.Path != "/api/items?limit=5" {
		t.Errorf("path = %q, want /api/items?limit=5", frame.Path)
	}
	if frame.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type not forwarded: %v", frame.Headers)
	}
	for _, stripped := range []string{"Connection", "Cf-Ray", "X-Tether-Session", "Host"} {
		if _, present := frame.Headers[stripped]; present {
			t.Errorf("header %s leaked into the tunnel", stripped)
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Body)
	if err != nil {
		t.Fatalf("decoding frame body: %v", err)
	}
	if string(decoded) != `{"name":"widget"}` {
		t.Errorf("frame body = %s", decoded)
	}

	conn.injectFrame(t, wire.Response{
		ID:      frame.ID,
		Status:  201,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    base64.StdEncoding.EncodeToString([]byte(`{"id":7}`)),
	})

	got := <-done
	if got.err != nil {
		t.Fatalf("ProxyRequest: %v", got.err)
	}
	if got.resp.Status != 201 {
		t.Errorf("status = %d, want 201", got.resp.Status)
	}
	if string(got.resp.Body) != `{"id":7}` {
		t.Errorf("body = %s", got.resp.Body)
	}
	if got.resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", got.resp.Headers)
	}
}

func TestProxyEmptyBodyOmitted(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")

	req, err := http.NewRequest(http.MethodGet, "http://tether.example/health", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	go registry.ProxyRequest(context.Background(), "webapp", req)

	var frame wire.Request
	waitFor(t, "request frame", func() bool {
		msg := conn.lastFrame(wire.TypeRequest)
		if msg == nil {
			return false
		}
		frame = msg.(wire.Request)
		return true
	})
	if frame.Body != "" {
		t.Errorf("empty body encoded as %q", frame.Body)
	}
}

func TestProxyOffline(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)

	req, _ := http.NewRequest(http.MethodGet, "http://tether.example/", nil)
	_, err := registry.ProxyRequest(context.Background(), "nobody", req)
	if !errors.Is(err, tunnel.ErrTunnelOffline) {
		t.Fatalf("ProxyRequest error = %v, want ErrTunnelOffline", err)
	}
}

func TestProxyTimeout(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")

	req, _ := http.NewRequest(http.MethodGet, "http://tether.example/slow", nil)
	done := make(chan error, 1)
	go func() {
		_, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done <- err
	}()

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)

	if err := <-done; !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("ProxyRequest error = %v, want ErrTimeout", err)
	}
}

func TestRegisteredAck(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")

	waitFor(t, "registered ack", func() bool {
		return conn.lastFrame(wire.TypeRegistered) != nil
	})
	ack := conn.lastFrame(wire.TypeRegistered).(wire.Registered)
	if ack.Name != "webapp" {
		t.Errorf("ack name = %q", ack.Name)
	}
}

func TestForeignRegisterNotAcked(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")
	waitFor(t, "registered ack", func() bool {
		return conn.lastFrame(wire.TypeRegistered) != nil
	})

	// A register frame naming another tunnel must not be confirmed:
	// acking it would tell the client "dashboard" is reachable when
	// no such relay exists.
	conn.injectFrame(t, wire.Register{Name: "dashboard"})
	conn.injectFrame(t, wire.Register{Name: "webapp"})

	waitFor(t, "re-register ack", func() bool {
		ack := conn.lastFrame(wire.TypeRegistered)
		return ack != nil && ack.(wire.Registered).Name == "webapp"
	})
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, data := range conn.sent {
		msg, ok := wire.Decode(data)
		if !ok {
			continue
		}
		if ack, isAck := msg.(wire.Registered); isAck && ack.Name == "dashboard" {
			t.Fatal("foreign register was acked")
		}
	}
	if registry.Online("dashboard") {
		t.Error("foreign name reported online")
	}
}

func TestReplacementClosesPriorClient(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn1 := newFakeConn()
	registry.Register(conn1, "webapp")

	// Leave a request outstanding on the first client.
	req, _ := http.NewRequest(http.MethodGet, "http://tether.example/pending", nil)
	done := make(chan error, 1)
	go func() {
		_, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done <- err
	}()
	waitFor(t, "request frame", func() bool {
		return conn1.lastFrame(wire.TypeRequest) != nil
	})

	conn2 := newFakeConn()
	registry.Register(conn2, "webapp")

	if code := conn1.closeCode(); code != tunnel.CloseReplaced {
		t.Errorf("close code = %d, want %d", code, tunnel.CloseReplaced)
	}
	if err := <-done; !errors.Is(err, tunnel.ErrTunnelDisconnected) {
		t.Fatalf("outstanding request error = %v, want ErrTunnelDisconnected", err)
	}

	// The name now routes to the new client.
	done2 := make(chan error, 1)
	go func() {
		_, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done2 <- err
	}()
	var frame wire.Request
	waitFor(t, "request on new client", func() bool {
		msg := conn2.lastFrame(wire.TypeRequest)
		if msg == nil {
			return false
		}
		frame = msg.(wire.Request)
		return true
	})
	conn2.injectFrame(t, wire.Response{ID: frame.ID, Status: 200})
	if err := <-done2; err != nil {
		t.Fatalf("ProxyRequest on new client: %v", err)
	}
}

func TestDisconnectFlushesAndUnregisters(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")
	if !registry.Online("webapp") {
		t.Fatal("tunnel not online after Register")
	}

	req, _ := http.NewRequest(http.MethodGet, "http://tether.example/pending", nil)
	done := make(chan error, 1)
	go func() {
		_, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done <- err
	}()
	waitFor(t, "request frame", func() bool {
		return conn.lastFrame(wire.TypeRequest) != nil
	})

	conn.Close()

	if err := <-done; !errors.Is(err, tunnel.ErrTunnelDisconnected) {
		t.Fatalf("outstanding request error = %v, want ErrTunnelDisconnected", err)
	}
	waitFor(t, "tunnel unregistered", func() bool {
		return !registry.Online("webapp")
	})
}

func TestLateResponseDropped(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newRegistry(t, fc)
	conn := newFakeConn()
	registry.Register(conn, "webapp")

	req, _ := http.NewRequest(http.MethodGet, "http://tether.example/slow", nil)
	done := make(chan error, 1)
	go func() {
		_, err := registry.ProxyRequest(context.Background(), "webapp", req)
		done <- err
	}()

	var frame wire.Request
	waitFor(t, "request frame", func() bool {
		msg := conn.lastFrame(wire.TypeRequest)
		if msg == nil {
			return false
		}
		frame = msg.(wire.Request)
		return true
	})

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)
	if err := <-done; !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("ProxyRequest error = %v, want ErrTimeout", err)
	}

	// The response arrives after the timeout and is silently dropped;
	// the tunnel stays registered and usable.
	conn.injectFrame(t, wire.Response{ID: frame.ID, Status: 200})
	waitFor(t, "tunnel still online", func() bool {
		return registry.Online("webapp")
	})
}
