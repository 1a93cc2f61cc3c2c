// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel exposes HTTP services running behind a device's NAT.
// A tunnel client holds a persistent duplex connection open to the
// server; inbound HTTP requests for its name are serialized into
// request frames, answered by response frames, and reassembled.
//
// Each tunnel name has at most one live client. Registering a name
// that is already taken replaces the prior client: the old connection
// is closed with code 4001 and every call outstanding against it is
// rejected.
package tunnel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/pending"
	"github.com/tetherlabs/tether/lib/wire"
)

// ErrTunnelOffline is returned when no client is registered for the
// requested tunnel name.
var ErrTunnelOffline = errors.New("tunnel: tunnel offline")

// ErrTunnelDisconnected is the flush error for requests outstanding
// when the tunnel client's connection drops or is replaced.
var ErrTunnelDisconnected = errors.New("tunnel: tunnel disconnected")

// CloseReplaced is the close code sent to a tunnel client whose name
// was claimed by a newer connection.
const CloseReplaced = 4001

// bodyChunkSize bounds the slices fed to the base64 encoder so a
// large body never forces one oversized allocation.
const bodyChunkSize = 64 * 1024

// Conn is the duplex connection surface the tunnel needs. A gorilla
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Config holds the parameters for creating a Registry.
type Config struct {
	// Clock drives request timeouts. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// RequestTimeout bounds one proxied exchange. Zero defaults
	// to 30s.
	RequestTimeout time.Duration
}

// ProxiedResponse is a reassembled upstream response.
type ProxiedResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Registry maps tunnel names to their live relays. Safe for
// concurrent use.
type Registry struct {
	clock          clock.Clock
	logger         *slog.Logger
	requestTimeout time.Duration

	mu     sync.Mutex
	relays map[string]*relay
}

type relay struct {
	name     string
	conn     Conn
	table    *pending.Table
	logger   *slog.Logger
	registry *Registry

	writeMu sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("tunnel: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("tunnel: Logger is required")
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Registry{
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		requestTimeout: requestTimeout,
		relays:         make(map[string]*relay),
	}, nil
}

// Register adopts a client connection for a tunnel name, replacing
// any prior client, and starts its read loop. The client receives a
// registered ack.
func (r *Registry) Register(conn Conn, name string) {
	newRelay := &relay{
		name:     name,
		conn:     conn,
		table:    pending.New(pending.Config{Clock: r.clock, Logger: r.logger}),
		logger:   r.logger.With("tunnel", name),
		registry: r,
	}

	r.mu.Lock()
	prior := r.relays[name]
	r.relays[name] = newRelay
	r.mu.Unlock()

	if prior != nil {
		prior.logger.Info("replacing prior tunnel client")
		prior.shutdown(CloseReplaced, "replaced by new connection")
	}

	newRelay.logger.Info("tunnel registered")
	if err := newRelay.send(wire.NewRegistered(name)); err != nil {
		newRelay.logger.Warn("sending registered ack", "error", err)
	}
	go newRelay.readLoop()
}

// Online reports whether a client is registered for name.
func (r *Registry) Online(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relays[name] != nil
}

// Names returns the registered tunnel names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.relays))
	for name := range r.relays {
		names = append(names, name)
	}
	return names
}

// ProxyRequest forwards one HTTP request into the named tunnel and
// waits for the client's response. Returns ErrTunnelOffline when no
// client is registered; a timeout surfaces as pending.ErrTimeout.
func (r *Registry) ProxyRequest(ctx context.Context, name string, req *http.Request) (*ProxiedResponse, error) {
	r.mu.Lock()
	current := r.relays[name]
	r.mu.Unlock()
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrTunnelOffline, name)
	}
	return current.proxy(ctx, req, r.requestTimeout)
}

// remove drops the relay for name if it is still the current one.
func (r *Registry) remove(name string, which *relay) {
	r.mu.Lock()
	if r.relays[name] == which {
		delete(r.relays, name)
	}
	r.mu.Unlock()
}

func (rl *relay) send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	rl.writeMu.Lock()
	defer rl.writeMu.Unlock()
	return rl.conn.WriteMessage(websocket.TextMessage, data)
}

func (rl *relay) readLoop() {
	for {
		_, data, err := rl.conn.ReadMessage()
		if err != nil {
			rl.registry.remove(rl.name, rl)
			flushed := rl.table.FlushAll(fmt.Errorf("%w: %s", ErrTunnelDisconnected, rl.name))
			rl.logger.Info("tunnel closed", "flushed_requests", flushed)
			rl.conn.Close()
			return
		}
		msg, ok := wire.Decode(data)
		if !ok {
			rl.logger.Debug("dropping unrecognized frame")
			continue
		}
		switch m := msg.(type) {
		case wire.Response:
			rl.table.Resolve(m.ID, data)
		case wire.Register:
			// A re-register on a live connection is acked directly;
			// it never goes through the call table. The ack only
			// covers this relay's own name: a frame naming anything
			// else would confirm a registration that never happened.
			if m.Name != rl.name {
				rl.logger.Warn("register for foreign name dropped",
					"name", m.Name)
				continue
			}
			if err := rl.send(wire.NewRegistered(m.Name)); err != nil {
				rl.logger.Warn("sending registered ack", "error", err)
			}
		default:
			rl.logger.Debug("dropping unexpected frame", "type", msg.WireType())
		}
	}
}

// shutdown closes the connection with a close frame and rejects every
// outstanding request. Used on replacement; an ordinary disconnect
// takes the read-loop path instead.
func (rl *relay) shutdown(code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	frame := websocket.FormatCloseMessage(code, reason)
	if err := rl.conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		rl.logger.Debug("sending close frame", "error", err)
	}
	rl.conn.Close()
	rl.table.FlushAll(fmt.Errorf("%w: %s", ErrTunnelDisconnected, rl.name))
}

func (rl *relay) proxy(ctx context.Context, req *http.Request, timeout time.Duration) (*ProxiedResponse, error) {
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("tunnel: reading request body: %w", err)
	}

	call := rl.table.Register(rl.name, timeout)
	frame := wire.Request{
		ID:      call.ID,
		Method:  req.Method,
		Path:    path,
		Headers: filterHeaders(req.Header),
		Body:    body,
	}
	if err := rl.send(frame); err != nil {
		rl.table.Fail(call.ID, err)
		return nil, fmt.Errorf("%w: send failed: %v", ErrTunnelDisconnected, err)
	}

	payload, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var resp wire.Response
	if err := wireDecodeResponse(payload, &resp); err != nil {
		return nil, err
	}

	var respBody []byte
	if resp.Body != "" {
		respBody, err = base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("tunnel: decoding response body: %w", err)
		}
	}

	return &ProxiedResponse{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    respBody,
	}, nil
}

func wireDecodeResponse(payload []byte, resp *wire.Response) error {
	msg, ok := wire.Decode(payload)
	if !ok {
		return fmt.Errorf("tunnel: undecodable response frame")
	}
	r, ok := msg.(wire.Response)
	if !ok {
		return fmt.Errorf("tunnel: unexpected frame type %s", msg.WireType())
	}
	*resp = r
	return nil
}

// encodeBody reads a request body into a base64 string, feeding the
// encoder in bounded-size chunks. Returns "" for an absent or empty
// body.
func encodeBody(body io.ReadCloser) (string, error) {
	if body == nil {
		return "", nil
	}
	var builder strings.Builder
	encoder := base64.NewEncoder(base64.StdEncoding, &builder)
	chunk := make([]byte, bodyChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if _, werr := encoder.Write(chunk[:n]); werr != nil {
				return "", werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// filterHeaders flattens request headers for the wire, dropping
// hop-by-hop headers, the Host header, and platform-internal headers
// the upstream service must not see.
func filterHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string, len(headers))
	for name, values := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] || canonical == "Host" {
			continue
		}
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "cf-") || strings.HasPrefix(lower, "x-tether-") {
			continue
		}
		if len(values) > 0 {
			filtered[canonical] = values[0]
		}
	}
	return filtered
}
