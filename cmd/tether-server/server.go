// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/hub"
	"github.com/tetherlabs/tether/lib/config"
	"github.com/tetherlabs/tether/lib/pending"
	"github.com/tetherlabs/tether/session"
	"github.com/tetherlabs/tether/tunnel"
)

// server is the HTTP and websocket surface. It routes chat turns and
// device dispatches to session actors, websocket upgrades to the
// session's hub or the tunnel registry, and /t/ traffic into tunnels.
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	host    *session.Host
	tunnels *tunnel.Registry
	conns   *connRegistry

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func newServer(cfg *config.Config, logger *slog.Logger, host *session.Host, tunnels *tunnel.Registry, conns *connRegistry) *server {
	s := &server{
		cfg:     cfg,
		logger:  logger,
		host:    host,
		tunnels: tunnels,
		conns:   conns,
		upgrader: websocket.Upgrader{
			// Devices and tunnel clients connect from arbitrary
			// origins; auth happens at the session layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /connect", s.handleConnect)
	mux.HandleFunc("POST /sessions/{session}/messages", s.handleMessages)
	mux.HandleFunc("POST /sessions/{session}/dispatch-task", s.handleDispatchTask)
	mux.HandleFunc("POST /sessions/{session}/device/dispatch", s.handleDeviceDispatch)
	mux.HandleFunc("POST /sessions/{session}/scheduled-tasks", s.handleCreateScheduledTask)
	mux.HandleFunc("/t/{name}/{rest...}", s.handleTunnelProxy)
	s.mux = mux
	return s
}

// ServeHTTP routes host-based tunnel traffic (name.<suffix>) before
// falling through to the path mux.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if suffix := s.cfg.Server.TunnelHostSuffix; suffix != "" {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if name, ok := strings.CutSuffix(host, "."+suffix); ok && name != "" && !strings.Contains(name, ".") {
			s.proxyIntoTunnel(w, r, name, r.URL.Path)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var quotaErr *session.QuotaError
	switch {
	case errors.Is(err, session.ErrNoIdentity):
		status = http.StatusUnauthorized
	case errors.As(err, &quotaErr):
		status = http.StatusTooManyRequests
	case errors.Is(err, hub.ErrDeviceNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, tunnel.ErrTunnelOffline), errors.Is(err, tunnel.ErrTunnelDisconnected):
		status = http.StatusBadGateway
	case errors.Is(err, pending.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// bearerToken extracts the Authorization bearer token, or "".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// readyActor resolves the session actor for an authenticated request:
// bearer token first, persisted identity as the fallback, and the
// session's resources mounted before any event runs.
func (s *server) readyActor(ctx context.Context, r *http.Request, sessionID string) (*session.Actor, error) {
	actor, err := s.host.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := actor.EnsureReady(ctx, bearerToken(r)); err != nil {
		return nil, err
	}
	if err := actor.EnsureMounted(ctx); err != nil {
		return nil, err
	}
	return actor, nil
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	actor, err := s.host.Session(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Liveness is readable without identity; mounting restores any
	// persisted peers so the probe sees them. Mount failures degrade
	// to reporting only live connections.
	if err := actor.EnsureMounted(r.Context()); err != nil {
		s.logger.Warn("status probe mount failed", "session", sessionID, "error", err)
	}
	online := actor.Hub().Online(r.URL.Query().Get("device"))
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("session")
	role := query.Get("role")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	switch role {
	case "device":
		actor, err := s.host.Session(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := actor.EnsureMounted(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already wrote the response.
		}
		connID := uuid.NewString()
		tracked := s.conns.track(connID, conn)
		s.logger.Info("device connected", "session", sessionID, "conn", connID)
		actor.Hub().Attach(tracked, connID)

	case "tunnel":
		name := query.Get("name")
		if name == "" {
			http.Error(w, "name query parameter is required for tunnel role", http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.logger.Info("tunnel client connected", "session", sessionID, "tunnel", name)
		s.tunnels.Register(conn, name)

	default:
		http.Error(w, "role must be device or tunnel", http.StatusBadRequest)
	}
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		http.Error(w, "body must be {\"text\": ...}", http.StatusBadRequest)
		return
	}
	actor, err := s.readyActor(r.Context(), r, r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply, err := actor.RunTurn(r.Context(), body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		http.Error(w, "body must be {\"text\": ...}", http.StatusBadRequest)
		return
	}
	actor, err := s.readyActor(r.Context(), r, r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := actor.DispatchExternal(r.Context(), body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *server) handleDeviceDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task      string `json:"task"`
		DeviceID  string `json:"deviceId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Task == "" {
		http.Error(w, "body must include \"task\"", http.StatusBadRequest)
		return
	}
	actor, err := s.readyActor(r.Context(), r, r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	res, err := actor.Hub().Dispatch(r.Context(), body.DeviceID, body.Task, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":  res.TaskID,
		"result":  res.Result,
		"success": res.Success,
	})
}

func (s *server) handleCreateScheduledTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cron string `json:"cron"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cron == "" || body.Text == "" {
		http.Error(w, "body must be {\"cron\": ..., \"text\": ...}", http.StatusBadRequest)
		return
	}
	actor, err := s.readyActor(r.Context(), r, r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := actor.AddScheduledTask(r.Context(), body.Cron, body.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      task.ID,
		"cron":    task.CronExpr,
		"text":    task.Text,
		"nextRun": task.NextRun.Format(time.RFC3339),
	})
}

func (s *server) handleTunnelProxy(w http.ResponseWriter, r *http.Request) {
	s.proxyIntoTunnel(w, r, r.PathValue("name"), "/"+r.PathValue("rest"))
}

// proxyIntoTunnel forwards one HTTP exchange into a named tunnel and
// writes the tunneled response back.
func (s *server) proxyIntoTunnel(w http.ResponseWriter, r *http.Request, name, path string) {
	proxied := r.Clone(r.Context())
	proxied.URL.Path = path

	resp, err := s.tunnels.ProxyRequest(r.Context(), name, proxied)
	if err != nil {
		writeError(w, fmt.Errorf("proxying into tunnel %s: %w", name, err))
		return
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// connRegistry maps connection ids to their live websocket
// connections. Actors that hibernated with attachment records for
// still-open connections use it to re-adopt them on mount.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]hub.Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]hub.Conn)}
}

// track wraps a connection so closing it also drops the registry
// entry, and registers it under the given id.
func (c *connRegistry) track(id string, conn *websocket.Conn) hub.Conn {
	tracked := &trackedConn{Conn: conn, registry: c, id: id}
	c.mu.Lock()
	c.conns[id] = tracked
	c.mu.Unlock()
	return tracked
}

// lookup returns the live connection for an id, or nil.
func (c *connRegistry) lookup(id string) hub.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

type trackedConn struct {
	*websocket.Conn
	registry *connRegistry
	id       string
}

func (t *trackedConn) Close() error {
	t.registry.mu.Lock()
	delete(t.registry.conns, t.id)
	t.registry.mu.Unlock()
	return t.Conn.Close()
}
