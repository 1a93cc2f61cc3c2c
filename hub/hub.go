// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub manages a session's device control channels: persistent
// duplex connections to phones and other devices that execute tasks on
// the user's behalf.
//
// A connection is adopted with [Hub.Attach] but only becomes a live
// peer once the device sends its ready handshake. Live peers receive a
// periodic ping, can be targeted by [Hub.Dispatch] and [Hub.Exec], and
// may themselves initiate work: a user_task frame starts a session
// turn, and llm_request frames proxy the device's on-board agent loop
// through the server's model provider.
//
// Peer metadata is persisted as an attachment record keyed by
// connection id, so a hibernated session can rebuild its registry with
// [Hub.RestorePeers] when it wakes.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/codec"
	"github.com/tetherlabs/tether/lib/pending"
	"github.com/tetherlabs/tether/lib/wire"
	"github.com/tetherlabs/tether/store"
)

// ErrDeviceNotConnected is returned by Dispatch and Exec when no live
// peer matches the target. The hub never waits for a device to appear.
var ErrDeviceNotConnected = errors.New("hub: device not connected")

// ErrPeerDisconnected is the flush error for calls outstanding against
// a peer whose connection dropped.
var ErrPeerDisconnected = errors.New("hub: peer disconnected")

// Conn is the duplex connection surface the hub needs. A gorilla
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Store is the persistence surface the hub needs: attachment records
// for hibernation and the device registry side table.
type Store interface {
	SaveAttachment(ctx context.Context, att store.Attachment) error
	DeleteAttachment(ctx context.Context, connID string) error
	UpsertDevice(ctx context.Context, device store.Device) error
}

// LLMHandler answers a device-proxied model call. The body is the raw
// provider-format request; the return is the raw provider response.
type LLMHandler func(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

// TaskHandler runs a device-initiated session turn and returns the
// generated text.
type TaskHandler func(ctx context.Context, text string) (string, error)

// Config holds the parameters for creating a Hub.
type Config struct {
	// SessionID is the owning session. Required.
	SessionID string

	// Store persists attachments and device sightings. Required.
	Store Store

	// Clock drives heartbeats and call timeouts. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// HeartbeatInterval is the ping cadence. Zero defaults to 30s.
	HeartbeatInterval time.Duration

	// DispatchTimeout bounds a task round trip. Zero defaults to 5m.
	DispatchTimeout time.Duration

	// ExecTimeout bounds a code execution round trip. Zero defaults
	// to 60s.
	ExecTimeout time.Duration

	// LLMHandler answers llm_request frames. Nil rejects them.
	LLMHandler LLMHandler

	// TaskHandler answers user_task frames. Nil rejects them.
	TaskHandler TaskHandler
}

// PeerInfo describes one live peer.
type PeerInfo struct {
	ConnID       string
	DeviceID     string
	Name         string
	Kind         string
	SystemPrompt string
	Tools        json.RawMessage
	ConnectedAt  time.Time
}

type peer struct {
	info  PeerInfo
	ready bool

	// conn is nil for peers rebuilt from attachment records whose
	// connection did not survive.
	conn    Conn
	writeMu sync.Mutex
}

func (p *peer) send(msg wire.Message) error {
	if p.conn == nil {
		return fmt.Errorf("hub: peer %s has no connection", p.info.ConnID)
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// attachment is the serialized peer description written to the store.
type attachment struct {
	DeviceID     string
	Name         string
	Kind         string
	SystemPrompt string
	Tools        []byte
	ConnectedAt  int64
}

// Hub is one session's device registry and dispatcher. Safe for
// concurrent use.
type Hub struct {
	sessionID         string
	store             Store
	clock             clock.Clock
	logger            *slog.Logger
	table             *pending.Table
	heartbeatInterval time.Duration
	dispatchTimeout   time.Duration
	execTimeout       time.Duration
	llmHandler        LLMHandler
	taskHandler       TaskHandler

	mu        sync.Mutex
	peers     map[string]*peer // conn id → peer
	heartbeat *clock.Timer     // nil when no live peers
}

// New creates a Hub for one session.
func New(cfg Config) (*Hub, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("hub: SessionID is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("hub: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("hub: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("hub: Logger is required")
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	dispatchTimeout := cfg.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = 5 * time.Minute
	}
	execTimeout := cfg.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = 60 * time.Second
	}

	return &Hub{
		sessionID:         cfg.SessionID,
		store:             cfg.Store,
		clock:             cfg.Clock,
		logger:            cfg.Logger.With("session", cfg.SessionID),
		table:             pending.New(pending.Config{Clock: cfg.Clock, Logger: cfg.Logger}),
		heartbeatInterval: heartbeatInterval,
		dispatchTimeout:   dispatchTimeout,
		execTimeout:       execTimeout,
		llmHandler:        cfg.LLMHandler,
		taskHandler:       cfg.TaskHandler,
		peers:             make(map[string]*peer),
	}, nil
}

// Attach adopts an upgraded connection and starts its read loop. The
// peer is not live until its ready handshake arrives; frames other
// than ready from a pre-handshake peer are dropped.
func (h *Hub) Attach(conn Conn, connID string) {
	h.mu.Lock()
	h.peers[connID] = &peer{
		info: PeerInfo{ConnID: connID},
		conn: conn,
	}
	h.mu.Unlock()

	h.logger.Info("connection attached", "conn", connID)
	go h.readLoop(conn, connID)
}

func (h *Hub) readLoop(conn Conn, connID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.HandleClose(connID)
			conn.Close()
			return
		}
		msg, ok := wire.Decode(data)
		if !ok {
			h.logger.Debug("dropping unrecognized frame", "conn", connID)
			continue
		}
		h.handleMessage(connID, msg, data)
	}
}

func (h *Hub) handleMessage(connID string, msg wire.Message, raw []byte) {
	switch m := msg.(type) {
	case wire.Ready:
		h.handleReady(connID, m)
	case wire.Pong:
		// Liveness acknowledged; nothing to record.
	case wire.Result:
		h.table.Resolve(m.TaskID, raw)
	case wire.ExecResult:
		h.table.Resolve(m.ExecID, raw)
	case wire.LLMRequest:
		go h.handleLLMRequest(connID, m)
	case wire.UserTask:
		go h.handleUserTask(connID, m)
	default:
		h.logger.Debug("dropping unexpected frame",
			"conn", connID, "type", msg.WireType())
	}
}

func (h *Hub) handleReady(connID string, m wire.Ready) {
	h.mu.Lock()
	p, ok := h.peers[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	p.info = PeerInfo{
		ConnID:       connID,
		DeviceID:     m.DeviceID,
		Name:         m.DeviceName,
		Kind:         "device",
		SystemPrompt: m.SystemPrompt,
		Tools:        m.Tools,
		ConnectedAt:  h.clock.Now(),
	}
	p.ready = true
	if h.heartbeat == nil {
		h.scheduleHeartbeatLocked()
	}
	info := p.info
	h.mu.Unlock()

	h.logger.Info("device ready",
		"conn", connID, "device", info.DeviceID, "name", info.Name)

	if err := h.saveAttachment(info); err != nil {
		h.logger.Error("saving attachment", "conn", connID, "error", err)
	}

	// Registry upsert is best-effort: a store hiccup must not cost the
	// device its connection.
	go func() {
		err := h.store.UpsertDevice(context.Background(), store.Device{
			DeviceID:  info.DeviceID,
			SessionID: h.sessionID,
			Name:      info.Name,
			Kind:      info.Kind,
		})
		if err != nil {
			h.logger.Warn("device registry upsert failed",
				"device", info.DeviceID, "error", err)
		}
	}()
}

func (h *Hub) saveAttachment(info PeerInfo) error {
	payload, err := codec.Marshal(attachment{
		DeviceID:     info.DeviceID,
		Name:         info.Name,
		Kind:         info.Kind,
		SystemPrompt: info.SystemPrompt,
		Tools:        info.Tools,
		ConnectedAt:  info.ConnectedAt.UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return h.store.SaveAttachment(context.Background(), store.Attachment{
		ConnID:    info.ConnID,
		SessionID: h.sessionID,
		Payload:   payload,
	})
}

// RestorePeers rebuilds the registry from persisted attachment
// records after hibernation. The lookup function maps a connection id
// to its still-live connection; records whose connection is gone are
// dropped and their attachment rows deleted.
//
// Restored connections are adopted outright: this hub starts a read
// loop for each one, so inbound frames resolve into this hub's call
// table. The caller must only hand over connections no prior hub is
// still reading — an actor hibernates only after its read loops have
// exited.
func (h *Hub) RestorePeers(ctx context.Context, records []store.Attachment, lookup func(connID string) Conn) {
	for _, record := range records {
		var att attachment
		if err := codec.Unmarshal(record.Payload, &att); err != nil {
			h.logger.Warn("discarding undecodable attachment",
				"conn", record.ConnID, "error", err)
			continue
		}

		conn := lookup(record.ConnID)
		if conn == nil {
			h.logger.Info("dropping stale attachment", "conn", record.ConnID)
			if err := h.store.DeleteAttachment(ctx, record.ConnID); err != nil {
				h.logger.Warn("deleting stale attachment",
					"conn", record.ConnID, "error", err)
			}
			continue
		}

		h.mu.Lock()
		h.peers[record.ConnID] = &peer{
			info: PeerInfo{
				ConnID:       record.ConnID,
				DeviceID:     att.DeviceID,
				Name:         att.Name,
				Kind:         att.Kind,
				SystemPrompt: att.SystemPrompt,
				Tools:        att.Tools,
				ConnectedAt:  time.Unix(att.ConnectedAt, 0).UTC(),
			},
			ready: true,
			conn:  conn,
		}
		if h.heartbeat == nil {
			h.scheduleHeartbeatLocked()
		}
		h.mu.Unlock()

		go h.readLoop(conn, record.ConnID)
		h.logger.Info("peer restored", "conn", record.ConnID, "device", att.DeviceID)
	}
}

// HandleClose removes a peer, flushes its outstanding calls, and
// deletes its attachment record. Safe to call for unknown ids.
func (h *Hub) HandleClose(connID string) {
	h.mu.Lock()
	p, ok := h.peers[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, connID)
	wasReady := p.ready
	if h.liveCountLocked() == 0 && h.heartbeat != nil {
		h.heartbeat.Stop()
		h.heartbeat = nil
	}
	h.mu.Unlock()

	flushed := h.table.FlushPeer(connID, fmt.Errorf("%w (conn %s)", ErrPeerDisconnected, connID))
	h.logger.Info("connection closed",
		"conn", connID, "device", p.info.DeviceID, "flushed_calls", flushed)

	if wasReady {
		if err := h.store.DeleteAttachment(context.Background(), connID); err != nil {
			h.logger.Warn("deleting attachment", "conn", connID, "error", err)
		}
	}
}

func (h *Hub) liveCountLocked() int {
	n := 0
	for _, p := range h.peers {
		if p.ready {
			n++
		}
	}
	return n
}

// scheduleHeartbeatLocked arms the next heartbeat tick. Caller holds
// h.mu.
func (h *Hub) scheduleHeartbeatLocked() {
	h.heartbeat = h.clock.AfterFunc(h.heartbeatInterval, h.heartbeatTick)
}

func (h *Hub) heartbeatTick() {
	h.mu.Lock()
	var live []*peer
	for _, p := range h.peers {
		if p.ready {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		h.heartbeat = nil
		h.mu.Unlock()
		return
	}
	h.scheduleHeartbeatLocked()
	h.mu.Unlock()

	for _, p := range live {
		if err := p.send(wire.NewPing()); err != nil {
			h.logger.Warn("heartbeat send failed",
				"conn", p.info.ConnID, "error", err)
		}
	}
}

// Peers returns a snapshot of the live peers.
func (h *Hub) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		if p.ready {
			infos = append(infos, p.info)
		}
	}
	return infos
}

// Online reports whether a live peer matches deviceID. An empty id
// matches any live peer.
func (h *Hub) Online(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		if p.ready && (deviceID == "" || p.info.DeviceID == deviceID) {
			return true
		}
	}
	return false
}

// findPeer resolves a dispatch target: the live peer whose device id
// matches, or any live peer when deviceID is empty.
func (h *Hub) findPeer(deviceID string) (*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		if p.ready && (deviceID == "" || p.info.DeviceID == deviceID) {
			return p, nil
		}
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: no devices attached", ErrDeviceNotConnected)
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
}

// DispatchResult is the outcome of a task dispatch.
type DispatchResult struct {
	TaskID  string
	Result  string
	Success bool
}

// Dispatch sends a natural-language task to a device and waits for its
// result. A zero timeout uses the configured dispatch timeout.
func (h *Hub) Dispatch(ctx context.Context, deviceID, description string, timeout time.Duration) (*DispatchResult, error) {
	p, err := h.findPeer(deviceID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.dispatchTimeout
	}

	call := h.table.Register(p.info.ConnID, timeout)
	if err := p.send(wire.NewTask(call.ID, description)); err != nil {
		h.table.Fail(call.ID, err)
		return nil, fmt.Errorf("hub: sending task to %s: %w", p.info.ConnID, err)
	}

	payload, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var res wire.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("hub: decoding task result: %w", err)
	}
	return &DispatchResult{TaskID: call.ID, Result: res.Result, Success: res.Success}, nil
}

// ExecResult is the outcome of a code execution on a device.
type ExecResult struct {
	Result       string
	Screenshots  []string
	ExecutionLog []string
}

// Exec runs code in a device's embedded runtime and waits for the
// outcome. A zero timeout uses the configured exec timeout.
func (h *Hub) Exec(ctx context.Context, deviceID, code string, timeout time.Duration) (*ExecResult, error) {
	p, err := h.findPeer(deviceID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.execTimeout
	}

	call := h.table.Register(p.info.ConnID, timeout)
	if err := p.send(wire.NewExec(call.ID, code)); err != nil {
		h.table.Fail(call.ID, err)
		return nil, fmt.Errorf("hub: sending exec to %s: %w", p.info.ConnID, err)
	}

	payload, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var res wire.ExecResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("hub: decoding exec result: %w", err)
	}
	return &ExecResult{
		Result:       res.Result,
		Screenshots:  res.Screenshots,
		ExecutionLog: res.ExecutionLog,
	}, nil
}

// PendingCalls returns the number of outstanding correlated calls.
func (h *Hub) PendingCalls() int {
	return h.table.Len()
}

func (h *Hub) handleLLMRequest(connID string, m wire.LLMRequest) {
	h.mu.Lock()
	p, ok := h.peers[connID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var body json.RawMessage
	if h.llmHandler == nil {
		body = errorBody("model proxying not available")
	} else {
		reply, err := h.llmHandler(context.Background(), m.Body)
		if err != nil {
			h.logger.Warn("proxied model call failed",
				"conn", connID, "request", m.RequestID, "error", err)
			body = errorBody(err.Error())
		} else {
			body = reply
		}
	}

	if err := p.send(wire.NewLLMResponse(m.RequestID, body)); err != nil {
		h.logger.Warn("sending llm response",
			"conn", connID, "request", m.RequestID, "error", err)
	}
}

func (h *Hub) handleUserTask(connID string, m wire.UserTask) {
	h.mu.Lock()
	p, ok := h.peers[connID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var result string
	if h.taskHandler == nil {
		result = "error: task handling not available"
	} else {
		reply, err := h.taskHandler(context.Background(), m.Text)
		if err != nil {
			h.logger.Warn("device-initiated turn failed",
				"conn", connID, "error", err)
			result = "error: " + err.Error()
		} else {
			result = reply
		}
	}

	if err := p.send(wire.NewTaskDone(result)); err != nil {
		h.logger.Warn("sending task_done", "conn", connID, "error", err)
	}
}

func errorBody(message string) json.RawMessage {
	body, err := json.Marshal(map[string]any{
		"error": map[string]string{"message": message},
	})
	if err != nil {
		return json.RawMessage(`{"error":{"message":"internal error"}}`)
	}
	return body
}
