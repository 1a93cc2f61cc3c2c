// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tetherlabs/tether/hub"
	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/pending"
	"github.com/tetherlabs/tether/lib/wire"
	"github.com/tetherlabs/tether/store"
)

// fakeConn is a channel-backed hub.Conn. Frames injected with inject
// appear on ReadMessage; frames the hub writes are recorded.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) inject(data []byte) { c.incoming <- data }

func (c *fakeConn) injectFrame(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encoding %T: %v", msg, err)
	}
	c.inject(data)
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

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// lastFrame returns the newest sent frame whose type tag matches, or
// nil.
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

func (c *fakeConn) countFrames(wireType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, data := range c.sent {
		if msg, ok := wire.Decode(data); ok && msg.WireType() == wireType {
			n++
		}
	}
	return n
}

// memStore is an in-memory hub.Store.
type memStore struct {
	mu          sync.Mutex
	attachments map[string]store.Attachment
	devices     map[string]store.Device
}

func newMemStore() *memStore {
	return &memStore{
		attachments: make(map[string]store.Attachment),
		devices:     make(map[string]store.Device),
	}
}

func (s *memStore) SaveAttachment(_ context.Context, att store.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[att.ConnID] = att
	return nil
}

func (s *memStore) DeleteAttachment(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, connID)
	return nil
}

func (s *memStore) UpsertDevice(_ context.Context, device store.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.DeviceID] = device
	return nil
}

func (s *memStore) attachmentRecords() []store.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []store.Attachment
	for _, att := range s.attachments {
		records = append(records, att)
	}
	return records
}

// waitFor polls until the condition holds or the test deadline hits.
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

func newTestHub(t *testing.T, fc *clock.FakeClock, st *memStore, cfg hub.Config) *hub.Hub {
	t.Helper()
	cfg.SessionID = "s1"
	cfg.Store = st
	cfg.Clock = fc
	cfg.Logger = slog.New(slog.DiscardHandler)
	h, err := hub.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func attachReady(t *testing.T, h *hub.Hub, conn *fakeConn, connID, deviceID string) {
	t.Helper()
	h.Attach(conn, connID)
	conn.injectFrame(t, wire.Ready{DeviceID: deviceID, DeviceName: deviceID + "-name"})
	waitFor(t, "device ready", func() bool { return h.Online(deviceID) })
}

func TestDispatchRoundTrip(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	type outcome struct {
		res *hub.DispatchResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.Dispatch(context.Background(), "d1", "open the calendar", 0)
		done <- outcome{res, err}
	}()

	var task wire.Task
	waitFor(t, "task frame", func() bool {
		msg := conn.lastFrame(wire.TypeTask)
		if msg == nil {
			return false
		}
		task = msg.(wire.Task)
		return true
	})
	if task.Description != "open the calendar" {
		t.Errorf("task description = %q", task.Description)
	}

	conn.injectFrame(t, wire.Result{TaskID: task.TaskID, Result: "calendar opened", Success: true})

	got := <-done
	if got.err != nil {
		t.Fatalf("Dispatch: %v", got.err)
	}
	if got.res.Result != "calendar opened" || !got.res.Success {
		t.Errorf("Dispatch = %q, %v", got.res.Result, got.res.Success)
	}
	if got.res.TaskID != task.TaskID {
		t.Errorf("Dispatch TaskID = %q, want %q", got.res.TaskID, task.TaskID)
	}
}

func TestDispatchNoDeviceFailsFast(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})

	start := time.Now()
	_, err := h.Dispatch(context.Background(), "", "anything", 0)
	if !errors.Is(err, hub.ErrDeviceNotConnected) {
		t.Fatalf("Dispatch error = %v, want ErrDeviceNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dispatch took %v, want immediate failure", elapsed)
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	_, err := h.Dispatch(context.Background(), "d-other", "anything", 0)
	if !errors.Is(err, hub.ErrDeviceNotConnected) {
		t.Fatalf("Dispatch error = %v, want ErrDeviceNotConnected", err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{DispatchTimeout: time.Minute})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	done := make(chan error, 1)
	go func() {
		_, err := h.Dispatch(context.Background(), "d1", "never answered", 0)
		done <- err
	}()

	// Heartbeat plus the call timeout.
	fc.WaitForTimers(2)
	fc.Advance(time.Minute)

	err := <-done
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("Dispatch error = %v, want ErrTimeout", err)
	}
	if h.PendingCalls() != 0 {
		t.Errorf("PendingCalls = %d after timeout, want 0", h.PendingCalls())
	}
}

func TestExecRoundTrip(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	done := make(chan *hub.ExecResult, 1)
	go func() {
		res, err := h.Exec(context.Background(), "d1", "screen.capture()", 0)
		if err != nil {
			t.Errorf("Exec: %v", err)
		}
		done <- res
	}()

	var exec wire.Exec
	waitFor(t, "exec frame", func() bool {
		msg := conn.lastFrame(wire.TypeExec)
		if msg == nil {
			return false
		}
		exec = msg.(wire.Exec)
		return true
	})
	if exec.Code != "screen.capture()" {
		t.Errorf("exec code = %q", exec.Code)
	}

	conn.injectFrame(t, wire.ExecResult{
		ExecID:       exec.ExecID,
		Result:       "done",
		Screenshots:  []string{"cGln"},
		ExecutionLog: []string{"captured screen"},
	})

	res := <-done
	if res == nil {
		t.Fatal("Exec returned nil result")
	}
	if res.Result != "done" || len(res.Screenshots) != 1 || len(res.ExecutionLog) != 1 {
		t.Errorf("ExecResult = %+v", res)
	}
}

func TestCloseFlushesOnlyThatPeer(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	attachReady(t, h, conn1, "c1", "d1")
	attachReady(t, h, conn2, "c2", "d2")

	err1 := make(chan error, 1)
	go func() {
		_, err := h.Dispatch(context.Background(), "d1", "on the dying peer", 0)
		err1 <- err
	}()
	waitFor(t, "first task frame", func() bool {
		return conn1.lastFrame(wire.TypeTask) != nil
	})

	var task2 wire.Task
	err2 := make(chan error, 1)
	go func() {
		_, err := h.Dispatch(context.Background(), "d2", "on the surviving peer", 0)
		err2 <- err
	}()
	waitFor(t, "second task frame", func() bool {
		msg := conn2.lastFrame(wire.TypeTask)
		if msg == nil {
			return false
		}
		task2 = msg.(wire.Task)
		return true
	})

	// Drop the first connection mid-call.
	conn1.Close()

	if err := <-err1; !errors.Is(err, hub.ErrPeerDisconnected) {
		t.Fatalf("first Dispatch error = %v, want ErrPeerDisconnected", err)
	}

	// The second peer's call is untouched and still completes.
	conn2.injectFrame(t, wire.Result{TaskID: task2.TaskID, Result: "still here", Success: true})
	if err := <-err2; err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
}

func TestHeartbeatPingsAndStops(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{HeartbeatInterval: 30 * time.Second})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)
	waitFor(t, "first ping", func() bool {
		return conn.countFrames(wire.TypePing) == 1
	})

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)
	waitFor(t, "second ping", func() bool {
		return conn.countFrames(wire.TypePing) == 2
	})

	// A pong is absorbed without complaint.
	conn.injectFrame(t, wire.NewPong())

	conn.Close()
	waitFor(t, "peer removal", func() bool { return !h.Online("d1") })
	waitFor(t, "heartbeat stop", func() bool { return fc.PendingCount() == 0 })
}

func TestLLMRequestProxied(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{
		LLMHandler: func(_ context.Context, body json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"choices":[]}`), nil
		},
	})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	conn.injectFrame(t, wire.LLMRequest{
		RequestID: "req-7",
		Body:      json.RawMessage(`{"model":"gpt-4o-mini"}`),
	})

	var reply wire.LLMResponse
	waitFor(t, "llm response", func() bool {
		msg := conn.lastFrame(wire.TypeLLMResponse)
		if msg == nil {
			return false
		}
		reply = msg.(wire.LLMResponse)
		return true
	})
	if reply.RequestID != "req-7" {
		t.Errorf("llm response id = %q, want req-7", reply.RequestID)
	}
	if string(reply.Body) != `{"choices":[]}` {
		t.Errorf("llm response body = %s", reply.Body)
	}
}

func TestLLMRequestFailureReportedInBody(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{
		LLMHandler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("provider unreachable")
		},
	})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	conn.injectFrame(t, wire.LLMRequest{RequestID: "req-8", Body: json.RawMessage(`{}`)})

	var reply wire.LLMResponse
	waitFor(t, "llm error response", func() bool {
		msg := conn.lastFrame(wire.TypeLLMResponse)
		if msg == nil {
			return false
		}
		reply = msg.(wire.LLMResponse)
		return true
	})

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Message != "provider unreachable" {
		t.Errorf("error message = %q", body.Error.Message)
	}
}

func TestUserTaskAnsweredWithTaskDone(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{
		TaskHandler: func(_ context.Context, text string) (string, error) {
			return "heard: " + text, nil
		},
	})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	conn.injectFrame(t, wire.UserTask{Text: "what is on my calendar"})

	var done wire.TaskDone
	waitFor(t, "task_done frame", func() bool {
		msg := conn.lastFrame(wire.TypeTaskDone)
		if msg == nil {
			return false
		}
		done = msg.(wire.TaskDone)
		return true
	})
	if done.Result != "heard: what is on my calendar" {
		t.Errorf("task_done result = %q", done.Result)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newTestHub(t, fc, newMemStore(), hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	conn.inject([]byte("not json at all"))
	conn.inject([]byte(`{"type":"no-such-type"}`))
	conn.inject([]byte(`{"type":"result","taskId":7}`))

	// The connection is still healthy afterwards.
	conn.injectFrame(t, wire.NewPong())
	if !h.Online("d1") {
		t.Error("device went offline after malformed frames")
	}
}

func TestRestorePeersRebuildsRegistry(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := newMemStore()
	h := newTestHub(t, fc, st, hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")

	waitFor(t, "attachment persisted", func() bool {
		return len(st.attachmentRecords()) == 1
	})

	// A fresh hub, as built after hibernation, starts empty and
	// recovers the peer from the persisted records. The restored
	// connection stands in for the still-live socket; the prior hub
	// no longer reads it.
	rebuilt := newTestHub(t, fc, st, hub.Config{})
	if rebuilt.Online("d1") {
		t.Fatal("fresh hub reports device online")
	}

	restored := newFakeConn()
	rebuilt.RestorePeers(context.Background(), st.attachmentRecords(), func(connID string) hub.Conn {
		if connID == "c1" {
			return restored
		}
		return nil
	})

	peers := rebuilt.Peers()
	if len(peers) != 1 {
		t.Fatalf("restored peers = %d, want 1", len(peers))
	}
	if peers[0].DeviceID != "d1" || peers[0].Name != "d1-name" {
		t.Errorf("restored peer = %+v", peers[0])
	}
}

func TestRestoredPeerAnswersDispatch(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := newMemStore()
	h := newTestHub(t, fc, st, hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")
	waitFor(t, "attachment persisted", func() bool {
		return len(st.attachmentRecords()) == 1
	})

	// The rebuilt hub must own the restored connection's read loop:
	// a device answering promptly resolves the rebuilt hub's call,
	// not a defunct table.
	rebuilt := newTestHub(t, fc, st, hub.Config{})
	restored := newFakeConn()
	rebuilt.RestorePeers(context.Background(), st.attachmentRecords(), func(connID string) hub.Conn {
		if connID == "c1" {
			return restored
		}
		return nil
	})

	type outcome struct {
		res *hub.DispatchResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rebuilt.Dispatch(context.Background(), "d1", "resume the checklist", 0)
		done <- outcome{res, err}
	}()

	var task wire.Task
	waitFor(t, "task frame on restored conn", func() bool {
		msg := restored.lastFrame(wire.TypeTask)
		if msg == nil {
			return false
		}
		task = msg.(wire.Task)
		return true
	})

	restored.injectFrame(t, wire.Result{TaskID: task.TaskID, Result: "checklist resumed", Success: true})

	got := <-done
	if got.err != nil {
		t.Fatalf("Dispatch after restore: %v", got.err)
	}
	if got.res.Result != "checklist resumed" || !got.res.Success {
		t.Errorf("Dispatch = %q, %v", got.res.Result, got.res.Success)
	}
}

func TestRestorePeersDropsStaleRecords(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := newMemStore()
	h := newTestHub(t, fc, st, hub.Config{})
	conn := newFakeConn()
	attachReady(t, h, conn, "c1", "d1")
	waitFor(t, "attachment persisted", func() bool {
		return len(st.attachmentRecords()) == 1
	})

	rebuilt := newTestHub(t, fc, st, hub.Config{})
	rebuilt.RestorePeers(context.Background(), st.attachmentRecords(), func(string) hub.Conn {
		return nil
	})

	if len(rebuilt.Peers()) != 0 {
		t.Errorf("stale record restored a peer: %v", rebuilt.Peers())
	}
	if len(st.attachmentRecords()) != 0 {
		t.Error("stale attachment record not deleted")
	}
}
