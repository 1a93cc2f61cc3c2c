// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package pending implements the correlated-call table underneath
// every duplex exchange in Tether: issue a request carrying a fresh
// correlation id, park the caller on a [Call], and resolve it exactly
// once — by a matching response, by its timeout, or by a bulk flush
// when the peer's connection drops.
//
// The table does not touch the wire. The owner registers a call,
// serializes its own payload carrying [Call.ID], and sends it; if the
// send fails, the owner must call [Table.Fail] so the slot is not
// left waiting for its timeout.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/lib/clock"
)

// ErrTimeout is the terminal error for a call whose response did not
// arrive within its deadline. Match with errors.Is.
var ErrTimeout = errors.New("pending: call timed out")

// Config holds the parameters for creating a Table.
type Config struct {
	// Clock drives call timeouts. If nil, the real clock is used.
	Clock clock.Clock

	// Logger receives debug records for late and duplicate
	// resolutions. If nil, logging is discarded.
	Logger *slog.Logger
}

// Table is a registry of outstanding correlated calls. It is safe for
// concurrent use: calls are registered from the issuing side while
// resolutions arrive on connection read loops.
//
// Every registered call reaches exactly one terminal state: resolved
// with a payload, failed with an error, timed out, or flushed on
// disconnect. A resolution for an id that is absent (late response,
// duplicate) is a no-op.
type Table struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call
}

// Call is one outstanding correlated call. The issuer blocks on
// [Call.Wait]; the connection read loop completes it through the
// owning Table.
type Call struct {
	// ID is the correlation id carried by the request, fresh per
	// call.
	ID string

	// PeerID is the peer the request was sent to. FlushPeer rejects
	// only calls whose PeerID matches.
	PeerID string

	// CreatedAt is the registration time.
	CreatedAt time.Time

	timer *clock.Timer

	done    chan struct{}
	payload json.RawMessage
	err     error
}

// New creates an empty Table.
func New(cfg Config) *Table {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		clock:  c,
		logger: logger,
		calls:  make(map[string]*Call),
	}
}

// Register creates a call addressed to peerID with a fresh correlation
// id and arms its timeout. The caller sends the request itself and
// then blocks on [Call.Wait].
func (t *Table) Register(peerID string, timeout time.Duration) *Call {
	call := &Call{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		CreatedAt: t.clock.Now(),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	t.calls[call.ID] = call
	t.mu.Unlock()

	// The timer field is only touched under t.mu: a near-zero timeout
	// can fire before this assignment runs, and the firing path reads
	// the field through take. If the call is already gone by now the
	// assignment is moot and the orphaned timer fires into nothing.
	id := call.ID
	timer := t.clock.AfterFunc(timeout, func() {
		t.Fail(id, fmt.Errorf("%w after %s (id %s)", ErrTimeout, timeout, id))
	})
	t.mu.Lock()
	call.timer = timer
	t.mu.Unlock()
	return call
}

// Wait blocks until the call reaches its terminal state or ctx is
// done. A ctx error abandons the wait only — the call itself still
// terminates through its own path (response, timeout, or flush), and
// that resolution is then a no-op.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.payload, c.err
	}
}

// Resolve completes the call registered under id with a response
// payload. Returns false if no such call is outstanding — a late or
// duplicate response, dropped by design.
func (t *Table) Resolve(id string, payload json.RawMessage) bool {
	call := t.take(id)
	if call == nil {
		t.logger.Debug("dropping response with no outstanding call", "id", id)
		return false
	}
	call.payload = payload
	call.finish()
	return true
}

// Fail completes the call registered under id with an error. Returns
// false if no such call is outstanding.
func (t *Table) Fail(id string, err error) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.err = err
	call.finish()
	return true
}

// FlushPeer rejects every outstanding call addressed to peerID with
// err and returns how many were flushed. Used by multi-peer hubs when
// one peer disconnects: the other peers' calls keep waiting.
func (t *Table) FlushPeer(peerID string, err error) int {
	return t.flush(func(c *Call) bool { return c.PeerID == peerID }, err)
}

// FlushAll rejects every outstanding call with err and returns how
// many were flushed. Used by single-peer hubs on disconnect.
func (t *Table) FlushAll(err error) int {
	return t.flush(func(*Call) bool { return true }, err)
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// take removes and returns the call for id, or nil. Removal under the
// lock is what makes every terminal path exactly-once: whichever of
// response, timeout, or flush gets here first wins, and the rest find
// nothing.
func (t *Table) take(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := t.calls[id]
	if call == nil {
		return nil
	}
	delete(t.calls, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	return call
}

func (t *Table) flush(match func(*Call) bool, err error) int {
	t.mu.Lock()
	var flushed []*Call
	for id, call := range t.calls {
		if match(call) {
			flushed = append(flushed, call)
			delete(t.calls, id)
			if call.timer != nil {
				call.timer.Stop()
			}
		}
	}
	t.mu.Unlock()

	for _, call := range flushed {
		call.err = err
		call.finish()
	}
	return len(flushed)
}

// finish wakes the waiter. Must be called at most once; callers
// guarantee this by only reaching a call through take or flush, which
// also stop the timeout timer under the table lock.
func (c *Call) finish() {
	close(c.done)
}
