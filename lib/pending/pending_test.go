// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package pending_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/pending"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTable(t *testing.T) (*pending.Table, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	return pending.New(pending.Config{Clock: fake}), fake
}

func TestResolveDeliversPayload(t *testing.T) {
	table, _ := newTable(t)

	call := table.Register("d1", time.Minute)
	if call.ID == "" {
		t.Fatal("Register assigned no correlation id")
	}

	want := json.RawMessage(`{"result":"ok"}`)
	if !table.Resolve(call.ID, want) {
		t.Fatal("Resolve returned false for an outstanding call")
	}

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("payload = %s, want %s", got, want)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after resolution, want 0", table.Len())
	}
}

func TestTimeoutRejects(t *testing.T) {
	table, fake := newTable(t)

	call := table.Register("d1", 30*time.Second)
	fake.Advance(30 * time.Second)

	_, err := call.Wait(context.Background())
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after timeout, want 0", table.Len())
	}
}

func TestZeroTimeoutRejectsDuringRegister(t *testing.T) {
	table, _ := newTable(t)

	// A zero timeout fires before Register has finished arming the
	// call. The call must still reach its terminal state cleanly.
	call := table.Register("d1", 0)

	_, err := call.Wait(context.Background())
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after immediate timeout, want 0", table.Len())
	}
}

func TestLateResponseIsNoOp(t *testing.T) {
	table, fake := newTable(t)

	call := table.Register("d1", 30*time.Second)
	fake.Advance(time.Minute)

	if table.Resolve(call.ID, json.RawMessage(`{}`)) {
		t.Error("Resolve after timeout returned true")
	}
	// The terminal state is still the timeout.
	_, err := call.Wait(context.Background())
	if !errors.Is(err, pending.ErrTimeout) {
		t.Errorf("Wait error = %v, want ErrTimeout", err)
	}
}

func TestDuplicateResolveIsNoOp(t *testing.T) {
	table, _ := newTable(t)

	call := table.Register("d1", time.Minute)
	if !table.Resolve(call.ID, json.RawMessage(`"first"`)) {
		t.Fatal("first Resolve returned false")
	}
	if table.Resolve(call.ID, json.RawMessage(`"second"`)) {
		t.Error("duplicate Resolve returned true")
	}

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(got) != `"first"` {
		t.Errorf("payload = %s, want %q", got, `"first"`)
	}
}

func TestResolvedCallDoesNotTimeout(t *testing.T) {
	table, fake := newTable(t)

	call := table.Register("d1", 30*time.Second)
	table.Resolve(call.ID, json.RawMessage(`{}`))
	fake.Advance(time.Minute)

	if _, err := call.Wait(context.Background()); err != nil {
		t.Errorf("Wait after resolve-then-advance: %v", err)
	}
}

func TestFlushPeerRejectsOnlyMatching(t *testing.T) {
	table, _ := newTable(t)

	first := table.Register("d1", time.Minute)
	second := table.Register("d1", time.Minute)
	other := table.Register("d2", time.Minute)

	disconnected := errors.New("peer disconnected")
	if n := table.FlushPeer("d1", disconnected); n != 2 {
		t.Fatalf("FlushPeer flushed %d calls, want 2", n)
	}

	for _, call := range []*pending.Call{first, second} {
		if _, err := call.Wait(context.Background()); !errors.Is(err, disconnected) {
			t.Errorf("flushed call error = %v, want peer disconnected", err)
		}
	}

	// d2's call is untouched.
	if table.Len() != 1 {
		t.Fatalf("Len = %d after FlushPeer, want 1", table.Len())
	}
	table.Resolve(other.ID, json.RawMessage(`{}`))
	if _, err := other.Wait(context.Background()); err != nil {
		t.Errorf("surviving call Wait: %v", err)
	}
}

func TestFlushAll(t *testing.T) {
	table, _ := newTable(t)

	calls := []*pending.Call{
		table.Register("d1", time.Minute),
		table.Register("d2", time.Minute),
	}

	gone := errors.New("tunnel disconnected")
	if n := table.FlushAll(gone); n != 2 {
		t.Fatalf("FlushAll flushed %d calls, want 2", n)
	}
	for _, call := range calls {
		if _, err := call.Wait(context.Background()); !errors.Is(err, gone) {
			t.Errorf("call error = %v, want tunnel disconnected", err)
		}
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after FlushAll, want 0", table.Len())
	}
}

func TestFailAfterSendError(t *testing.T) {
	table, _ := newTable(t)

	call := table.Register("d1", time.Minute)
	sendErr := errors.New("write: broken pipe")
	if !table.Fail(call.ID, sendErr) {
		t.Fatal("Fail returned false for an outstanding call")
	}
	if _, err := call.Wait(context.Background()); !errors.Is(err, sendErr) {
		t.Errorf("Wait error = %v, want send error", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	table, _ := newTable(t)

	call := table.Register("d1", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
	// Abandoning the wait does not terminate the call.
	if table.Len() != 1 {
		t.Errorf("Len = %d after abandoned Wait, want 1", table.Len())
	}
}

func TestFreshCorrelationIDs(t *testing.T) {
	table, _ := newTable(t)

	seen := make(map[string]bool)
	for range 100 {
		call := table.Register("d1", time.Minute)
		if seen[call.ID] {
			t.Fatalf("correlation id %s issued twice", call.ID)
		}
		seen[call.ID] = true
	}
}
