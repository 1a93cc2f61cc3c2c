// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements Tether's per-session actors. Every
// session — one user-facing agent conversation plus its devices and
// tunnels — is owned by exactly one Actor, and every event for that
// session flows through the actor one at a time.
//
// Actors hibernate: the Host evicts an idle actor and rebuilds it
// from the store on the next event. Nothing held only in actor memory
// survives that, which is why identity, mount state, and connection
// attachments are persisted the moment they are established.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherlabs/tether/hub"
	"github.com/tetherlabs/tether/lib/llm"
)

// ErrNoIdentity is returned when a session has no explicit identity
// hint and no persisted identity. The HTTP surface maps it to 401.
var ErrNoIdentity = errors.New("session: no identity")

// QuotaError reports that the built-in agent's usage quota is
// exceeded. It is user-facing: the message is surfaced verbatim and
// the request is never retried.
type QuotaError struct {
	UserID string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("session: quota exceeded for %s", e.UserID)
}

// Authenticator validates bearer tokens into user ids.
type Authenticator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// ConfigService reads the user's agent configuration. The second
// return is false when the user has not configured one — that is the
// built-in-mode signal, not an error.
type ConfigService interface {
	AgentConfig(ctx context.Context, userID string) (*AgentConfig, bool, error)
}

// QuotaService checks the built-in agent's usage quota.
type QuotaService interface {
	Exceeded(ctx context.Context, userID string) (bool, error)
}

// ToolExecutor runs one model-requested tool call in the sandboxed
// execution environment. Device tools do not come here; the actor
// routes those through the session's hub.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) (string, error)
}

// AgentConfig is a user's custom agent configuration.
type AgentConfig struct {
	SystemPrompt string
	Tools        []llm.ToolDefinition
	Model        string
}

// Mode says which agent configuration a turn runs under.
type Mode string

const (
	// ModeCustom runs the user's own agent configuration.
	ModeCustom Mode = "custom"

	// ModeBuiltIn runs the platform agent, subject to quota.
	ModeBuiltIn Mode = "built-in"
)

// Policy is the resolved configuration for a turn.
type Policy struct {
	Mode   Mode
	Config *AgentConfig // nil in built-in mode
}

// State is an actor's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	IdentityResolved
	ResourcesMounted
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case IdentityResolved:
		return "identity-resolved"
	case ResourcesMounted:
		return "resources-mounted"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Actor owns one session. Methods that process events serialize on an
// internal lock, so concurrent callers are handled one at a time in
// arrival order.
type Actor struct {
	id     string
	host   *Host
	logger *slog.Logger
	hub    *hub.Hub

	// mu is the actor's serial executor.
	mu sync.Mutex

	state atomic.Int32

	identity atomic.Pointer[string] // resolved user id

	mountMu       sync.Mutex
	mounted       bool
	mountInflight *mountAttempt

	// Turn-pipeline caches, written only under mu.
	policy        *Policy
	policyExpires time.Time
	quotaExceeded bool
	quotaExpires  time.Time
	systemPrompt  string
	tools         []llm.ToolDefinition

	deferredMu sync.Mutex
	deferred   *deferredSlot
}

type mountAttempt struct {
	done chan struct{}
	err  error
}

func (h *Host) newActor(id string) (*Actor, error) {
	a := &Actor{
		id:     id,
		host:   h,
		logger: h.logger.With("session", id),
	}

	var llmHandler hub.LLMHandler
	if h.forwarder != nil {
		llmHandler = h.forwarder.Forward
	}

	deviceHub, err := hub.New(hub.Config{
		SessionID:         id,
		Store:             h.store,
		Clock:             h.clock,
		Logger:            h.logger,
		HeartbeatInterval: h.heartbeatInterval,
		DispatchTimeout:   h.dispatchTimeout,
		ExecTimeout:       h.execTimeout,
		LLMHandler:        llmHandler,
		TaskHandler:       a.DispatchExternal,
	})
	if err != nil {
		return nil, err
	}
	a.hub = deviceHub
	return a, nil
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// Hub returns the session's device hub.
func (a *Actor) Hub() *hub.Hub { return a.hub }

// State returns the actor's lifecycle position.
func (a *Actor) State() State { return State(a.state.Load()) }

// advance moves the lifecycle forward, never backward.
func (a *Actor) advance(s State) {
	for {
		current := a.state.Load()
		if current >= int32(s) || a.state.CompareAndSwap(current, int32(s)) {
			return
		}
	}
}

// UserID returns the resolved user id, or "" before EnsureReady.
func (a *Actor) UserID() string {
	if p := a.identity.Load(); p != nil {
		return *p
	}
	return ""
}

// EnsureReady resolves the session's identity. An explicit token wins
// over everything: it is validated and the resulting user id
// persisted. Without a token the actor falls back to its in-memory
// identity, then to the persisted one — the hibernation path. When
// neither exists the session cannot proceed: ErrNoIdentity.
//
// Idempotent; calling it again with no token is a no-op once an
// identity is held.
func (a *Actor) EnsureReady(ctx context.Context, token string) error {
	if token != "" {
		if a.host.authenticator == nil {
			return fmt.Errorf("session: no authenticator configured")
		}
		userID, err := a.host.authenticator.Validate(ctx, token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
		if err := a.host.store.SaveIdentity(ctx, a.id, userID); err != nil {
			return err
		}
		a.identity.Store(&userID)
		a.advance(IdentityResolved)
		return nil
	}

	if a.identity.Load() != nil {
		return nil
	}

	userID, found, err := a.host.store.Identity(ctx, a.id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoIdentity
	}
	a.identity.Store(&userID)
	a.advance(IdentityResolved)
	return nil
}

// EnsureMounted performs the session's one-time resource
// initialization: restoring hub peers from attachment records and
// arming scheduled-task timers. At most one attempt runs at a time;
// concurrent callers share its outcome. A failed attempt is not
// memoized — the next caller starts a fresh one.
func (a *Actor) EnsureMounted(ctx context.Context) error {
	a.mountMu.Lock()
	if a.mounted {
		a.mountMu.Unlock()
		return nil
	}
	if a.mountInflight == nil {
		a.mountInflight = &mountAttempt{done: make(chan struct{})}
		go a.runMount(a.mountInflight)
	}
	attempt := a.mountInflight
	a.mountMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-attempt.done:
		return attempt.err
	}
}

func (a *Actor) runMount(attempt *mountAttempt) {
	ctx := context.Background()
	err := a.mount(ctx)

	a.mountMu.Lock()
	if err == nil {
		a.mounted = true
		a.advance(ResourcesMounted)
	}
	a.mountInflight = nil
	a.mountMu.Unlock()

	attempt.err = err
	close(attempt.done)
}

func (a *Actor) mount(ctx context.Context) error {
	records, err := a.host.store.Attachments(ctx, a.id)
	if err != nil {
		return fmt.Errorf("session: mounting %s: %w", a.id, err)
	}
	lookup := a.host.connLookup
	if lookup == nil {
		lookup = func(string) hub.Conn { return nil }
	}
	a.hub.RestorePeers(ctx, records, lookup)

	tasks, err := a.host.store.ScheduledTasks(ctx, a.id)
	if err != nil {
		return fmt.Errorf("session: mounting %s: %w", a.id, err)
	}
	if err := a.host.armScheduledTasks(a.id, tasks); err != nil {
		return fmt.Errorf("session: mounting %s: %w", a.id, err)
	}

	if err := a.host.store.MarkMounted(ctx, a.id); err != nil {
		return fmt.Errorf("session: mounting %s: %w", a.id, err)
	}

	a.logger.Info("session mounted",
		"restored_peers", len(a.hub.Peers()), "scheduled_tasks", len(tasks))
	return nil
}

// ResolveConfigAndPolicy returns the agent configuration for the next
// turn: the user's custom agent when one is configured, the built-in
// agent otherwise. Built-in mode is subject to a quota check. Both
// lookups are TTL-cached; failures are returned but never cached.
func (a *Actor) ResolveConfigAndPolicy(ctx context.Context) (*Policy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolvePolicyLocked(ctx)
}

func (a *Actor) resolvePolicyLocked(ctx context.Context) (*Policy, error) {
	userID := a.UserID()
	if userID == "" {
		return nil, ErrNoIdentity
	}

	now := a.host.clock.Now()
	if a.policy == nil || !now.Before(a.policyExpires) {
		policy := &Policy{Mode: ModeBuiltIn}
		if a.host.configService != nil {
			cfg, exists, err := a.host.configService.AgentConfig(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("session: resolving agent config: %w", err)
			}
			if exists {
				policy = &Policy{Mode: ModeCustom, Config: cfg}
			}
		}
		a.policy = policy
		a.policyExpires = now.Add(a.host.configTTL)
	}

	if a.policy.Mode == ModeBuiltIn && a.host.quotaService != nil {
		if !now.Before(a.quotaExpires) {
			exceeded, err := a.host.quotaService.Exceeded(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("session: checking quota: %w", err)
			}
			a.quotaExceeded = exceeded
			a.quotaExpires = now.Add(a.host.quotaTTL)
		}
		if a.quotaExceeded {
			return nil, &QuotaError{UserID: userID}
		}
	}

	a.advance(Ready)
	return a.policy, nil
}

// refreshPromptLocked re-reads the device-declared system prompt and
// tool list from the hub's live peers. Called on the first turn of a
// conversation (and after a reset), when the persisted history is
// still empty.
func (a *Actor) refreshPromptLocked() {
	for _, peer := range a.hub.Peers() {
		if peer.SystemPrompt != "" {
			a.systemPrompt = peer.SystemPrompt
		}
		if len(peer.Tools) > 0 {
			if tools, err := parseDeviceTools(peer.Tools); err == nil {
				a.tools = tools
			} else {
				a.logger.Warn("ignoring undecodable device tools",
					"device", peer.DeviceID, "error", err)
			}
		}
	}
}

func parseDeviceTools(raw json.RawMessage) ([]llm.ToolDefinition, error) {
	var decl []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decl); err != nil {
		return nil, err
	}
	tools := make([]llm.ToolDefinition, len(decl))
	for i, d := range decl {
		tools[i] = llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return tools, nil
}

// deviceExecTool is the reserved tool name routed through the
// session's hub instead of the sandboxed executor.
const deviceExecTool = "device_exec"

func (a *Actor) executeTool(ctx context.Context, call llm.ToolCall) (string, error) {
	if call.Name == deviceExecTool {
		var args struct {
			Code     string `json:"code"`
			DeviceID string `json:"deviceId"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("session: decoding %s arguments: %w", deviceExecTool, err)
		}
		result, err := a.hub.Exec(ctx, args.DeviceID, args.Code, 0)
		if err != nil {
			return "", err
		}
		return result.Result, nil
	}

	if a.host.toolExecutor == nil {
		return "", fmt.Errorf("session: no executor for tool %q", call.Name)
	}
	return a.host.toolExecutor.Execute(ctx, call)
}
