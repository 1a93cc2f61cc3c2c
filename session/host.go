// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherlabs/tether/hub"
	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/cron"
	"github.com/tetherlabs/tether/lib/llm"
	"github.com/tetherlabs/tether/store"
)

// Config holds the parameters for creating a Host.
type Config struct {
	// Store is the session persistence layer. Required.
	Store *store.Store

	// Clock drives caches, timers, and eviction. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Provider is the model backend for turn pipelines. Required.
	Provider llm.Provider

	// Forwarder answers device-proxied model calls. Nil disables the
	// llm_request channel.
	Forwarder llm.Forwarder

	// Authenticator validates bearer tokens. Nil rejects explicit
	// identity hints.
	Authenticator Authenticator

	// ConfigService reads custom agent configurations. Nil means
	// every session runs the built-in agent.
	ConfigService ConfigService

	// QuotaService checks built-in-mode quota. Nil means unlimited.
	QuotaService QuotaService

	// ToolExecutor runs sandboxed tool calls. Nil rejects them.
	ToolExecutor ToolExecutor

	// ConnLookup maps a persisted connection id to its still-live
	// duplex connection, for peer restoration after hibernation. Nil
	// treats every persisted connection as gone.
	ConnLookup func(connID string) hub.Conn

	// IdleTimeout is how long an actor may sit without events before
	// it hibernates. Zero defaults to 5m.
	IdleTimeout time.Duration

	// ConfigTTL is the agent-config cache lifetime. Zero defaults
	// to 30s.
	ConfigTTL time.Duration

	// QuotaTTL is the quota-check cache lifetime. Zero defaults
	// to 60s.
	QuotaTTL time.Duration

	// HeartbeatInterval, DispatchTimeout, and ExecTimeout are passed
	// to each session's hub; zero for the hub defaults.
	HeartbeatInterval time.Duration
	DispatchTimeout   time.Duration
	ExecTimeout       time.Duration

	// Model is the default model for turns. MaxTokens caps turn
	// responses; zero for the provider default.
	Model     string
	MaxTokens int
}

// Host is the actor scheduler: it maps session ids to live actors,
// evicts idle ones, and owns the scheduled-task timers that must keep
// firing while an actor hibernates.
type Host struct {
	store         *store.Store
	clock         clock.Clock
	logger        *slog.Logger
	provider      llm.Provider
	forwarder     llm.Forwarder
	authenticator Authenticator
	configService ConfigService
	quotaService  QuotaService
	toolExecutor  ToolExecutor
	connLookup    func(connID string) hub.Conn

	idleTimeout       time.Duration
	configTTL         time.Duration
	quotaTTL          time.Duration
	heartbeatInterval time.Duration
	dispatchTimeout   time.Duration
	execTimeout       time.Duration
	model             string
	maxTokens         int

	mu         sync.Mutex
	actors     map[string]*Actor
	evictions  map[string]*clock.Timer // session id → idle timer
	taskTimers map[int64]*clock.Timer  // scheduled task id → timer
}

// NewHost creates a Host.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("session: Logger is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session: Provider is required")
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	configTTL := cfg.ConfigTTL
	if configTTL <= 0 {
		configTTL = 30 * time.Second
	}
	quotaTTL := cfg.QuotaTTL
	if quotaTTL <= 0 {
		quotaTTL = 60 * time.Second
	}

	return &Host{
		store:             cfg.Store,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		provider:          cfg.Provider,
		forwarder:         cfg.Forwarder,
		authenticator:     cfg.Authenticator,
		configService:     cfg.ConfigService,
		quotaService:      cfg.QuotaService,
		toolExecutor:      cfg.ToolExecutor,
		connLookup:        cfg.ConnLookup,
		idleTimeout:       idleTimeout,
		configTTL:         configTTL,
		quotaTTL:          quotaTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		dispatchTimeout:   cfg.DispatchTimeout,
		execTimeout:       cfg.ExecTimeout,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		actors:            make(map[string]*Actor),
		evictions:         make(map[string]*clock.Timer),
		taskTimers:        make(map[int64]*clock.Timer),
	}, nil
}

// Session returns the actor for a session id, building a fresh one
// when none is live — the first event after hibernation lands here.
// Every call resets the session's idle-eviction timer.
func (h *Host) Session(id string) (*Actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	actor, ok := h.actors[id]
	if !ok {
		var err error
		actor, err = h.newActor(id)
		if err != nil {
			return nil, err
		}
		h.actors[id] = actor
		h.logger.Info("actor created", "session", id)
	}
	h.touchLocked(id)
	return actor, nil
}

// Live reports whether a session currently has an in-memory actor.
// Mostly useful to observe hibernation in tests and status output.
func (h *Host) Live(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.actors[id]
	return ok
}

func (h *Host) touchLocked(id string) {
	if timer, ok := h.evictions[id]; ok {
		timer.Stop()
	}
	h.evictions[id] = h.clock.AfterFunc(h.idleTimeout, func() {
		h.maybeEvict(id)
	})
}

// maybeEvict hibernates an idle actor. An actor processing an event
// or holding live device peers is left alone and re-checked after
// another idle interval.
func (h *Host) maybeEvict(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	actor, ok := h.actors[id]
	if !ok {
		delete(h.evictions, id)
		return
	}

	if !actor.mu.TryLock() {
		h.touchLocked(id)
		return
	}
	busyPeers := len(actor.hub.Peers())
	actor.mu.Unlock()
	if busyPeers > 0 {
		h.touchLocked(id)
		return
	}

	delete(h.actors, id)
	delete(h.evictions, id)
	h.logger.Info("actor hibernated", "session", id)
}

// armScheduledTasks (re)arms the timers for a session's persisted
// tasks. Called from actor mount; an expression whose stored next_run
// is already past is advanced from now. Expressions are validated when
// a task is created, so one that no longer parses means the stored row
// is damaged, and the mount fails rather than silently dropping the
// schedule.
func (h *Host) armScheduledTasks(sessionID string, tasks []store.ScheduledTask) error {
	now := h.clock.Now()
	for _, task := range tasks {
		schedule, err := cron.Parse(task.CronExpr)
		if err != nil {
			return fmt.Errorf("scheduled task %d: %w", task.ID, err)
		}
		next := task.NextRun
		if !next.After(now) {
			next, err = schedule.Next(now)
			if err != nil {
				h.logger.Warn("scheduled task has no next occurrence",
					"task", task.ID, "expr", task.CronExpr, "error", err)
				continue
			}
			if err := h.store.UpdateNextRun(context.Background(), task.ID, next); err != nil {
				h.logger.Warn("updating next run", "task", task.ID, "error", err)
			}
		}
		h.armScheduledTask(sessionID, task.ID, task.CronExpr, task.Text, next)
	}
	return nil
}

func (h *Host) armScheduledTask(sessionID string, taskID int64, expr, text string, next time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.taskTimers[taskID]; ok {
		timer.Stop()
	}
	delay := next.Sub(h.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h.taskTimers[taskID] = h.clock.AfterFunc(delay, func() {
		h.fireScheduledTask(sessionID, taskID, expr, text)
	})
}

// fireScheduledTask runs one scheduled occurrence. The schedule is
// advanced before the turn runs so a slow turn cannot push the next
// occurrence. The session may be hibernated: the turn re-enters
// through Session/EnsureReady and recovers its identity from the
// store, with no client connected.
func (h *Host) fireScheduledTask(sessionID string, taskID int64, expr, text string) {
	ctx := context.Background()

	if schedule, err := cron.Parse(expr); err == nil {
		if next, nerr := schedule.Next(h.clock.Now()); nerr == nil {
			if uerr := h.store.UpdateNextRun(ctx, taskID, next); uerr != nil {
				h.logger.Warn("updating next run", "task", taskID, "error", uerr)
			}
			h.armScheduledTask(sessionID, taskID, expr, text, next)
		}
	}

	actor, err := h.Session(sessionID)
	if err != nil {
		h.logger.Error("scheduled task: building actor",
			"session", sessionID, "task", taskID, "error", err)
		return
	}
	if err := actor.EnsureReady(ctx, ""); err != nil {
		h.logger.Warn("scheduled task: no identity",
			"session", sessionID, "task", taskID, "error", err)
		return
	}
	if err := actor.EnsureMounted(ctx); err != nil {
		h.logger.Warn("scheduled task: mount failed",
			"session", sessionID, "task", taskID, "error", err)
		return
	}
	if _, err := actor.DispatchExternal(ctx, text); err != nil {
		h.logger.Warn("scheduled task: turn failed",
			"session", sessionID, "task", taskID, "error", err)
	}
}

// AddScheduledTask validates a cron expression, persists the task,
// and arms its timer.
func (a *Actor) AddScheduledTask(ctx context.Context, cronExpr, text string) (store.ScheduledTask, error) {
	schedule, err := cron.Parse(cronExpr)
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("session: %w", err)
	}
	next, err := schedule.Next(a.host.clock.Now())
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("session: %w", err)
	}

	task := store.ScheduledTask{
		SessionID: a.id,
		CronExpr:  cronExpr,
		Text:      text,
		NextRun:   next,
	}
	id, err := a.host.store.CreateScheduledTask(ctx, task)
	if err != nil {
		return store.ScheduledTask{}, err
	}
	task.ID = id

	a.host.armScheduledTask(a.id, id, cronExpr, text, next)
	a.logger.Info("scheduled task created",
		"task", id, "expr", cronExpr, "next_run", next)
	return task, nil
}
