// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists everything a session must recover after
// hibernation: resolved identity, mount state, duplex connection
// attachments, the device registry, message history, model usage, and
// scheduled tasks. An evicted actor rebuilds itself entirely from this
// package; nothing else survives eviction.
//
// The store is keyed by session id throughout. No two actors write the
// same session's rows, so there is no cross-actor write contention;
// SQLite's own locking covers the rest.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_identity (
	session_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	resolved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT PRIMARY KEY,
	mounted    INTEGER NOT NULL DEFAULT 0,
	mounted_at INTEGER
);

CREATE TABLE IF NOT EXISTS connections (
	conn_id    TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	attachment BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_session ON connections(session_id);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	last_seen  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_session ON devices(session_id);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS usage (
	id            INTEGER PRIMARY KEY,
	session_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage(session_id);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id         INTEGER PRIMARY KEY,
	session_id TEXT NOT NULL,
	cron_expr  TEXT NOT NULL,
	text       TEXT NOT NULL,
	next_run   INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_session ON scheduled_tasks(session_id);
`

// Store is the session persistence layer. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Zero uses the pool
	// default.
	PoolSize int

	// Clock provides row timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open creates the store, creating the database and schema as needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) now() int64 {
	return s.clock.Now().UTC().Unix()
}

// SaveIdentity records the resolved user for a session, replacing any
// prior row. Identity persisted here is what a rebuilt actor recovers
// after hibernation.
func (s *Store) SaveIdentity(ctx context.Context, sessionID, userID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO session_identity (session_id, user_id, resolved_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   resolved_at = excluded.resolved_at`,
		&sqlitex.ExecOptions{Args: []any{sessionID, userID, s.now()}})
	if err != nil {
		return fmt.Errorf("store: save identity %s: %w", sessionID, err)
	}
	return nil
}

// Identity returns the persisted user for a session. The second return
// is false when the session has never resolved an identity.
func (s *Store) Identity(ctx context.Context, sessionID string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("store: identity: %w", err)
	}
	defer s.pool.Put(conn)

	var userID string
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT user_id FROM session_identity WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				userID = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("store: identity %s: %w", sessionID, err)
	}
	return userID, found, nil
}

// MarkMounted records that a session's resources finished mounting.
func (s *Store) MarkMounted(ctx context.Context, sessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark mounted: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO session_state (session_id, mounted, mounted_at)
		 VALUES (?, 1, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   mounted = 1,
		   mounted_at = excluded.mounted_at`,
		&sqlitex.ExecOptions{Args: []any{sessionID, s.now()}})
	if err != nil {
		return fmt.Errorf("store: mark mounted %s: %w", sessionID, err)
	}
	return nil
}

// Mounted reports whether a session has ever completed a mount.
func (s *Store) Mounted(ctx context.Context, sessionID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: mounted: %w", err)
	}
	defer s.pool.Put(conn)

	var mounted bool
	err = sqlitex.Execute(conn,
		"SELECT mounted FROM session_state WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				mounted = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: mounted %s: %w", sessionID, err)
	}
	return mounted, nil
}

// Attachment is a persisted duplex connection record. The payload is
// an opaque serialized peer description owned by the hub package.
type Attachment struct {
	ConnID    string
	SessionID string
	Payload   []byte
}

// SaveAttachment writes a connection attachment record, replacing any
// prior record for the same connection id.
func (s *Store) SaveAttachment(ctx context.Context, att Attachment) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save attachment: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO connections (conn_id, session_id, attachment, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (conn_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   attachment = excluded.attachment,
		   created_at = excluded.created_at`,
		&sqlitex.ExecOptions{Args: []any{att.ConnID, att.SessionID, att.Payload, s.now()}})
	if err != nil {
		return fmt.Errorf("store: save attachment %s: %w", att.ConnID, err)
	}
	return nil
}

// DeleteAttachment removes a connection's attachment record. Deleting
// an absent record is not an error.
func (s *Store) DeleteAttachment(ctx context.Context, connID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete attachment: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM connections WHERE conn_id = ?",
		&sqlitex.ExecOptions{Args: []any{connID}})
	if err != nil {
		return fmt.Errorf("store: delete attachment %s: %w", connID, err)
	}
	return nil
}

// Attachments returns every attachment record for a session, oldest
// first. A rebuilt actor feeds these back to its hub to restore the
// peer registry.
func (s *Store) Attachments(ctx context.Context, sessionID string) ([]Attachment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: attachments: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Attachment
	err = sqlitex.Execute(conn,
		`SELECT conn_id, attachment FROM connections
		 WHERE session_id = ? ORDER BY created_at, conn_id`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				records = append(records, Attachment{
					ConnID:    stmt.ColumnText(0),
					SessionID: sessionID,
					Payload:   payload,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: attachments %s: %w", sessionID, err)
	}
	return records, nil
}

// Device is a registry row for a device that has completed the ready
// handshake at least once.
type Device struct {
	DeviceID  string
	SessionID string
	Name      string
	Kind      string
	LastSeen  time.Time
}

// UpsertDevice records a device sighting. The hub calls this
// fire-and-forget on every ready handshake.
func (s *Store) UpsertDevice(ctx context.Context, device Device) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert device: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO devices (device_id, session_id, name, kind, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   name = excluded.name,
		   kind = excluded.kind,
		   last_seen = excluded.last_seen`,
		&sqlitex.ExecOptions{Args: []any{
			device.DeviceID, device.SessionID, device.Name, device.Kind, s.now(),
		}})
	if err != nil {
		return fmt.Errorf("store: upsert device %s: %w", device.DeviceID, err)
	}
	return nil
}

// Devices returns the registry rows for a session, most recently seen
// first.
func (s *Store) Devices(ctx context.Context, sessionID string) ([]Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: devices: %w", err)
	}
	defer s.pool.Put(conn)

	var devices []Device
	err = sqlitex.Execute(conn,
		`SELECT device_id, name, kind, last_seen FROM devices
		 WHERE session_id = ? ORDER BY last_seen DESC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				devices = append(devices, Device{
					DeviceID:  stmt.ColumnText(0),
					SessionID: sessionID,
					Name:      stmt.ColumnText(1),
					Kind:      stmt.ColumnText(2),
					LastSeen:  time.Unix(stmt.ColumnInt64(3), 0).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: devices %s: %w", sessionID, err)
	}
	return devices, nil
}

// Message is one entry of a session's conversation history.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// AppendMessage persists a conversation message and returns its id.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sessionID, role, content, s.now()}})
	if err != nil {
		return 0, fmt.Errorf("store: append message %s: %w", sessionID, err)
	}
	return conn.LastInsertRowID(), nil
}

// Messages returns a session's history in insertion order. A limit of
// zero or less returns everything.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		// Keep the most recent rows while preserving ascending order.
		query = `SELECT id, role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`
		args = append(args, limit)
	}

	var messages []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, Message{
				ID:        stmt.ColumnInt64(0),
				SessionID: sessionID,
				Role:      stmt.ColumnText(1),
				Content:   stmt.ColumnText(2),
				CreatedAt: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: messages %s: %w", sessionID, err)
	}
	return messages, nil
}

// MessageCount returns the number of persisted messages for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: message count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: message count %s: %w", sessionID, err)
	}
	return count, nil
}

// RecordUsage persists token accounting for one model call.
func (s *Store) RecordUsage(ctx context.Context, sessionID, model string, inputTokens, outputTokens int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO usage (session_id, model, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sessionID, model, inputTokens, outputTokens, s.now()}})
	if err != nil {
		return fmt.Errorf("store: record usage %s: %w", sessionID, err)
	}
	return nil
}

// UsageTotals returns the summed token counts for a session.
func (s *Store) UsageTotals(ctx context.Context, sessionID string) (inputTokens, outputTokens int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: usage totals: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inputTokens = stmt.ColumnInt64(0)
				outputTokens = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("store: usage totals %s: %w", sessionID, err)
	}
	return inputTokens, outputTokens, nil
}

// ScheduledTask is a persisted cron trigger for a session.
type ScheduledTask struct {
	ID        int64
	SessionID string
	CronExpr  string
	Text      string
	NextRun   time.Time
	CreatedAt time.Time
}

// CreateScheduledTask persists a cron trigger and returns its id. The
// caller computes NextRun from the parsed expression.
func (s *Store) CreateScheduledTask(ctx context.Context, task ScheduledTask) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: create scheduled task: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO scheduled_tasks (session_id, cron_expr, text, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			task.SessionID, task.CronExpr, task.Text, task.NextRun.UTC().Unix(), s.now(),
		}})
	if err != nil {
		return 0, fmt.Errorf("store: create scheduled task %s: %w", task.SessionID, err)
	}
	return conn.LastInsertRowID(), nil
}

// ScheduledTasks returns a session's cron triggers, soonest first.
func (s *Store) ScheduledTasks(ctx context.Context, sessionID string) ([]ScheduledTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: scheduled tasks: %w", err)
	}
	defer s.pool.Put(conn)

	var tasks []ScheduledTask
	err = sqlitex.Execute(conn,
		`SELECT id, cron_expr, text, next_run, created_at FROM scheduled_tasks
		 WHERE session_id = ? ORDER BY next_run, id`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, ScheduledTask{
					ID:        stmt.ColumnInt64(0),
					SessionID: sessionID,
					CronExpr:  stmt.ColumnText(1),
					Text:      stmt.ColumnText(2),
					NextRun:   time.Unix(stmt.ColumnInt64(3), 0).UTC(),
					CreatedAt: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: scheduled tasks %s: %w", sessionID, err)
	}
	return tasks, nil
}

// UpdateNextRun advances a scheduled task's next occurrence after a
// firing.
func (s *Store) UpdateNextRun(ctx context.Context, id int64, next time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update next run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE scheduled_tasks SET next_run = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{next.UTC().Unix(), id}})
	if err != nil {
		return fmt.Errorf("store: update next run %d: %w", id, err)
	}
	return nil
}

// DeleteScheduledTask removes a cron trigger. Deleting an absent row
// is not an error.
func (s *Store) DeleteScheduledTask(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete scheduled task: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM scheduled_tasks WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete scheduled task %d: %w", id, err)
	}
	return nil
}
