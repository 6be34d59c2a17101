// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats persists gameplay counters in SQLite so totals
// survive restarts. The recorder sits off the scheduler's hot path:
// the bot records inputs and drops as it processes votes, and session
// events as the engine reports them.
package stats

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/lib/sqlitepool"
)

// DropReason classifies why a vote was discarded before reaching the
// machine. Values are storage keys and must not be renamed.
type DropReason string

const (
	// DropRateLimited is a vote rejected by the per-user rate limiter.
	DropRateLimited DropReason = "rate_limited"

	// DropQueueFull is an admitted vote rejected because the input
	// queue was at capacity.
	DropQueueFull DropReason = "queue_full"

	// DropInvalid is a vote whose payload did not parse as a button.
	DropInvalid DropReason = "invalid"
)

// SessionEvent classifies session lifecycle transitions worth
// counting. Values are storage keys and must not be renamed.
type SessionEvent string

const (
	EventSessionStarted SessionEvent = "sessions_started"
	EventCrash          SessionEvent = "crashes"
	EventRecovery       SessionEvent = "recoveries"
)

// counter names for the scalar table.
const counterInputs = "inputs"

// Totals is a point-in-time read of every durable counter.
type Totals struct {
	// Inputs is the number of votes applied to the machine.
	Inputs int64

	// ByButton maps button name to press count, only buttons pressed
	// at least once.
	ByButton map[string]int64

	// Dropped maps drop reason to count, only reasons seen at least
	// once.
	Dropped map[string]int64

	// Participants is the number of distinct users who have had at
	// least one input applied.
	Participants int64

	// SessionsStarted, Crashes, and Recoveries count lifecycle events
	// across all runs.
	SessionsStarted int64
	Crashes         int64
	Recoveries      int64
}

// Config holds the parameters for opening a stats recorder.
type Config struct {
	// Path is the SQLite database file, created if missing. Use
	// ":memory:" in tests.
	Path string

	// PoolSize is the connection pool size. Zero or negative picks
	// the sqlitepool default; in-memory databases always run on a
	// single connection.
	PoolSize int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Clock supplies participant timestamps. Defaults to the wall
	// clock.
	Clock clock.Clock
}

// Recorder accumulates gameplay counters in SQLite. Safe for
// concurrent use; writes from different goroutines serialize on
// SQLite's write lock.
type Recorder struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

const schema = `
	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS button_presses (
		button TEXT PRIMARY KEY,
		count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS participants (
		user_id       TEXT PRIMARY KEY,
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms  INTEGER NOT NULL,
		inputs        INTEGER NOT NULL DEFAULT 0
	);
`

// Open creates the stats database if needed and returns a recorder.
// The caller must Close it when done.
func Open(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("stats: Path is required")
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  cfg.PoolSize,
		Logger:    cfg.Logger,
		OnConnect: ensureSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &Recorder{pool: pool, clock: cl}, nil
}

// ensureSchema creates the tables. Runs once per pooled connection;
// IF NOT EXISTS keeps the repeats harmless.
func ensureSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("stats: create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool. Blocks until borrowed connections
// are returned.
func (r *Recorder) Close() error {
	return r.pool.Close()
}

// RecordInput records one applied vote: the global input counter, the
// per-button counter, and the voter's participant row, all in one
// transaction.
func (r *Recorder) RecordInput(ctx context.Context, user ref.UserID, button string) (err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("stats: record input: %w", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("stats: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := incrementCounter(conn, counterInputs); err != nil {
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO button_presses (button, count) VALUES (?, 1)
		 ON CONFLICT(button) DO UPDATE SET count = count + 1`,
		&sqlitex.ExecOptions{Args: []any{button}})
	if err != nil {
		return fmt.Errorf("stats: record button press: %w", err)
	}

	nowMillis := r.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT INTO participants (user_id, first_seen_ms, last_seen_ms, inputs)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen_ms = ?, inputs = inputs + 1`,
		&sqlitex.ExecOptions{Args: []any{user.String(), nowMillis, nowMillis, nowMillis}})
	if err != nil {
		return fmt.Errorf("stats: record participant: %w", err)
	}
	return nil
}

// RecordDrop counts a discarded vote by reason.
func (r *Recorder) RecordDrop(ctx context.Context, reason DropReason) error {
	return r.incrementNamed(ctx, "dropped_"+string(reason))
}

// RecordSessionEvent counts a session lifecycle event.
func (r *Recorder) RecordSessionEvent(ctx context.Context, event SessionEvent) error {
	return r.incrementNamed(ctx, string(event))
}

func (r *Recorder) incrementNamed(ctx context.Context, name string) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("stats: increment %s: %w", name, err)
	}
	defer r.pool.Put(conn)
	return incrementCounter(conn, name)
}

func incrementCounter(conn *sqlite.Conn, name string) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`,
		&sqlitex.ExecOptions{Args: []any{name}})
	if err != nil {
		return fmt.Errorf("stats: increment counter %s: %w", name, err)
	}
	return nil
}

// Totals reads every counter in one pass.
func (r *Recorder) Totals(ctx context.Context) (Totals, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Totals{}, fmt.Errorf("stats: totals: %w", err)
	}
	defer r.pool.Put(conn)

	totals := Totals{
		ByButton: make(map[string]int64),
		Dropped:  make(map[string]int64),
	}

	err = sqlitex.Execute(conn, "SELECT name, value FROM counters", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name := stmt.ColumnText(0)
			value := stmt.ColumnInt64(1)
			switch name {
			case counterInputs:
				totals.Inputs = value
			case string(EventSessionStarted):
				totals.SessionsStarted = value
			case string(EventCrash):
				totals.Crashes = value
			case string(EventRecovery):
				totals.Recoveries = value
			default:
				if reason, ok := dropReasonFromCounter(name); ok {
					totals.Dropped[reason] = value
				}
			}
			return nil
		},
	})
	if err != nil {
		return Totals{}, fmt.Errorf("stats: read counters: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT button, count FROM button_presses", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			totals.ByButton[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return Totals{}, fmt.Errorf("stats: read button counts: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM participants", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			totals.Participants = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Totals{}, fmt.Errorf("stats: count participants: %w", err)
	}

	return totals, nil
}

func dropReasonFromCounter(name string) (string, bool) {
	const prefix = "dropped_"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}
