// Package eventlog implements the browser variant's append-only event
// store: every CDP event a target's session receives is recorded as a JSON
// row in an in-memory SQLite database, with a couple of materialized
// queries for request correlation and per-method summaries layered on top.
// Storage is ephemeral and per-process, matching the no-persistent-database
// non-goal — modernc.org/sqlite is used purely as an embedded, CGO-free
// query engine, not a persistence layer.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one row of the log, decoded for callers.
type Event struct {
	ID        int64           `json:"id"`
	TargetID  string          `json:"target_id"`
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Ts        time.Time       `json:"ts"`
}

// Log is the append-only store for one daemon instance. All targets share
// one underlying in-memory database, partitioned by target_id.
type Log struct {
	db *sql.DB
}

// Open creates the in-memory schema. Each call gets its own isolated
// database — callers share one Log across the daemon's lifetime.
func Open() (*Log, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	// An in-memory SQLite connection is private to one connection; force a
	// single pooled connection so every caller sees the same database.
	db.SetMaxOpenConns(1)

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id  TEXT NOT NULL,
			request_id TEXT,
			method     TEXT NOT NULL,
			params     TEXT NOT NULL,
			ts         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_id);
		CREATE INDEX IF NOT EXISTS idx_events_request ON events(target_id, request_id);
	`)
	return err
}

// requestIDFromParams extracts CDP's requestId field when method belongs to
// the Network domain, mirroring the original session's per-requestId event
// grouping.
func requestIDFromParams(method string, params json.RawMessage) string {
	if !strings.HasPrefix(method, "Network.") {
		return ""
	}
	var payload struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return ""
	}
	return payload.RequestID
}

// Append inserts one event row. Rows are never mutated after insert.
func (l *Log) Append(ctx context.Context, targetID, method string, params json.RawMessage, ts time.Time) error {
	if params == nil {
		params = json.RawMessage("{}")
	}
	requestID := requestIDFromParams(method, params)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (target_id, request_id, method, params, ts) VALUES (?, ?, ?, ?, ?)`,
		targetID, nullIfEmpty(requestID), method, string(params), ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RequestEvents returns every event correlated to requestID for targetID,
// in insertion order — the request/response/body sequence for one network
// request.
func (l *Log) RequestEvents(ctx context.Context, targetID, requestID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, target_id, request_id, method, params, ts FROM events
		 WHERE target_id = ? AND request_id = ? ORDER BY id ASC`,
		targetID, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: request events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ConsoleEvents returns the most recent console/log events for targetID,
// oldest first, bounded by limit (0 means unbounded).
func (l *Log) ConsoleEvents(ctx context.Context, targetID string, limit int) ([]Event, error) {
	query := `SELECT id, target_id, request_id, method, params, ts FROM events
		WHERE target_id = ? AND method IN ('Runtime.consoleAPICalled', 'Log.entryAdded')
		ORDER BY id DESC`
	args := []any{targetID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: console events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	reverse(events)
	return events, nil
}

func reverse(events []Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

// MethodCount is one row of a per-method summary.
type MethodCount struct {
	Method string `json:"method"`
	Count  int    `json:"count"`
}

// Summary returns event counts grouped by method for targetID.
func (l *Log) Summary(ctx context.Context, targetID string) ([]MethodCount, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT method, COUNT(*) FROM events WHERE target_id = ? GROUP BY method ORDER BY method ASC`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: summary: %w", err)
	}
	defer rows.Close()

	var out []MethodCount
	for rows.Next() {
		var mc MethodCount
		if err := rows.Scan(&mc.Method, &mc.Count); err != nil {
			return nil, fmt.Errorf("eventlog: scan summary: %w", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Query runs a free-form read-only query for operational diagnostics
// (debug_eval). Only SELECT statements are accepted; anything else is
// rejected without touching the database, since the log is meant to be
// read-only from the outside.
func (l *Log) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(trimmed, "SELECT") {
		return nil, fmt.Errorf("eventlog: only SELECT queries are allowed")
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("eventlog: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteTarget removes every event for targetID, called when a target's
// per-target state is torn down.
func (l *Log) DeleteTarget(ctx context.Context, targetID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE target_id = ?`, targetID)
	if err != nil {
		return fmt.Errorf("eventlog: delete target: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			e         Event
			requestID sql.NullString
			params    string
			tsNano    int64
		)
		if err := rows.Scan(&e.ID, &e.TargetID, &requestID, &e.Method, &params, &tsNano); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.RequestID = requestID.String
		e.Params = json.RawMessage(params)
		e.Ts = time.Unix(0, tsNano)
		out = append(out, e)
	}
	return out, rows.Err()
}
