// Package transcript persists protocol lifecycle events to sqlite.
//
// Ownership boundary:
// - the protocol_events table and its schema
// - append-only, best-effort event writes
// - bounded recent-event reads for the HTTP surface
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danmuck/pulsectl/internal/logging"
)

// Event kinds written by the daemon.
const (
	KindConnOpened   = "conn_opened"
	KindConnClosed   = "conn_closed"
	KindOpStarted    = "op_started"
	KindOpStopped    = "op_stopped"
	KindOpFailed     = "op_failed"
	KindInitRejected = "init_rejected"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS protocol_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	conn_id TEXT NOT NULL,
	op_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
)`

const insertSQL = `INSERT INTO protocol_events (at, conn_id, op_id, kind, detail) VALUES (?, ?, ?, ?, ?)`

const recentSQL = `SELECT at, conn_id, op_id, kind, detail FROM protocol_events ORDER BY id DESC LIMIT ?`

// Event is one lifecycle record.
type Event struct {
	At     time.Time `json:"at"`
	Conn   string    `json:"conn"`
	Op     string    `json:"op,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Recorder appends events to one sqlite database.
type Recorder struct {
	db *sql.DB
}

// Open creates or reuses the database at path and ensures the schema.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("transcript: db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Recorder{db: db}, nil
}

// Record appends one event. Nil recorders and write failures are
// tolerated; the transcript is an audit aid, not a delivery gate.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.db == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, insertSQL, at.UnixMilli(), ev.Conn, ev.Op, ev.Kind, ev.Detail); err != nil {
		logging.Warnf("transcript.record kind=%s conn=%s: %v", ev.Kind, ev.Conn, err)
	}
}

// Recent returns up to limit events, newest first. A nil recorder
// returns no events.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, recentSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var ms int64
		var ev Event
		if err := rows.Scan(&ms, &ev.Conn, &ev.Op, &ev.Kind, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
