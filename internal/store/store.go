// Package store provides optional SQLite persistence for the decision
// engine's history: lag samples and the failover/alert transitions raised
// while making sense of them. This is a domain-stack addition beyond the
// original file-based state: useful for post-incident review without
// having to scrape logs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection opened with settings tuned for a
// single-writer daemon: WAL mode for concurrent readers, a busy timeout so
// the decision cycle never blocks indefinitely on a reader holding a lock.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the history database at path, creating its parent
// directory and schema if needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping store database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) initSchema() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS lag_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			member_name TEXT NOT NULL,
			replication_time_lag_seconds REAL
		);
		CREATE INDEX IF NOT EXISTS idx_lag_history_member_ts ON lag_history (member_name, timestamp);

		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL
		);
	`)
	return err
}

// LagSample is one replication-lag observation for a member, recorded each
// tick the decision engine evaluates it.
type LagSample struct {
	Timestamp          time.Time
	MemberName         string
	ReplicationTimeLag *float64
}

// SaveLagSample inserts a single lag observation.
func (db *DB) SaveLagSample(ctx context.Context, s LagSample) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO lag_history (timestamp, member_name, replication_time_lag_seconds) VALUES (?, ?, ?)`,
		s.Timestamp.UTC().Format(time.RFC3339), s.MemberName, s.ReplicationTimeLag,
	)
	if err != nil {
		return fmt.Errorf("insert lag sample: %w", err)
	}
	return nil
}

// GetLagHistory returns the most recent lag samples for a member, newest
// first, bounded by limit.
func (db *DB) GetLagHistory(ctx context.Context, memberName string, limit int) ([]LagSample, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT timestamp, member_name, replication_time_lag_seconds FROM lag_history
		 WHERE member_name = ? ORDER BY timestamp DESC LIMIT ?`,
		memberName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query lag history: %w", err)
	}
	defer rows.Close()

	var out []LagSample
	for rows.Next() {
		var s LagSample
		var ts string
		if err := rows.Scan(&ts, &s.MemberName, &s.ReplicationTimeLag); err != nil {
			return nil, fmt.Errorf("scan lag sample: %w", err)
		}
		s.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneLagHistory removes samples older than before.
func (db *DB) PruneLagHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM lag_history WHERE timestamp < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune lag history: %w", err)
	}
	return res.RowsAffected()
}

// Transition is a recorded decision-engine event: a failover, an alert
// raised or cleared, an election outcome.
type Transition struct {
	Timestamp time.Time
	Kind      string
	Detail    string
}

// SaveTransition records a decision-engine event for later review.
func (db *DB) SaveTransition(ctx context.Context, t Transition) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO transitions (timestamp, kind, detail) VALUES (?, ?, ?)`,
		t.Timestamp.UTC().Format(time.RFC3339), t.Kind, t.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// GetRecentTransitions returns the most recent transitions, newest first.
func (db *DB) GetRecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT timestamp, kind, detail FROM transitions ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var ts string
		if err := rows.Scan(&ts, &t.Kind, &t.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
