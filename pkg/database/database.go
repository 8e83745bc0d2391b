package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var ErrInvalidEventKind = errors.New("invalid session event kind")

// EventKind is the lifecycle step a SessionEvent records.
type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventClosed   EventKind = "closed"
	EventRejected EventKind = "rejected"
)

func (k EventKind) valid() bool {
	switch k {
	case EventOpened, EventClosed, EventRejected:
		return true
	}
	return false
}

// SessionEvent is one row of the session journal.
type SessionEvent struct {
	ID             int64
	Kind           EventKind
	Identity       string
	RemoteAddr     string
	Reason         string
	Latency        time.Duration
	LatencySamples int
	Tick           uint64
	OccurredAt     time.Time
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
	logger    logrus.FieldLogger
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// Open opens the journal database at path and applies pending migrations.
func Open(path string, logger logrus.FieldLogger) (*DB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "journal")

	conn, err := openPool(path, 4)
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer; a single pooled connection serializes writes
	// without SQLITE_BUSY churn.
	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(writeConn, path, logger); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0),
		logger:    logger,
	}, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	return errors.Join(db.writeConn.Close(), db.conn.Close())
}

// NextID returns a fresh Snowflake event ID
func (db *DB) NextID() int64 {
	return db.snowflake.NextID()
}

// InsertSessionEvents writes events in a single transaction. Events without
// an ID get one assigned.
func (db *DB) InsertSessionEvents(events []SessionEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO SessionEvent (id, kind, identity, remote_addr, reason, latency_us, latency_samples, tick, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		if !ev.Kind.valid() {
			return fmt.Errorf("%w: %q", ErrInvalidEventKind, ev.Kind)
		}
		if ev.ID == 0 {
			ev.ID = db.snowflake.NextID()
		}
		if _, err := stmt.Exec(
			ev.ID, string(ev.Kind), ev.Identity, ev.RemoteAddr, ev.Reason,
			ev.Latency.Microseconds(), ev.LatencySamples, int64(ev.Tick), ev.OccurredAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

// ListSessionEvents returns every event recorded for identity, oldest first
func (db *DB) ListSessionEvents(identity string) ([]SessionEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, identity, remote_addr, reason, latency_us, latency_samples, tick, occurred_at
		FROM SessionEvent
		WHERE identity = ?
		ORDER BY occurred_at ASC, id ASC
	`, identity)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RecentSessionEvents returns up to limit of the newest events, newest first
func (db *DB) RecentSessionEvents(limit int) ([]SessionEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, identity, remote_addr, reason, latency_us, latency_samples, tick, occurred_at
		FROM SessionEvent
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// CountEvents returns the number of events of kind
func (db *DB) CountEvents(kind EventKind) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM SessionEvent WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

// DeleteEventsBefore prunes events older than cutoff and returns how many
// rows were removed
func (db *DB) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	result, err := db.writeConn.Exec(`DELETE FROM SessionEvent WHERE occurred_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]SessionEvent, error) {
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var (
			ev         SessionEvent
			kind       string
			latencyUS  int64
			tick       int64
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Identity, &ev.RemoteAddr, &ev.Reason,
			&latencyUS, &ev.LatencySamples, &tick, &occurredAt); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		ev.Latency = time.Duration(latencyUS) * time.Microsecond
		ev.Tick = uint64(tick)
		ev.OccurredAt = time.UnixMilli(occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
