// Package history keeps a journal of valve transitions and alerts in SQL.
// It is an audit trail only; nothing is restored from it at boot.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Entry is one journal row.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Valve     int       `json:"valve"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Alert     string    `json:"alert,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Journal writes events to the valve_events table.
type Journal struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, driver), nil
}

// New wraps an open database.
func New(db *sql.DB, driver string) *Journal {
	return &Journal{db: db, driver: driver}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// bind rewrites ? placeholders to $n for postgres.
func (j *Journal) bind(query string) string {
	if j.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the schema if it does not exist.
func (j *Journal) Migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if j.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS valve_events (
			id ` + id + `,
			ts TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			valve INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			alert TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_valve_events_ts ON valve_events(ts)`,
	}
	for _, s := range stmts {
		if _, err := j.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Record appends one event.
func (j *Journal) Record(ctx context.Context, e valve.Event) error {
	_, err := j.db.ExecContext(ctx,
		j.bind("INSERT INTO valve_events (ts, kind, valve, state, reason, alert, message) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		e.Timestamp.UTC(), string(e.Type), e.Channel, string(e.State), string(e.Reason), string(e.Alert), e.Message)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		j.bind("SELECT id, ts, kind, valve, state, reason, alert, message FROM valve_events ORDER BY id DESC LIMIT ?"),
		limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Valve, &e.State, &e.Reason, &e.Alert, &e.Message); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, j.bind("DELETE FROM valve_events WHERE ts < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}
