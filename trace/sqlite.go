package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chazu/ecmavm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deopt_events (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	function     TEXT NOT NULL,
	compile_id   TEXT NOT NULL DEFAULT '',
	dependencies INTEGER NOT NULL DEFAULT 0,
	hclasses     INTEGER NOT NULL DEFAULT 0,
	detectors    INTEGER NOT NULL DEFAULT 0,
	states       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	time         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS deopt_events_function ON deopt_events(function);
`

// Event kinds stored in the kind column.
const (
	KindCommit = "commit"
	KindDeopt  = "deopt"
)

// Event is one stored row.
type Event struct {
	ID           uuid.UUID
	Kind         string
	Function     string
	CompileID    string
	Dependencies int
	HClasses     int
	Detectors    int
	States       string
	Reason       string
	Time         time.Time
}

// SQLiteSink stores telemetry events in a SQLite database. Tracer calls
// cannot fail, so write errors are logged and counted.
type SQLiteSink struct {
	db     *sql.DB
	log    commonlog.Logger
	errors atomic.Int64
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: create schema in %s: %w", path, err)
	}
	return &SQLiteSink{db: db, log: commonlog.GetLogger("ecmavm.trace")}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Errors returns the number of events that could not be stored.
func (s *SQLiteSink) Errors() int64 { return s.errors.Load() }

func (s *SQLiteSink) insert(e Event) {
	_, err := s.db.Exec(`INSERT INTO deopt_events
		(id, kind, function, compile_id, dependencies, hclasses, detectors, states, reason, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Kind, e.Function, e.CompileID, e.Dependencies, e.HClasses, e.Detectors,
		e.States, e.Reason, e.Time.UnixNano())
	if err != nil {
		s.errors.Add(1)
		s.log.Errorf("store %s event for %s: %s", e.Kind, e.Function, err)
	}
}

func (s *SQLiteSink) DeoptCommitted(e vm.CommitEvent) {
	s.insert(Event{
		ID:           uuid.New(),
		Kind:         KindCommit,
		Function:     e.Function,
		CompileID:    e.CompileID,
		Dependencies: e.Dependencies,
		HClasses:     e.HClasses,
		Detectors:    e.Detectors,
		States:       e.ThreadStates.String(),
		Time:         e.Time,
	})
}

func (s *SQLiteSink) FunctionDeoptimized(e vm.DeoptEvent) {
	s.insert(Event{
		ID:       uuid.New(),
		Kind:     KindDeopt,
		Function: e.Function,
		States:   e.States.String(),
		Reason:   e.Reason,
		Time:     e.Time,
	})
}

// Events returns the stored events of function, or all events when
// function is empty, oldest first.
func (s *SQLiteSink) Events(ctx context.Context, function string) ([]Event, error) {
	query := `SELECT id, kind, function, compile_id, dependencies, hclasses, detectors, states, reason, time
		FROM deopt_events`
	var args []any
	if function != "" {
		query += ` WHERE function = ?`
		args = append(args, function)
	}
	query += ` ORDER BY time, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trace: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var id string
		var nanos int64
		if err := rows.Scan(&id, &e.Kind, &e.Function, &e.CompileID, &e.Dependencies,
			&e.HClasses, &e.Detectors, &e.States, &e.Reason, &nanos); err != nil {
			return nil, fmt.Errorf("trace: scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("trace: event id %q: %w", id, err)
		}
		e.Time = time.Unix(0, nanos)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trace: read events: %w", err)
	}
	return events, nil
}

// Counts returns the number of stored events per kind.
func (s *SQLiteSink) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM deopt_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("trace: count events: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("trace: scan count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
