package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aarondl/null/v8"
	"github.com/aarondl/sqlboiler/v4/queries"
	"github.com/aarondl/strmangle"
	"github.com/friendsofgo/errors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"flowrunner/pkg/engine"
)

// DefaultLimit caps List when no limit is given.
const DefaultLimit = 50

// Execution is one row of the executions table.
type Execution struct {
	SessionID     string              `json:"sessionId"`
	FlowID        string              `json:"flowId"`
	TriggerNodeID string              `json:"triggerNodeId"`
	Status        string              `json:"status"`
	Error         null.String         `json:"error"`
	StartedAt     time.Time           `json:"startedAt"`
	DurationMs    int64               `json:"durationMs"`
	Trace         []engine.TraceEntry `json:"trace"`
	Context       null.JSON           `json:"context"`
}

// executionRow is the stored form of an Execution; trace and context are JSON text.
type executionRow struct {
	SessionID     string      `boil:"session_id"`
	FlowID        string      `boil:"flow_id"`
	TriggerNodeID string      `boil:"trigger_node_id"`
	Status        string      `boil:"status"`
	Error         null.String `boil:"error"`
	StartedAt     time.Time   `boil:"started_at"`
	DurationMs    int64       `boil:"duration_ms"`
	Trace         string      `boil:"trace"`
	Context       null.String `boil:"context"`
}

// Store keeps finished sessions in a SQL database. It works with the
// postgres (lib/pq) and sqlite3 (mattn/go-sqlite3) drivers.
type Store struct {
	db *sql.DB
	// postgres binds $1, $2...; sqlite3 binds ?.
	indexPlaceholders bool
}

// Open connects to dsn with driver, pings it and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s history db", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s history db", driver)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The schema is not touched.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, indexPlaceholders: driver == "postgres"}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the executions table if it doesn't exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		session_id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		trigger_node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms BIGINT NOT NULL,
		trace TEXT NOT NULL,
		context TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_executions_flow ON executions(flow_id, started_at);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "create executions table")
	}
	return nil
}

// Publish records ev. It makes Store an engine.EventSink.
func (s *Store) Publish(ctx context.Context, ev engine.FinishedEvent) error {
	trace, err := json.Marshal(ev.Trace)
	if err != nil {
		return errors.Wrapf(err, "marshal trace of session %s", ev.SessionID)
	}

	snapshot := null.JSON{}
	if ev.Context != nil {
		data, err := json.Marshal(ev.Context)
		if err != nil {
			return errors.Wrapf(err, "marshal context of session %s", ev.SessionID)
		}
		snapshot = null.JSONFrom(data)
	}

	query := fmt.Sprintf(`
		INSERT INTO executions (session_id, flow_id, trigger_node_id, status, error, started_at, duration_ms, trace, context)
		VALUES (%s)
	`, strmangle.Placeholders(s.indexPlaceholders, 9, 1, 1))

	_, err = s.db.ExecContext(ctx, query,
		ev.SessionID,
		ev.FlowID,
		ev.TriggerNodeID,
		ev.Status,
		null.NewString(ev.Error, ev.Error != ""),
		ev.StartedAt.UTC(),
		ev.DurationMs,
		string(trace),
		nullText(snapshot),
	)
	if err != nil {
		return errors.Wrapf(err, "insert execution %s", ev.SessionID)
	}
	return nil
}

// List returns the most recent executions of flowID, newest first.
func (s *Store) List(ctx context.Context, flowID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := fmt.Sprintf(`
		SELECT session_id, flow_id, trigger_node_id, status, error, started_at, duration_ms, trace, context
		FROM executions
		WHERE flow_id = %s
		ORDER BY started_at DESC
		LIMIT %d
	`, strmangle.Placeholders(s.indexPlaceholders, 1, 1, 1), limit)

	var rows []executionRow
	if err := queries.Raw(query, flowID).Bind(ctx, s.db, &rows); err != nil {
		return nil, errors.Wrapf(err, "query executions for flow %s", flowID)
	}

	execs := make([]Execution, 0, len(rows))
	for _, row := range rows {
		exec := Execution{
			SessionID:     row.SessionID,
			FlowID:        row.FlowID,
			TriggerNodeID: row.TriggerNodeID,
			Status:        row.Status,
			Error:         row.Error,
			StartedAt:     row.StartedAt,
			DurationMs:    row.DurationMs,
		}
		if err := json.Unmarshal([]byte(row.Trace), &exec.Trace); err != nil {
			return nil, errors.Wrapf(err, "decode trace of session %s", row.SessionID)
		}
		if row.Context.Valid {
			exec.Context = null.JSONFrom([]byte(row.Context.String))
		}
		execs = append(execs, exec)
	}

	return execs, nil
}

// nullText stores JSON as text so one column type works on both drivers.
func nullText(j null.JSON) null.String {
	if !j.Valid {
		return null.String{}
	}
	return null.StringFrom(string(j.JSON))
}
