package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/sddion/chainbox/pkg/contracts"
)

// SQLiteSink keeps the durable audit tail in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database and ensures the schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		fn TEXT NOT NULL,
		identity TEXT,
		tenant_id TEXT,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		outcome TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		trace JSON
	);
	CREATE INDEX IF NOT EXISTS idx_audit_trace_id ON audit_entries(trace_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Append(ctx context.Context, entry *contracts.AuditEntry) error {
	var traceJSON []byte
	if entry.Trace != nil {
		traceJSON, _ = json.Marshal(entry.Trace)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, timestamp, fn, identity, tenant_id, status, duration_ms, error, outcome, trace_id, trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.Fn, entry.Identity, entry.TenantID,
		string(entry.Status), entry.DurationMs, entry.Error, string(entry.Outcome),
		entry.TraceID, traceJSON,
	)
	return err
}

// ByTraceID loads every entry recorded for a trace, oldest first.
func (s *SQLiteSink) ByTraceID(ctx context.Context, traceID string) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, fn, identity, tenant_id, status, duration_ms, error, outcome, trace_id
		FROM audit_entries WHERE trace_id = ? ORDER BY timestamp`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contracts.AuditEntry
	for rows.Next() {
		var e contracts.AuditEntry
		var status, outcome string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Fn, &e.Identity, &e.TenantID,
			&status, &e.DurationMs, &e.Error, &outcome, &e.TraceID); err != nil {
			return nil, err
		}
		e.Status = contracts.Status(status)
		e.Outcome = contracts.Outcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
