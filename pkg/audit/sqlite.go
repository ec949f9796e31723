package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRecorder persists the audit trail to a local sqlite database. It is the
// durable Landscape backend for single-host runs; the outcomes table carries the
// uniqueness invariant as a primary key so duplicates are rejected by the store
// itself, not just by in-process bookkeeping.
type SQLiteRecorder struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS steps (
	token_id    TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	input_hash  TEXT NOT NULL,
	output_hash TEXT NOT NULL,
	input_json  TEXT,
	output_json TEXT,
	at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_token ON steps(token_id);

CREATE TABLE IF NOT EXISTS routings (
	token_id TEXT NOT NULL,
	node_id  TEXT NOT NULL,
	action   TEXT NOT NULL,
	target   TEXT,
	at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routings_token ON routings(token_id);

CREATE TABLE IF NOT EXISTS groups (
	kind     TEXT NOT NULL,
	group_id TEXT NOT NULL,
	members  TEXT NOT NULL,
	at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_groups_id ON groups(group_id);

CREATE TABLE IF NOT EXISTS outcomes (
	token_id TEXT PRIMARY KEY,
	outcome  TEXT NOT NULL,
	node_id  TEXT,
	detail   TEXT,
	at       TIMESTAMP NOT NULL
);
`

// NewSQLiteRecorder creates or opens a sqlite-backed audit store at path.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

// RecordStep persists a step record.
func (r *SQLiteRecorder) RecordStep(ctx context.Context, rec StepRecord) error {
	inJSON, _ := json.Marshal(rec.Input)
	outJSON, _ := json.Marshal(rec.Output)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO steps (token_id, node_id, input_hash, output_hash, input_json, output_json, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TokenID, rec.NodeID, rec.InputHash, rec.OutputHash, string(inJSON), string(outJSON), rec.At)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// RecordRouting persists a routing decision.
func (r *SQLiteRecorder) RecordRouting(ctx context.Context, rec RoutingRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routings (token_id, node_id, action, target, at) VALUES (?, ?, ?, ?, ?)`,
		rec.TokenID, rec.NodeID, rec.Action, rec.Target, rec.At)
	if err != nil {
		return fmt.Errorf("record routing: %w", err)
	}
	return nil
}

// RecordGroup persists a lineage group membership.
func (r *SQLiteRecorder) RecordGroup(ctx context.Context, rec GroupRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (kind, group_id, members, at) VALUES (?, ?, ?, ?)`,
		string(rec.Kind), rec.GroupID, strings.Join(rec.Members, ","), rec.At)
	if err != nil {
		return fmt.Errorf("record group: %w", err)
	}
	return nil
}

// RecordOutcome persists a terminal outcome. The primary key on token_id makes the
// second insert a no-op, which is surfaced as ErrDuplicateOutcome.
func (r *SQLiteRecorder) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outcomes (token_id, outcome, node_id, detail, at) VALUES (?, ?, ?, ?, ?)`,
		rec.TokenID, string(rec.Outcome), rec.NodeID, rec.Detail, rec.At)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: token %s", ErrDuplicateOutcome, rec.TokenID)
	}
	return nil
}

// Close closes the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
