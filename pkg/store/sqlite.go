package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentflow/pkg/bus"
	"agentflow/pkg/workflow"
)

// SQLite archives finished workflows and the result sets produced by the
// persistence agent. In-flight workflows are never written.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it. Use
// ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open workflow db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate workflow db: %w", err)
	}

	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			error_kind   TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			metrics      TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS workflows_session ON workflows (session_id);
		CREATE TABLE IF NOT EXISTS results (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			source     TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS results_session ON results (session_id);
	`)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Archive writes a terminal workflow record, replacing an earlier copy.
func (s *SQLite) Archive(ctx context.Context, w workflow.Workflow) error {
	if !w.Status.Terminal() {
		return fmt.Errorf("archive %s: workflow is %s", w.ID, w.Status)
	}

	metrics, err := json.Marshal(w.Metrics)
	if err != nil {
		return fmt.Errorf("marshal workflow metrics: %w", err)
	}

	var errorKind, errorDetail string
	if w.Error != nil {
		errorKind, errorDetail = string(w.Error.Kind), w.Error.Detail
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflows (id, session_id, kind, status, started_at, completed_at, error_kind, error_detail, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.SessionID, w.Kind, string(w.Status),
		w.StartedAt.UTC().Format(time.RFC3339Nano), w.CompletedAt.UTC().Format(time.RFC3339Nano),
		errorKind, errorDetail, string(metrics),
	)
	if err != nil {
		return fmt.Errorf("archive workflow %s: %w", w.ID, err)
	}
	return nil
}

// Workflows reads archived workflows, newest first.
func (s *SQLite) Workflows(ctx context.Context, filter workflow.ListFilter) ([]workflow.Workflow, error) {
	query := `SELECT id, session_id, kind, status, started_at, completed_at, error_kind, error_detail, metrics FROM workflows`
	var (
		clauses []string
		args    []any
	)
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(rows *sql.Rows) (workflow.Workflow, error) {
	var (
		w                      workflow.Workflow
		status                 string
		startedAt, completedAt string
		errorKind, errorDetail string
		metrics                string
	)
	if err := rows.Scan(&w.ID, &w.SessionID, &w.Kind, &status, &startedAt, &completedAt, &errorKind, &errorDetail, &metrics); err != nil {
		return workflow.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}

	w.Status = workflow.Status(status)
	w.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	w.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	if errorKind != "" {
		w.Error = &workflow.Failure{Kind: bus.ErrorKind(errorKind), Detail: errorDetail}
	}
	if err := json.Unmarshal([]byte(metrics), &w.Metrics); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode workflow metrics: %w", err)
	}
	return w, nil
}

// SaveResult stores one result set produced for a session.
func (s *SQLite) SaveResult(ctx context.Context, sessionID string, source string, result map[string]any) (int64, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO results (session_id, source, payload, created_at) VALUES (?, ?, ?, ?)",
		sessionID, source, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("save result: %w", err)
	}
	return res.LastInsertId()
}

// Results returns the result sets stored for a session in insertion order.
func (s *SQLite) Results(ctx context.Context, sessionID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM results WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// PruneResults deletes result sets older than olderThan.
func (s *SQLite) PruneResults(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return res.RowsAffected()
}
