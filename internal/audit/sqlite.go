package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// SQLiteRecorder persists records in the tool_invocations table.
type SQLiteRecorder struct {
	db  *sql.DB
	ids *idSource
	now func() time.Time
}

var _ Recorder = (*SQLiteRecorder)(nil)

// NewSQLiteRecorder wraps a database opened with storage.OpenSQLite.
func NewSQLiteRecorder(db *sql.DB) *SQLiteRecorder {
	return &SQLiteRecorder{db: db, ids: newIDSource(), now: time.Now}
}

func (s *SQLiteRecorder) Begin(ctx context.Context, rec Record) (Record, error) {
	rec = normalize(rec)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	id, err := s.ids.next(rec.StartedAt)
	if err != nil {
		return Record{}, fmt.Errorf("issue record id: %w", err)
	}
	rec.ID = id

	paths, err := json.Marshal(rec.ResolvedPaths)
	if err != nil {
		return Record{}, fmt.Errorf("encode resolved paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tool_invocations(id, project_id, tool, params, resolved_paths, outcome, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ProjectID, rec.Tool, string(rec.Params), string(paths), string(rec.Outcome),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert tool invocation: %w", err)
	}
	return rec, nil
}

func (s *SQLiteRecorder) Finish(ctx context.Context, id string, res Result) error {
	out, err := s.db.ExecContext(ctx, `
UPDATE tool_invocations
SET outcome = ?, error_kind = ?, reason = ?, digest = ?, finished_at = ?
WHERE id = ? AND outcome = ?;`,
		string(res.Outcome), nullIfEmpty(string(res.ErrorKind)), nullIfEmpty(res.Reason), nullIfEmpty(res.Digest),
		s.now().UTC().Format(time.RFC3339Nano), id, string(OutcomePending),
	)
	if err != nil {
		return fmt.Errorf("finish tool invocation: %w", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish tool invocation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s not found or already finished", id)
	}
	return nil
}

func (s *SQLiteRecorder) List(ctx context.Context, projectID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, tool, params, resolved_paths, outcome, error_kind, reason, digest, started_at, finished_at
FROM tool_invocations
WHERE project_id = ?
ORDER BY id ASC;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tool invocations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                          Record
			params, paths, outcome     string
			kind, reason, digest, done sql.NullString
			started                    string
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Tool, &params, &paths, &outcome, &kind, &reason, &digest, &started, &done); err != nil {
			return nil, fmt.Errorf("scan tool invocation: %w", err)
		}
		r.Params = json.RawMessage(params)
		if err := json.Unmarshal([]byte(paths), &r.ResolvedPaths); err != nil {
			return nil, fmt.Errorf("decode resolved paths for %s: %w", r.ID, err)
		}
		r.Outcome = Outcome(outcome)
		r.ErrorKind = apperr.Kind(kind.String)
		r.Reason = reason.String
		r.Digest = digest.String
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", r.ID, err)
		}
		if done.Valid {
			if r.FinishedAt, err = time.Parse(time.RFC3339Nano, done.String); err != nil {
				return nil, fmt.Errorf("parse finished_at for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteRecorder) Purge(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tool_invocations WHERE project_id = ?;", projectID); err != nil {
		return fmt.Errorf("purge tool invocations: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
