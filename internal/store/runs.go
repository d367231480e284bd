package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/elonfeng/aifeed/pkg/source"
)

// RunStatus is the overall outcome of a refresh run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// SourceResult is the per-source outcome within a run.
type SourceResult struct {
	Source     string        `json:"source"`
	Kind       source.Kind   `json:"kind"`
	Fetched    int           `json:"fetched"`
	New        int           `json:"new"`
	Duplicates int           `json:"duplicates"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  source.Reason `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Failed reports whether the source produced an error.
func (r SourceResult) Failed() bool { return r.Error != "" }

// RefreshRun is the audit record of one fetch cycle. It is appended once
// after the cycle finishes and never updated.
type RefreshRun struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Status         RunStatus      `json:"status"`
	Sources        []SourceResult `json:"sources"`
	Annotated      int            `json:"annotated"`
	AnalysisFailed int            `json:"analysis_failed"`
	Error          string         `json:"error,omitempty"`
}

// Totals sums the per-source counters.
func (r *RefreshRun) Totals() (fetched, added, duplicates int) {
	for _, s := range r.Sources {
		fetched += s.Fetched
		added += s.New
		duplicates += s.Duplicates
	}
	return fetched, added, duplicates
}

type runRow struct {
	ID             string `db:"id"`
	StartedAt      int64  `db:"started_at"`
	FinishedAt     int64  `db:"finished_at"`
	Status         string `db:"status"`
	Fetched        int    `db:"fetched"`
	NewItems       int    `db:"new_items"`
	Duplicates     int    `db:"duplicates"`
	Annotated      int    `db:"annotated"`
	AnalysisFailed int    `db:"analysis_failed"`
	Error          string `db:"error"`
	Sources        string `db:"sources"`
}

// AppendRun persists a finalized run. Runs are append-only: writing the
// same ID twice fails.
func (s *SQLiteStore) AppendRun(ctx context.Context, run *RefreshRun) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("marshal run sources: %w", err)
	}
	fetched, added, duplicates := run.Totals()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (id, started_at, finished_at, status, fetched, new_items,
			duplicates, annotated, analysis_failed, error, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, toMillis(run.StartedAt), toMillis(run.FinishedAt), run.Status, fetched, added,
		duplicates, run.Annotated, run.AnalysisFailed, run.Error, string(sources))
	if err != nil {
		return &WriteError{Op: "append run", Err: fmt.Errorf("run %s: %w", run.ID, err)}
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RefreshRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := sq.Select("*").From("refresh_runs").
		OrderBy("started_at DESC", "rowid DESC").
		Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]RefreshRun, len(rows))
	for i, r := range rows {
		runs[i] = RefreshRun{
			ID:             r.ID,
			StartedAt:      fromMillis(r.StartedAt),
			FinishedAt:     fromMillis(r.FinishedAt),
			Status:         RunStatus(r.Status),
			Annotated:      r.Annotated,
			AnalysisFailed: r.AnalysisFailed,
			Error:          r.Error,
		}
		if r.Sources != "" {
			if err := json.Unmarshal([]byte(r.Sources), &runs[i].Sources); err != nil {
				return nil, fmt.Errorf("run %s sources: %w: %v", r.ID, ErrCorrupt, err)
			}
		}
	}
	return runs, nil
}
