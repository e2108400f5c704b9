package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/sluice/internal/planner"
)

const maxErrorBytes = 64 * 1024

// Queue is the SQLite run ledger: every submitted plan, its stage states and
// its job runs.
type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateRun inserts a running plan and one planned row per stage.
func (q *Queue) CreateRun(ctx context.Context, req CreateRunRequest) error {
	if req.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	if req.PlanID == "" || req.Key == "" {
		return fmt.Errorf("plan id and key are required")
	}
	plan := string(req.Plan)
	if plan == "" {
		plan = "{}"
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
INSERT INTO plan_runs(
  id, plan_id, plan_key, reason, repository, source_branch, source_version, status, plan, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, req.RunID, req.PlanID, req.Key, req.Reason, req.Repository, req.SourceBranch, req.SourceVersion, RunRunning, plan, ts)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, stage := range req.Stages {
		_, err = tx.ExecContext(ctx, `
INSERT INTO stage_runs(run_id, stage, position, status, updated_at)
VALUES(?, ?, ?, ?, ?);
`, req.RunID, stage, i, planner.StatePlanned, ts)
		if err != nil {
			return fmt.Errorf("insert stage %q: %w", stage, err)
		}
	}
	return tx.Commit()
}

// ActiveRunsByKey returns the ids of running runs with the given plan key,
// oldest first.
func (q *Queue) ActiveRunsByKey(ctx context.Context, key string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id FROM plan_runs
WHERE plan_key = ? AND status = ?
ORDER BY created_at ASC, rowid ASC;
`, key, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSuperseded ends a running run in favour of run by. It is a no-op for
// runs that already finished.
func (q *Queue) MarkSuperseded(ctx context.Context, runID, by string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE plan_runs
SET status = ?, superseded_by = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, RunSuperseded, by, now(), runID, RunRunning)
	if err != nil {
		return fmt.Errorf("mark run superseded: %w", err)
	}
	return nil
}

// SetStageStatus records a stage's state.
func (q *Queue) SetStageStatus(ctx context.Context, runID, stage string, status planner.StageState) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE stage_runs SET status = ?, updated_at = ?
WHERE run_id = ? AND stage = ?;
`, status, now(), runID, stage)
	if err != nil {
		return fmt.Errorf("update stage status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage %q of run %s: %w", stage, runID, ErrRunNotFound)
	}
	return nil
}

// StartJob records a job instance as running.
func (q *Queue) StartJob(ctx context.Context, runID string, req StartJobRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("job id is empty")
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_runs(run_id, job_id, stage, template, status, started_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, job_id) DO UPDATE SET
  status = excluded.status, started_at = excluded.started_at, completed_at = NULL, last_error = NULL;
`, runID, req.JobID, req.Stage, req.Template, JobRunning, now())
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// CompleteJob marks a job instance terminal.
func (q *Queue) CompleteJob(ctx context.Context, runID, jobID string, status JobStatus, lastError *string) error {
	if status == JobRunning {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	var errVal any
	if lastError != nil {
		s := *lastError
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errVal = s
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE job_runs SET status = ?, completed_at = ?, last_error = ?
WHERE run_id = ? AND job_id = ?;
`, status, now(), errVal, runID, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q of run %s: %w", jobID, runID, ErrRunNotFound)
	}
	return nil
}

// CompleteRun marks a running run terminal. Runs already superseded keep that
// status.
func (q *Queue) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	_, err := q.db.ExecContext(ctx, `
UPDATE plan_runs SET status = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, status, now(), runID, RunRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Depth is the number of running runs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_runs WHERE status = ?;`, RunRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running runs: %w", err)
	}
	return n, nil
}

// RecoverInterrupted marks runs left running by a previous process as
// interrupted, along with their unfinished jobs. It returns the number of
// runs recovered.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	if _, err := tx.ExecContext(ctx, `
UPDATE job_runs SET status = ?, completed_at = ?, last_error = 'interrupted by restart'
WHERE status = ? AND run_id IN (SELECT id FROM plan_runs WHERE status = ?);
`, JobCancelled, ts, JobRunning, RunRunning); err != nil {
		return 0, fmt.Errorf("recover jobs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE plan_runs SET status = ?, completed_at = ? WHERE status = ?;
`, RunInterrupted, ts, RunRunning)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	return int(n), nil
}

// GetRun loads a run with its stages and jobs.
func (q *Queue) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		r            Run
		status       string
		plan         string
		sourceVer    sql.NullString
		createdAtS   string
		completedAtS sql.NullString
		supersededBy sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
SELECT id, plan_id, plan_key, reason, repository, source_branch, source_version,
       status, plan, created_at, completed_at, superseded_by
FROM plan_runs WHERE id = ?;
`, runID).Scan(
		&r.ID, &r.PlanID, &r.Key, &r.Reason, &r.Repository, &r.SourceBranch, &sourceVer,
		&status, &plan, &createdAtS, &completedAtS, &supersededBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	r.Plan = []byte(plan)
	r.SourceVersion = sourceVer.String
	r.CreatedAt = parseTime(createdAtS)
	r.CompletedAt = parseNullTime(completedAtS)
	if supersededBy.Valid {
		r.SupersededBy = &supersededBy.String
	}

	stages, err := q.stageRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Stages = stages
	return &r, nil
}

func (q *Queue) stageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT stage, position, status, updated_at FROM stage_runs
WHERE run_id = ? ORDER BY position ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	var stages []StageRun
	index := make(map[string]int)
	for rows.Next() {
		var (
			s         StageRun
			status    string
			updatedAt string
		)
		if err := rows.Scan(&s.Name, &s.Position, &status, &updatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		s.Status = planner.StageState(status)
		s.UpdatedAt = parseTime(updatedAt)
		s.Jobs = []JobRun{}
		index[s.Name] = len(stages)
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	jobRows, err := q.db.QueryContext(ctx, `
SELECT job_id, stage, template, status, started_at, completed_at, last_error FROM job_runs
WHERE run_id = ? ORDER BY started_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var (
			j           JobRun
			status      string
			startedAt   string
			completedAt sql.NullString
			lastError   sql.NullString
		)
		if err := jobRows.Scan(&j.ID, &j.Stage, &j.Template, &status, &startedAt, &completedAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = JobStatus(status)
		j.StartedAt = parseTime(startedAt)
		j.CompletedAt = parseNullTime(completedAt)
		if lastError.Valid {
			j.LastError = &lastError.String
		}
		if i, ok := index[j.Stage]; ok {
			stages[i].Jobs = append(stages[i].Jobs, j)
		}
	}
	return stages, jobRows.Err()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
