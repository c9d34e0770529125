package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Workflow is one discovered workflow instance.
type Workflow struct {
	ID       string    `json:"id"`
	Event    string    `json:"event"`
	Workflow string    `json:"workflow"`
	IdentID  string    `json:"ident_id"`
	Moment   time.Time `json:"moment"`
}

// StageExecution is one row of a workflow's stage history.
// The row is open while ExecutedAt is not valid.
type StageExecution struct {
	ID          int64           `json:"id"`
	Event       string          `json:"event"`
	Workflow    string          `json:"workflow"`
	IdentID     string          `json:"ident_id"`
	FromStage   string          `json:"from_stage"`
	Stage       string          `json:"stage"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at"`
	ExecutedAt  sql.NullTime    `json:"executed_at"`
	JS          json.RawMessage `json:"js"`
	Data        json.RawMessage `json:"data,omitempty"`
	WorkflowID  string          `json:"workflow_id"`
	Attempts    int             `json:"attempts"`
	AttemptedAt sql.NullTime    `json:"attempted_at"`
	StalledAt   sql.NullTime    `json:"stalled_at"`
	StallReason string          `json:"stall_reason,omitempty"`
}

// Open reports whether the stage has not been executed yet.
func (e StageExecution) Open() bool {
	return !e.ExecutedAt.Valid
}

// NewStage describes a stage row to insert.
type NewStage struct {
	Event      string
	Workflow   string
	IdentID    string
	FromStage  string
	Stage      string
	StartedAt  time.Time
	JS         json.RawMessage
	WorkflowID string
}

const stageColumns = `id, event, workflow, ident_id, from_stage, stage, created_at, started_at,
	executed_at, js, data, workflow_id, attempts, attempted_at, stalled_at, stall_reason`

// CreateWorkflow inserts a workflow instance row.
func (s *Store) CreateWorkflow(ctx context.Context, wf Workflow) error {
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO workflows (id, event, workflow, ident_id, moment)
		VALUES (?, ?, ?, ?, ?)
	`), wf.ID, wf.Event, wf.Workflow, wf.IdentID, timestamp(wf.Moment))
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	return nil
}

// StartWorkflow creates the workflow row and opens its first stage in one
// transaction. When the triple already has an open stage it returns
// ErrOpenStageExists and writes nothing.
func (s *Store) StartWorkflow(ctx context.Context, wf Workflow, first NewStage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("start workflow %s: begin tx: %w", wf.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.Rebind(`
		INSERT INTO workflows (id, event, workflow, ident_id, moment)
		VALUES (?, ?, ?, ?, ?)
	`), wf.ID, wf.Event, wf.Workflow, wf.IdentID, timestamp(wf.Moment))
	if err != nil {
		return 0, fmt.Errorf("start workflow %s: %w", wf.ID, err)
	}

	first.WorkflowID = wf.ID
	id, err := s.insertStage(ctx, tx, first)
	if err != nil {
		return 0, fmt.Errorf("start workflow %s: %w", wf.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("start workflow %s: commit: %w", wf.ID, err)
	}
	return id, nil
}

// GetWorkflow returns the workflow instance with the given id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT id, event, workflow, ident_id, moment FROM workflows WHERE id = ?
	`), id).Scan(&wf.ID, &wf.Event, &wf.Workflow, &wf.IdentID, &wf.Moment)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, fmt.Errorf("get workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// InsertStage opens a stage row and returns its id.
// Returns ErrOpenStageExists when the triple already has an open stage.
func (s *Store) InsertStage(ctx context.Context, st NewStage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert stage: begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := s.insertStage(ctx, tx, st)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert stage: commit: %w", err)
	}
	return id, nil
}

func (s *Store) insertStage(ctx context.Context, tx *sql.Tx, st NewStage) (int64, error) {
	js := st.JS
	if len(js) == 0 {
		js = json.RawMessage(`{}`)
	}
	var id int64
	err := tx.QueryRowContext(ctx, s.Rebind(`
		INSERT INTO workflow_stages
		(event, workflow, ident_id, from_stage, stage, created_at, started_at, js, workflow_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		st.Event,
		st.Workflow,
		st.IdentID,
		st.FromStage,
		st.Stage,
		s.clock(),
		timestamp(st.StartedAt),
		string(js),
		st.WorkflowID,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert stage %s/%s/%s: %w", st.Event, st.Workflow, st.IdentID, ErrOpenStageExists)
		}
		return 0, fmt.Errorf("insert stage %s/%s/%s: %w", st.Event, st.Workflow, st.IdentID, err)
	}
	return id, nil
}

// AdvanceStage closes the open stage closeID and, when next is non-nil,
// opens its successor, all in one transaction. data is stored on the closed
// row. A close that affects zero rows returns ErrStageClosed and nothing is
// written.
func (s *Store) AdvanceStage(ctx context.Context, closeID int64, data json.RawMessage, executedAt time.Time, next *NewStage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("advance stage %d: begin tx: %w", closeID, err)
	}
	defer tx.Rollback()

	var dataArg any
	if len(data) > 0 {
		dataArg = string(data)
	}
	res, err := tx.ExecContext(ctx, s.Rebind(`
		UPDATE workflow_stages
		SET executed_at = ?, data = ?
		WHERE id = ? AND executed_at IS NULL
	`), timestamp(executedAt), dataArg, closeID)
	if err != nil {
		return 0, fmt.Errorf("advance stage %d: close: %w", closeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance stage %d: rows affected: %w", closeID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("advance stage %d: %w", closeID, ErrStageClosed)
	}

	var nextID int64
	if next != nil {
		nextID, err = s.insertStage(ctx, tx, *next)
		if err != nil {
			return 0, fmt.Errorf("advance stage %d: %w", closeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("advance stage %d: commit: %w", closeID, err)
	}
	return nextID, nil
}

// GetStage returns the stage row with the given id.
func (s *Store) GetStage(ctx context.Context, id int64) (StageExecution, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`SELECT `+stageColumns+` FROM workflow_stages WHERE id = ?`), id)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StageExecution{}, fmt.Errorf("get stage %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return StageExecution{}, fmt.Errorf("get stage %d: %w", id, err)
	}
	return st, nil
}

// FindOpenStage returns the open stage of a triple or ErrNotFound.
func (s *Store) FindOpenStage(ctx context.Context, event, workflow, identID string) (StageExecution, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE event = ? AND workflow = ? AND ident_id = ? AND executed_at IS NULL
	`), event, workflow, identID)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StageExecution{}, ErrNotFound
	}
	if err != nil {
		return StageExecution{}, fmt.Errorf("find open stage %s/%s/%s: %w", event, workflow, identID, err)
	}
	return st, nil
}

// DueStages returns open, non-stalled stages with started_at <= now.
// Rows attempted after retryBefore are skipped so a stage that is being (or
// just was) worked on is not picked again until the retry window passes.
// Results are ordered by started_at, then id.
func (s *Store) DueStages(ctx context.Context, now, retryBefore time.Time, limit int) ([]StageExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listStages(ctx, `
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE executed_at IS NULL
		  AND stalled_at IS NULL
		  AND started_at <= ?
		  AND (attempted_at IS NULL OR attempted_at <= ?)
		ORDER BY started_at ASC, id ASC
		LIMIT ?
	`, timestamp(now), timestamp(retryBefore), limit)
}

// OpenStages lists open stages ordered by started_at, then id.
func (s *Store) OpenStages(ctx context.Context, limit int) ([]StageExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listStages(ctx, `
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE executed_at IS NULL
		ORDER BY started_at ASC, id ASC
		LIMIT ?
	`, limit)
}

// WorkflowStages returns the stage history of one workflow instance.
func (s *Store) WorkflowStages(ctx context.Context, workflowID string) ([]StageExecution, error) {
	return s.listStages(ctx, `
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE workflow_id = ?
		ORDER BY id ASC
	`, workflowID)
}

// MarkAttempt claims an open stage before its work runs: it stamps
// attempted_at and increments attempts, but only when the stage is not
// stalled and was not attempted after retryBefore. Returns the new attempt
// count, ErrStageClosed for a closed stage, or ErrStageClaimed when the
// stage is stalled or another worker holds it.
func (s *Store) MarkAttempt(ctx context.Context, id int64, at, retryBefore time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		UPDATE workflow_stages
		SET attempts = attempts + 1, attempted_at = ?
		WHERE id = ?
		  AND executed_at IS NULL
		  AND stalled_at IS NULL
		  AND (attempted_at IS NULL OR attempted_at <= ?)
		RETURNING attempts
	`), timestamp(at), id, timestamp(retryBefore)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		st, gerr := s.GetStage(ctx, id)
		if gerr != nil {
			return 0, fmt.Errorf("mark attempt %d: %w", id, gerr)
		}
		if !st.Open() {
			return 0, fmt.Errorf("mark attempt %d: %w", id, ErrStageClosed)
		}
		return 0, fmt.Errorf("mark attempt %d: %w", id, ErrStageClaimed)
	}
	if err != nil {
		return 0, fmt.Errorf("mark attempt %d: %w", id, err)
	}
	return attempts, nil
}

// StallStage parks an open stage until an operator intervenes.
// Stalled stages are never returned by DueStages.
func (s *Store) StallStage(ctx context.Context, id int64, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE workflow_stages
		SET stalled_at = ?, stall_reason = ?
		WHERE id = ? AND executed_at IS NULL
	`), timestamp(at), reason, id)
	if err != nil {
		return fmt.Errorf("stall stage %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stall stage %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("stall stage %d: %w", id, ErrStageClosed)
	}
	return nil
}

// ResumeStage clears the stall marker so the stage becomes due again.
func (s *Store) ResumeStage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE workflow_stages
		SET stalled_at = NULL, stall_reason = NULL, attempted_at = NULL
		WHERE id = ? AND executed_at IS NULL
	`), id)
	if err != nil {
		return fmt.Errorf("resume stage %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume stage %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("resume stage %d: %w", id, ErrStageClosed)
	}
	return nil
}

func (s *Store) listStages(ctx context.Context, query string, args ...any) ([]StageExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var out []StageExecution
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("list stages: scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (StageExecution, error) {
	var (
		st     StageExecution
		js     []byte
		data   []byte
		reason sql.NullString
	)
	err := row.Scan(
		&st.ID,
		&st.Event,
		&st.Workflow,
		&st.IdentID,
		&st.FromStage,
		&st.Stage,
		&st.CreatedAt,
		&st.StartedAt,
		&st.ExecutedAt,
		&js,
		&data,
		&st.WorkflowID,
		&st.Attempts,
		&st.AttemptedAt,
		&st.StalledAt,
		&reason,
	)
	if err != nil {
		return StageExecution{}, err
	}
	st.JS = json.RawMessage(js)
	if len(data) > 0 {
		st.Data = json.RawMessage(data)
	}
	st.StallReason = reason.String
	return st, nil
}
