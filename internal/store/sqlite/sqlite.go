// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite-backed store.Store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowstate/flowstate/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral DB.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed store at cfg.Path and
// runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn
	// under the conditional-update pattern every transition below uses.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			external_functions TEXT NOT NULL,
			inputs TEXT,
			state BLOB,
			status TEXT NOT NULL,
			current_resume_group_id TEXT,
			output TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			resume_group_id TEXT NOT NULL,
			call_id INTEGER NOT NULL,
			function_name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			job_handle TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			UNIQUE (execution_id, resume_group_id, call_id),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_resume_group_status ON calls(resume_group_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_execution_resume_group ON calls(execution_id, resume_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_job_handle ON calls(job_handle)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateExecution inserts a new Execution with status=scheduled.
func (s *Store) CreateExecution(ctx context.Context, code string, allowedFunctions []string, inputs []byte) (*store.Execution, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	fnJSON, err := json.Marshal(allowedFunctions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal external_functions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, code, external_functions, inputs, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, code, string(fnJSON), nullBytes(inputs), string(store.StatusScheduled), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	return &store.Execution{
		ID:                id,
		Code:              code,
		ExternalFunctions: allowedFunctions,
		Inputs:            inputs,
		Status:            store.StatusScheduled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// GetExecution fetches an Execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, external_functions, inputs, state, status, current_resume_group_id, output, error, created_at, updated_at
		FROM executions WHERE id = ?
	`, id)
	return scanExecution(row)
}

// ListExecutions returns Executions, optionally filtered by status. An empty
// status lists all Executions.
func (s *Store) ListExecutions(ctx context.Context, status store.Status) ([]*store.Execution, error) {
	query := `
		SELECT id, code, external_functions, inputs, state, status, current_resume_group_id, output, error, created_at, updated_at
		FROM executions
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ListWaiting returns every Execution currently in status=waiting.
func (s *Store) ListWaiting(ctx context.Context) ([]*store.Execution, error) {
	return s.ListExecutions(ctx, store.StatusWaiting)
}

// ClaimScheduled atomically transitions one scheduled Execution to running.
func (s *Store) ClaimScheduled(ctx context.Context) (*store.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM executions WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`, string(store.StatusScheduled))

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find scheduled execution: %w", err)
	}

	now := fmtTime(time.Now().UTC())
	result, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(store.StatusRunning), now, id, string(store.StatusScheduled))
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return nil, store.ErrConflict
	}

	row = tx.QueryRowContext(ctx, `
		SELECT id, code, external_functions, inputs, state, status, current_resume_group_id, output, error, created_at, updated_at
		FROM executions WHERE id = ?
	`, id)
	ex, err := scanExecution(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return ex, nil
}

// SaveSuspension records a Suspended outcome transactionally.
func (s *Store) SaveSuspension(ctx context.Context, executionID string, expectedStatus store.Status, state []byte, resumeGroupID string, calls []store.NewCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	result, err := tx.ExecContext(ctx, `
		UPDATE executions SET state = ?, status = ?, current_resume_group_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, state, string(store.StatusWaiting), resumeGroupID, now, executionID, string(expectedStatus))
	if err != nil {
		return fmt.Errorf("failed to save suspension: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return store.ErrConflict
	}

	for _, c := range calls {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO calls (execution_id, resume_group_id, call_id, function_name, args, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, executionID, resumeGroupID, c.CallID, c.FunctionName, nullBytes(c.Args), string(store.CallPending), now)
		if err != nil {
			return fmt.Errorf("failed to insert call %d: %w", c.CallID, err)
		}
	}

	return tx.Commit()
}

// CompleteCall transitions one Call to completed or failed, idempotently.
func (s *Store) CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, outcome store.CallOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT status, result, error FROM calls
		WHERE execution_id = ? AND resume_group_id = ? AND call_id = ?
	`, executionID, resumeGroupID, callID)

	var curStatus string
	var curResult, curError sql.NullString
	if err := row.Scan(&curStatus, &curResult, &curError); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to load call: %w", err)
	}

	newStatus := store.CallCompleted
	if outcome.Err != "" {
		newStatus = store.CallFailed
	}

	if store.CallStatus(curStatus) == store.CallCompleted || store.CallStatus(curStatus) == store.CallFailed {
		// Already terminal: idempotent if identical, conflict otherwise.
		sameResult := curResult.String == string(outcome.Result)
		sameError := curError.String == outcome.Err
		if store.CallStatus(curStatus) == newStatus && sameResult && sameError {
			return tx.Commit()
		}
		return store.ErrConflict
	}

	now := fmtTime(time.Now().UTC())
	result, err := tx.ExecContext(ctx, `
		UPDATE calls SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE execution_id = ? AND resume_group_id = ? AND call_id = ? AND status IN (?, ?)
	`, string(newStatus), nullBytes(outcome.Result), nullString(outcome.Err), now,
		executionID, resumeGroupID, callID, string(store.CallPending), string(store.CallRunning))
	if err != nil {
		return fmt.Errorf("failed to complete call: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return store.ErrConflict
	}

	return tx.Commit()
}

// MarkCallRunning transitions a Call from pending to running.
func (s *Store) MarkCallRunning(ctx context.Context, executionID, resumeGroupID string, callID int) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, started_at = ?
		WHERE execution_id = ? AND resume_group_id = ? AND call_id = ? AND status = ?
	`, string(store.CallRunning), now, executionID, resumeGroupID, callID, string(store.CallPending))
	if err != nil {
		return fmt.Errorf("failed to mark call running: %w", err)
	}
	return nil
}

// SetCallJobHandle records the opaque token an executor returned from submit.
func (s *Store) SetCallJobHandle(ctx context.Context, executionID, resumeGroupID string, callID int, jobHandle string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE calls SET job_handle = ?
		WHERE execution_id = ? AND resume_group_id = ? AND call_id = ?
	`, jobHandle, executionID, resumeGroupID, callID)
	if err != nil {
		return fmt.Errorf("failed to set job handle: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BatchStatus aggregates the terminal/non-terminal counts for a batch.
func (s *Store) BatchStatus(ctx context.Context, resumeGroupID string) (store.BatchStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM calls WHERE resume_group_id = ? GROUP BY status
	`, resumeGroupID)
	if err != nil {
		return store.BatchStatus{}, fmt.Errorf("failed to aggregate batch status: %w", err)
	}
	defer rows.Close()

	var bs store.BatchStatus
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return store.BatchStatus{}, fmt.Errorf("failed to scan batch status row: %w", err)
		}
		bs.Total += count
		switch store.CallStatus(status) {
		case store.CallCompleted:
			bs.Completed += count
		case store.CallFailed:
			bs.Failed += count
		default:
			bs.PendingOrRunning += count
		}
	}
	return bs, rows.Err()
}

// ClaimResume conditionally transitions an Execution from waiting to
// resuming iff current_resume_group_id matches and every call is terminal.
func (s *Store) ClaimResume(ctx context.Context, executionID, resumeGroupID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var pendingOrRunning int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM calls
		WHERE resume_group_id = ? AND status NOT IN (?, ?)
	`, resumeGroupID, string(store.CallCompleted), string(store.CallFailed)).Scan(&pendingOrRunning)
	if err != nil {
		return false, fmt.Errorf("failed to check batch completion: %w", err)
	}
	if pendingOrRunning > 0 {
		return false, nil
	}

	now := fmtTime(time.Now().UTC())
	result, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, updated_at = ?
		WHERE id = ? AND current_resume_group_id = ? AND status = ?
	`, string(store.StatusResuming), now, executionID, resumeGroupID, string(store.StatusWaiting))
	if err != nil {
		return false, fmt.Errorf("failed to claim resume: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit resume claim: %w", err)
	}
	return true, nil
}

// LoadForResume returns the state, code, and per-call results for the
// execution's current batch.
func (s *Store) LoadForResume(ctx context.Context, executionID string) (*store.ResumeData, error) {
	ex, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.CurrentResumeGroup == "" {
		return nil, fmt.Errorf("execution %s has no current resume group: %w", executionID, store.ErrConflict)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, status, result, error FROM calls
		WHERE execution_id = ? AND resume_group_id = ?
	`, executionID, ex.CurrentResumeGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch results: %w", err)
	}
	defer rows.Close()

	results := make(map[int]store.CallOutcome)
	for rows.Next() {
		var callID int
		var status string
		var result, errStr sql.NullString
		if err := rows.Scan(&callID, &status, &result, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan call result: %w", err)
		}
		results[callID] = store.CallOutcome{
			Result: []byte(result.String),
			Err:    errStr.String,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &store.ResumeData{
		State:   ex.State,
		Code:    ex.Code,
		Results: results,
	}, nil
}

// Finish performs the terminal transition to completed or failed.
func (s *Store) Finish(ctx context.Context, executionID string, output []byte, errMsg string) error {
	status := store.StatusCompleted
	if errMsg != "" {
		status = store.StatusFailed
	}

	now := fmtTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, output = ?, error = ?, state = NULL, current_resume_group_id = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), nullBytes(output), nullString(errMsg), now, executionID,
		string(store.StatusRunning), string(store.StatusResuming))
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// ListNonTerminalCalls returns every Call that hasn't reached a terminal
// state and carries a job handle, for the polling-executor refresh loop.
func (s *Store) ListNonTerminalCalls(ctx context.Context) ([]*store.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, resume_group_id, call_id, function_name, args, status, result, error, job_handle, created_at, started_at, completed_at
		FROM calls
		WHERE status IN (?, ?) AND job_handle IS NOT NULL AND job_handle != ''
	`, string(store.CallPending), string(store.CallRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal calls: %w", err)
	}
	defer rows.Close()

	var out []*store.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListOpenCalls returns every non-terminal Call in (executionID,
// resumeGroupID), regardless of job handle.
func (s *Store) ListOpenCalls(ctx context.Context, executionID, resumeGroupID string) ([]*store.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, resume_group_id, call_id, function_name, args, status, result, error, job_handle, created_at, started_at, completed_at
		FROM calls
		WHERE execution_id = ? AND resume_group_id = ? AND status IN (?, ?)
	`, executionID, resumeGroupID, string(store.CallPending), string(store.CallRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list open calls: %w", err)
	}
	defer rows.Close()

	var out []*store.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindCallByJobHandle resolves a webhook completion's job_id.
func (s *Store) FindCallByJobHandle(ctx context.Context, jobHandle string) (*store.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, resume_group_id, call_id, function_name, args, status, result, error, job_handle, created_at, started_at, completed_at
		FROM calls WHERE job_handle = ?
	`, jobHandle)
	return scanCall(row)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*store.Execution, error) {
	var ex store.Execution
	var inputs, state []byte
	var currentResumeGroup, output, errStr sql.NullString
	var fnJSON, createdAt, updatedAt string

	err := row.Scan(&ex.ID, &ex.Code, &fnJSON, &inputs, &state, &ex.Status,
		&currentResumeGroup, &output, &errStr, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if err := json.Unmarshal([]byte(fnJSON), &ex.ExternalFunctions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal external_functions: %w", err)
	}
	ex.Inputs = inputs
	ex.State = state
	ex.CurrentResumeGroup = currentResumeGroup.String
	if output.Valid {
		ex.Output = []byte(output.String)
	}
	ex.Error = errStr.String
	ex.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ex.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &ex, nil
}

func scanCall(row scannable) (*store.Call, error) {
	var c store.Call
	var args, result sql.NullString
	var errStr, jobHandle sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&c.ID, &c.ExecutionID, &c.ResumeGroupID, &c.CallID, &c.FunctionName,
		&args, &c.Status, &result, &errStr, &jobHandle, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}

	if args.Valid {
		c.Args = []byte(args.String)
	}
	if result.Valid {
		c.Result = []byte(result.String)
	}
	c.Error = errStr.String
	c.JobHandle = jobHandle.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		c.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		c.CompletedAt = &t
	}

	return &c, nil
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
