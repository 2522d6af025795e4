package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitExecutionsTables creates the execution job and task tables
func (sqlm *SQLiteManager) InitExecutionsTables() error {
	return sqlm.initTable("executions", `
	CREATE TABLE IF NOT EXISTS execution_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		workflow_id INTEGER NOT NULL,
		schedule_id INTEGER,
		batch_id TEXT,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_jobs_user_id ON execution_jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_execution_jobs_status ON execution_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_execution_jobs_batch_id ON execution_jobs(batch_id);

	CREATE TABLE IF NOT EXISTS execution_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		topology_node_id INTEGER,
		status TEXT NOT NULL,
		percent REAL NOT NULL DEFAULT 0,
		cpu_seconds REAL NOT NULL DEFAULT 0,
		memory_bytes INTEGER NOT NULL DEFAULT 0,
		parameters TEXT, -- JSON object
		outputs TEXT,    -- JSON object
		dispatch_order INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES execution_jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_execution_tasks_job_id ON execution_tasks(job_id);
	`)
}

const jobColumns = `id, user_id, workflow_id, schedule_id, batch_id, status, progress, error_message, started_at, ended_at, created_at, updated_at`

func scanJob(row rowScanner) (*types.ExecutionJob, error) {
	var (
		j                                types.ExecutionJob
		scheduleID                       sql.NullInt64
		batchID, errM                    sql.NullString
		started, ended, created, updated int64
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.WorkflowID, &scheduleID, &batchID, &j.Status, &j.Progress, &errM,
		&started, &ended, &created, &updated); err != nil {
		return nil, err
	}
	j.ScheduleID = ScanNullableInt64(scheduleID)
	j.BatchID = ScanNullableString(batchID)
	j.ErrorMessage = ScanNullableString(errM)
	j.StartedAt = fromMillis(started)
	j.EndedAt = fromMillis(ended)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

// SaveJob inserts the job when its ID is 0, otherwise updates it
func (sqlm *SQLiteManager) SaveJob(ctx context.Context, j *types.ExecutionJob) error {
	now := time.Now().UTC()
	j.UpdatedAt = now

	if j.ID == 0 {
		j.CreatedAt = now
		result, err := ExecWithLogging(ctx, sqlm.db, `
			INSERT INTO execution_jobs (user_id, workflow_id, schedule_id, batch_id, status, progress, error_message, started_at, ended_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sqlm.logger, "database",
			j.UserID, j.WorkflowID, NullableInt64(j.ScheduleID), j.BatchID, string(j.Status), j.Progress, j.ErrorMessage,
			toMillis(j.StartedAt), toMillis(j.EndedAt), toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		j.ID = id
		return nil
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `
		UPDATE execution_jobs SET status = ?, progress = ?, error_message = ?, batch_id = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		sqlm.logger, "database",
		string(j.Status), j.Progress, j.ErrorMessage, j.BatchID, toMillis(j.StartedAt), toMillis(j.EndedAt), toMillis(j.UpdatedAt), j.ID); err != nil {
		return fmt.Errorf("failed to update job %d: %w", j.ID, err)
	}
	return nil
}

// GetJob returns the job with id, or nil when it is unknown
func (sqlm *SQLiteManager) GetJob(ctx context.Context, id int64) (*types.ExecutionJob, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT `+jobColumns+` FROM execution_jobs WHERE id = ?`,
		func(row *sql.Row) (*types.ExecutionJob, error) { return scanJob(row) },
		sqlm.logger, "database", id)
}

// GetJobs returns jobs of user (all users when empty) whose status is one of statuses (any when none given)
func (sqlm *SQLiteManager) GetJobs(ctx context.Context, user string, statuses ...types.ExecutionStatus) ([]*types.ExecutionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM execution_jobs WHERE (? = '' OR user_id = ?)`
	args := []interface{}{user, user}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`

	return QueryRows(ctx, sqlm.db, query,
		func(rows *sql.Rows) (*types.ExecutionJob, error) { return scanJob(rows) },
		sqlm.logger, "database", args...)
}

// GetJobsByBatch returns the jobs started under batchID
func (sqlm *SQLiteManager) GetJobsByBatch(ctx context.Context, batchID string) ([]*types.ExecutionJob, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT `+jobColumns+` FROM execution_jobs WHERE batch_id = ? ORDER BY id`,
		func(rows *sql.Rows) (*types.ExecutionJob, error) { return scanJob(rows) },
		sqlm.logger, "database", batchID)
}

const taskColumns = `id, job_id, node_id, topology_node_id, status, percent, cpu_seconds, memory_bytes, parameters, outputs, dispatch_order, error_message, started_at, ended_at, created_at, updated_at`

func scanTask(row rowScanner) (*types.ExecutionTask, error) {
	var (
		t                                types.ExecutionTask
		topologyNodeID                   sql.NullInt64
		params, outputs, errM            sql.NullString
		started, ended, created, updated int64
	)
	if err := row.Scan(&t.ID, &t.JobID, &t.NodeID, &topologyNodeID, &t.Status, &t.Percent, &t.Usage.CPUSeconds,
		&t.Usage.MemoryBytes, &params, &outputs, &t.DispatchOrder, &errM, &started, &ended, &created, &updated); err != nil {
		return nil, err
	}
	t.TopologyNodeID = ScanNullableInt64(topologyNodeID)
	t.ErrorMessage = ScanNullableString(errM)
	t.StartedAt = fromMillis(started)
	t.EndedAt = fromMillis(ended)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	if err := unmarshalJSON(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of task %d: %w", t.ID, err)
	}
	if err := unmarshalJSON(outputs, &t.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs of task %d: %w", t.ID, err)
	}
	return &t, nil
}

// SaveTask inserts the task when its ID is 0, otherwise updates it
func (sqlm *SQLiteManager) SaveTask(ctx context.Context, t *types.ExecutionTask) error {
	params, err := marshalJSON(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode task parameters: %w", err)
	}
	outputs, err := marshalJSON(t.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode task outputs: %w", err)
	}

	now := time.Now().UTC()
	t.UpdatedAt = now

	if t.ID == 0 {
		t.CreatedAt = now
		result, err := ExecWithLogging(ctx, sqlm.db, `
			INSERT INTO execution_tasks (job_id, node_id, topology_node_id, status, percent, cpu_seconds, memory_bytes, parameters, outputs,
				dispatch_order, error_message, started_at, ended_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sqlm.logger, "database",
			t.JobID, t.NodeID, NullableInt64(t.TopologyNodeID), string(t.Status), t.Percent, t.Usage.CPUSeconds, t.Usage.MemoryBytes,
			params, outputs, t.DispatchOrder, t.ErrorMessage, toMillis(t.StartedAt), toMillis(t.EndedAt), toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to create task for node %s: %w", t.NodeID, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		t.ID = id
		return nil
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `
		UPDATE execution_tasks SET topology_node_id = ?, status = ?, percent = ?, cpu_seconds = ?, memory_bytes = ?, parameters = ?,
			outputs = ?, dispatch_order = ?, error_message = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		sqlm.logger, "database",
		NullableInt64(t.TopologyNodeID), string(t.Status), t.Percent, t.Usage.CPUSeconds, t.Usage.MemoryBytes, params, outputs,
		t.DispatchOrder, t.ErrorMessage, toMillis(t.StartedAt), toMillis(t.EndedAt), toMillis(t.UpdatedAt), t.ID); err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}
	return nil
}

// GetTasks returns the tasks of job in creation order
func (sqlm *SQLiteManager) GetTasks(ctx context.Context, jobID int64) ([]*types.ExecutionTask, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT `+taskColumns+` FROM execution_tasks WHERE job_id = ? ORDER BY id`,
		func(rows *sql.Rows) (*types.ExecutionTask, error) { return scanTask(rows) },
		sqlm.logger, "database", jobID)
}
