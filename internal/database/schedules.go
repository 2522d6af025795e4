package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitSchedulesTable creates the recurring schedule table
func (sqlm *SQLiteManager) InitSchedulesTable() error {
	return sqlm.initTable("schedules", `
	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		workflow_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		mode TEXT CHECK(mode IN ('NORMAL', 'INCREMENTAL')) NOT NULL DEFAULT 'NORMAL',
		parameters TEXT, -- JSON object keyed by workflow node id
		footprint TEXT,
		batches TEXT NOT NULL DEFAULT '[]', -- JSON array, oldest first
		active INTEGER NOT NULL DEFAULT 1,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(active);
	`)
}

const scheduleColumns = `id, name, workflow_id, user_id, cron_expr, mode, parameters, footprint, batches, active, last_error, created_at, updated_at`

func scanSchedule(row rowScanner) (*types.Schedule, error) {
	var (
		s                                     types.Schedule
		params, footprint, batches, lastError sql.NullString
		created, updated                      int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.WorkflowID, &s.UserID, &s.CronExpr, &s.Mode, &params, &footprint, &batches,
		&s.Active, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	s.Footprint = ScanNullableString(footprint)
	s.LastError = ScanNullableString(lastError)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	if err := unmarshalJSON(params, &s.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of schedule %d: %w", s.ID, err)
	}
	if err := unmarshalJSON(batches, &s.Batches); err != nil {
		return nil, fmt.Errorf("failed to decode batches of schedule %d: %w", s.ID, err)
	}
	return &s, nil
}

// SaveSchedule inserts the schedule when its ID is 0, otherwise updates it
func (sqlm *SQLiteManager) SaveSchedule(ctx context.Context, s *types.Schedule) error {
	params, err := marshalJSON(s.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode schedule parameters: %w", err)
	}
	batches := s.Batches
	if batches == nil {
		batches = []string{}
	}
	batchesJSON, err := marshalJSON(batches)
	if err != nil {
		return fmt.Errorf("failed to encode schedule batches: %w", err)
	}

	now := time.Now().UTC()
	s.UpdatedAt = now
	if s.Mode == "" {
		s.Mode = types.ModeNormal
	}

	if s.ID == 0 {
		s.CreatedAt = now
		result, err := ExecWithLogging(ctx, sqlm.db, `
			INSERT INTO schedules (name, workflow_id, user_id, cron_expr, mode, parameters, footprint, batches, active, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sqlm.logger, "database",
			s.Name, s.WorkflowID, s.UserID, s.CronExpr, string(s.Mode), params, s.Footprint, batchesJSON, s.Active, s.LastError,
			toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to add schedule %s: %w", s.Name, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		s.ID = id
		return nil
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `
		UPDATE schedules SET name = ?, workflow_id = ?, user_id = ?, cron_expr = ?, mode = ?, parameters = ?, footprint = ?,
			batches = ?, active = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		sqlm.logger, "database",
		s.Name, s.WorkflowID, s.UserID, s.CronExpr, string(s.Mode), params, s.Footprint, batchesJSON, s.Active, s.LastError,
		toMillis(s.UpdatedAt), s.ID); err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", s.ID, err)
	}
	return nil
}

// GetSchedule returns the schedule with id, or nil when it is unknown
func (sqlm *SQLiteManager) GetSchedule(ctx context.Context, id int64) (*types.Schedule, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`,
		func(row *sql.Row) (*types.Schedule, error) { return scanSchedule(row) },
		sqlm.logger, "database", id)
}

// ListSchedules returns schedules, only active ones when activeOnly is set
func (sqlm *SQLiteManager) ListSchedules(ctx context.Context, activeOnly bool) ([]*types.Schedule, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT `+scheduleColumns+` FROM schedules WHERE (? = 0 OR active = 1) ORDER BY id`,
		func(rows *sql.Rows) (*types.Schedule, error) { return scanSchedule(rows) },
		sqlm.logger, "database", activeOnly)
}

// DeleteSchedule removes the schedule with id
func (sqlm *SQLiteManager) DeleteSchedule(ctx context.Context, id int64) error {
	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `DELETE FROM schedules WHERE id = ?`, sqlm.logger, "database", id); err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	return nil
}
