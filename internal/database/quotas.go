package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitQuotasTable creates the per-user quota table
func (sqlm *SQLiteManager) InitQuotasTable() error {
	return sqlm.initTable("quotas", `
	CREATE TABLE IF NOT EXISTS quotas (
		user_id TEXT PRIMARY KEY,
		allowed_input INTEGER NOT NULL DEFAULT 0,
		used_input INTEGER NOT NULL DEFAULT 0,
		allowed_processing INTEGER NOT NULL DEFAULT 0,
		used_processing INTEGER NOT NULL DEFAULT 0,
		allowed_cpu INTEGER NOT NULL DEFAULT 0,
		allowed_memory INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`)
}

func scanQuota(row rowScanner) (*types.Quota, error) {
	var (
		q       types.Quota
		updated int64
	)
	if err := row.Scan(&q.UserID, &q.AllowedInput, &q.UsedInput, &q.AllowedProcessing, &q.UsedProcessing,
		&q.AllowedCPU, &q.AllowedMemory, &updated); err != nil {
		return nil, err
	}
	q.UpdatedAt = fromMillis(updated)
	return &q, nil
}

// GetQuota returns the quota of user, or nil when none was recorded
func (sqlm *SQLiteManager) GetQuota(ctx context.Context, user string) (*types.Quota, error) {
	return QueryRowSingle(ctx, sqlm.db, `
		SELECT user_id, allowed_input, used_input, allowed_processing, used_processing, allowed_cpu, allowed_memory, updated_at
		FROM quotas WHERE user_id = ?`,
		func(row *sql.Row) (*types.Quota, error) { return scanQuota(row) },
		sqlm.logger, "database", user)
}

// ListQuotas returns every recorded quota
func (sqlm *SQLiteManager) ListQuotas(ctx context.Context) ([]*types.Quota, error) {
	return QueryRows(ctx, sqlm.db, `
		SELECT user_id, allowed_input, used_input, allowed_processing, used_processing, allowed_cpu, allowed_memory, updated_at
		FROM quotas ORDER BY user_id`,
		func(rows *sql.Rows) (*types.Quota, error) { return scanQuota(rows) },
		sqlm.logger, "database")
}

// SetQuota records the allowances of q.UserID, leaving consumption untouched on existing rows
func (sqlm *SQLiteManager) SetQuota(ctx context.Context, q *types.Quota) error {
	q.UpdatedAt = time.Now().UTC()
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO quotas (user_id, allowed_input, used_input, allowed_processing, used_processing, allowed_cpu, allowed_memory, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			allowed_input = excluded.allowed_input,
			allowed_processing = excluded.allowed_processing,
			allowed_cpu = excluded.allowed_cpu,
			allowed_memory = excluded.allowed_memory,
			updated_at = excluded.updated_at`,
		sqlm.logger, "database",
		q.UserID, q.AllowedInput, q.UsedInput, q.AllowedProcessing, q.UsedProcessing, q.AllowedCPU, q.AllowedMemory, toMillis(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to set quota of %s: %w", q.UserID, err)
	}
	return nil
}

// UpdateQuota applies deltas to the consumption counters in one statement and returns the new record.
// A missing row is created with zero allowances.
func (sqlm *SQLiteManager) UpdateQuota(ctx context.Context, user string, inputDelta int64, processingDelta int64) (*types.Quota, error) {
	now := toMillis(time.Now().UTC())
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO quotas (user_id, used_input, used_processing, updated_at)
		VALUES (?, MAX(?, 0), MAX(?, 0), ?)
		ON CONFLICT(user_id) DO UPDATE SET
			used_input = MAX(used_input + ?, 0),
			used_processing = MAX(used_processing + ?, 0),
			updated_at = ?`,
		sqlm.logger, "database",
		user, inputDelta, processingDelta, now, inputDelta, processingDelta, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota of %s: %w", user, err)
	}

	q, err := sqlm.GetQuota(ctx, user)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("quota of %s vanished after update", user)
	}
	return q, nil
}
