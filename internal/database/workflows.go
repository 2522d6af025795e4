package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitWorkflowsTable creates the processing component and workflow tables
func (sqlm *SQLiteManager) InitWorkflowsTable() error {
	return sqlm.initTable("workflows", `
	CREATE TABLE IF NOT EXISTS components (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		command TEXT,
		parameters TEXT, -- JSON object of default parameter values
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		owner_id TEXT NOT NULL,
		definition TEXT NOT NULL, -- JSON array of workflow nodes
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name);
	CREATE INDEX IF NOT EXISTS idx_workflows_owner_id ON workflows(owner_id);
	`)
}

// SaveComponent inserts or replaces a processing component
func (sqlm *SQLiteManager) SaveComponent(ctx context.Context, c *types.ProcessingComponent) error {
	params, err := marshalJSON(c.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode component parameters: %w", err)
	}

	_, err = ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO components (id, name, kind, command, parameters, description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			command = excluded.command,
			parameters = excluded.parameters,
			description = excluded.description`,
		sqlm.logger, "database",
		c.ID, c.Name, c.Kind, c.Command, params, c.Description)
	if err != nil {
		return fmt.Errorf("failed to save component %s: %w", c.ID, err)
	}
	return nil
}

func scanComponent(row rowScanner) (*types.ProcessingComponent, error) {
	var (
		c                     types.ProcessingComponent
		command, params, desc sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &command, &params, &desc); err != nil {
		return nil, err
	}
	c.Command = ScanNullableString(command)
	c.Description = ScanNullableString(desc)
	if err := unmarshalJSON(params, &c.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of component %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetComponent returns the component with id, or nil when it is unknown
func (sqlm *SQLiteManager) GetComponent(ctx context.Context, id string) (*types.ProcessingComponent, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT id, name, kind, command, parameters, description FROM components WHERE id = ?`,
		func(row *sql.Row) (*types.ProcessingComponent, error) { return scanComponent(row) },
		sqlm.logger, "database", id)
}

// ListComponents returns every registered component
func (sqlm *SQLiteManager) ListComponents(ctx context.Context) ([]*types.ProcessingComponent, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT id, name, kind, command, parameters, description FROM components ORDER BY id`,
		func(rows *sql.Rows) (*types.ProcessingComponent, error) { return scanComponent(rows) },
		sqlm.logger, "database")
}

// SaveWorkflow inserts the workflow when its ID is 0, otherwise updates it
func (sqlm *SQLiteManager) SaveWorkflow(ctx context.Context, w *types.Workflow) error {
	definition, err := marshalJSON(w.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	now := time.Now().UTC()
	w.UpdatedAt = now

	if w.ID == 0 {
		w.CreatedAt = now
		result, err := ExecWithLogging(ctx, sqlm.db,
			`INSERT INTO workflows (name, description, owner_id, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sqlm.logger, "database",
			w.Name, w.Description, w.OwnerID, definition, toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to add workflow %s: %w", w.Name, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		w.ID = id
		sqlm.logger.Info(fmt.Sprintf("Workflow added successfully: %s (ID: %d)", w.Name, id), "database")
		return nil
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db,
		`UPDATE workflows SET name = ?, description = ?, owner_id = ?, definition = ?, updated_at = ? WHERE id = ?`,
		sqlm.logger, "database",
		w.Name, w.Description, w.OwnerID, definition, toMillis(w.UpdatedAt), w.ID); err != nil {
		return fmt.Errorf("failed to update workflow %d: %w", w.ID, err)
	}
	return nil
}

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	var (
		w                types.Workflow
		desc, definition sql.NullString
		created, updated int64
	)
	if err := row.Scan(&w.ID, &w.Name, &desc, &w.OwnerID, &definition, &created, &updated); err != nil {
		return nil, err
	}
	w.Description = ScanNullableString(desc)
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	if err := unmarshalJSON(definition, &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode definition of workflow %d: %w", w.ID, err)
	}
	return &w, nil
}

// GetWorkflow returns the workflow with id, or nil when it is unknown
func (sqlm *SQLiteManager) GetWorkflow(ctx context.Context, id int64) (*types.Workflow, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT id, name, description, owner_id, definition, created_at, updated_at FROM workflows WHERE id = ?`,
		func(row *sql.Row) (*types.Workflow, error) { return scanWorkflow(row) },
		sqlm.logger, "database", id)
}

// ListWorkflows returns workflows owned by owner, or all of them when owner is empty
func (sqlm *SQLiteManager) ListWorkflows(ctx context.Context, owner string) ([]*types.Workflow, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT id, name, description, owner_id, definition, created_at, updated_at FROM workflows
		WHERE (? = '' OR owner_id = ?) ORDER BY id`,
		func(rows *sql.Rows) (*types.Workflow, error) { return scanWorkflow(rows) },
		sqlm.logger, "database", owner, owner)
}

// DeleteWorkflow removes the workflow with id
func (sqlm *SQLiteManager) DeleteWorkflow(ctx context.Context, id int64) error {
	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `DELETE FROM workflows WHERE id = ?`, sqlm.logger, "database", id); err != nil {
		return fmt.Errorf("failed to delete workflow %d: %w", id, err)
	}
	return nil
}
