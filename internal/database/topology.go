package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitTopologyTable creates the compute node table
func (sqlm *SQLiteManager) InitTopologyTable() error {
	return sqlm.initTable("topology", `
	CREATE TABLE IF NOT EXISTS topology_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL UNIQUE,
		processors INTEGER NOT NULL DEFAULT 1,
		memory_size INTEGER NOT NULL DEFAULT 0,
		disk_size INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		affinity TEXT,
		created_at INTEGER NOT NULL
	);
	`)
}

func scanTopologyNode(row rowScanner) (*types.TopologyNode, error) {
	var (
		n        types.TopologyNode
		affinity sql.NullString
		created  int64
	)
	if err := row.Scan(&n.ID, &n.Hostname, &n.Processors, &n.MemorySize, &n.DiskSize, &n.Active, &affinity, &created); err != nil {
		return nil, err
	}
	n.Affinity = ScanNullableString(affinity)
	n.CreatedAt = fromMillis(created)
	return &n, nil
}

// GetTopologyNodes returns every registered compute node, active or not
func (sqlm *SQLiteManager) GetTopologyNodes(ctx context.Context) ([]*types.TopologyNode, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT id, hostname, processors, memory_size, disk_size, active, affinity, created_at FROM topology_nodes ORDER BY hostname`,
		func(rows *sql.Rows) (*types.TopologyNode, error) { return scanTopologyNode(rows) },
		sqlm.logger, "database")
}

// SaveTopologyNode inserts the node when its ID is 0, otherwise updates it.
// Inserting an existing hostname updates that node instead.
func (sqlm *SQLiteManager) SaveTopologyNode(ctx context.Context, n *types.TopologyNode) error {
	if n.ID == 0 {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		err := sqlm.db.QueryRowContext(ctx, `
			INSERT INTO topology_nodes (hostname, processors, memory_size, disk_size, active, affinity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hostname) DO UPDATE SET
				processors = excluded.processors,
				memory_size = excluded.memory_size,
				disk_size = excluded.disk_size,
				active = excluded.active,
				affinity = excluded.affinity
			RETURNING id`,
			n.Hostname, n.Processors, n.MemorySize, n.DiskSize, n.Active, n.Affinity, toMillis(n.CreatedAt)).Scan(&n.ID)
		if err != nil {
			sqlm.logger.Error(fmt.Sprintf("Failed to save topology node %s: %v", n.Hostname, err), "database")
			return fmt.Errorf("failed to save topology node %s: %w", n.Hostname, err)
		}
		return nil
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `
		UPDATE topology_nodes SET hostname = ?, processors = ?, memory_size = ?, disk_size = ?, active = ?, affinity = ? WHERE id = ?`,
		sqlm.logger, "database",
		n.Hostname, n.Processors, n.MemorySize, n.DiskSize, n.Active, n.Affinity, n.ID); err != nil {
		return fmt.Errorf("failed to update topology node %d: %w", n.ID, err)
	}
	return nil
}

// DeleteTopologyNode removes the node with id
func (sqlm *SQLiteManager) DeleteTopologyNode(ctx context.Context, id int64) error {
	if _, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `DELETE FROM topology_nodes WHERE id = ?`, sqlm.logger, "database", id); err != nil {
		return fmt.Errorf("failed to delete topology node %d: %w", id, err)
	}
	return nil
}
