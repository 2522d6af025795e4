package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager handles all database operations
type SQLiteManager struct {
	path   string
	db     *sql.DB
	logger *utils.LogsManager
}

// NewSQLiteManager opens the database named by `database_file` inside the app data dir
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := cm.GetConfigWithDefault("database_file", "eo-pipeline.db")
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		return nil, fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	return OpenSQLiteManager(utils.GetAppPaths("").ResolveDataPath(dbFileName), logger)
}

// OpenSQLiteManager opens (or creates) the database at path and initializes every table
func OpenSQLiteManager(path string, logger *utils.LogsManager) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		path:   path,
		logger: logger,
	}

	db, err := sqlm.createConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	sqlm.db = db

	inits := []struct {
		name string
		fn   func() error
	}{
		{"products", sqlm.InitProductsTable},
		{"quotas", sqlm.InitQuotasTable},
		{"workflows", sqlm.InitWorkflowsTable},
		{"executions", sqlm.InitExecutionsTables},
		{"topology", sqlm.InitTopologyTable},
		{"schedules", sqlm.InitSchedulesTable},
	}
	for _, step := range inits {
		if err := step.fn(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s table: %w", step.name, err)
		}
	}

	return sqlm, nil
}

func (sqlm *SQLiteManager) createConnection() (*sql.DB, error) {
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", sqlm.path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to enable foreign keys: %s", err.Error()), "database")
		db.Close()
		return nil, err
	}

	// WAL lets status polling read while the orchestrator writes
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

func (sqlm *SQLiteManager) initTable(name string, ddl string) error {
	if _, err := sqlm.db.Exec(ddl); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to create %s table: %v", name, err), "database")
		return err
	}
	sqlm.logger.Debug(fmt.Sprintf("%s table initialized", name), "database")
	return nil
}

// ensureColumn adds a column missing from a table created by an older release
func (sqlm *SQLiteManager) ensureColumn(table, column, decl string) error {
	rows, err := sqlm.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := sqlm.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to add column %s.%s: %v", table, column, err), "database")
		return err
	}
	sqlm.logger.Info(fmt.Sprintf("Added column %s.%s", table, column), "database")
	return nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

// Path returns the database file location
func (sqlm *SQLiteManager) Path() string {
	return sqlm.path
}

// Ping is used as a health check by the monitoring server
func (sqlm *SQLiteManager) Ping(ctx context.Context) error {
	return sqlm.db.PingContext(ctx)
}

// Close closes the database connection
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	dbStats := sqlm.db.Stats()
	return map[string]interface{}{
		"open_connections": dbStats.OpenConnections,
		"in_use":           dbStats.InUse,
		"idle":             dbStats.Idle,
		"wait_count":       dbStats.WaitCount,
		"wait_duration":    dbStats.WaitDuration.String(),
	}
}
