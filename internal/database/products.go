package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// InitProductsTable creates the product registry table
func (sqlm *SQLiteManager) InitProductsTable() error {
	if err := sqlm.initTable("products", `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT,
		approx_size INTEGER NOT NULL DEFAULT 0,
		acquisition_date INTEGER NOT NULL DEFAULT 0,
		footprint TEXT,
		status TEXT CHECK(status IN ('QUERIED', 'DOWNLOADING', 'DOWNLOADED', 'FAILED')) NOT NULL DEFAULT 'QUERIED',
		refs TEXT NOT NULL DEFAULT '[]', -- JSON array of user ids
		claimed_by TEXT,
		local_path TEXT,
		checksum TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
	CREATE INDEX IF NOT EXISTS idx_products_footprint ON products(footprint);
	`); err != nil {
		return err
	}
	return sqlm.ensureColumn("products", "claimed_by", "TEXT")
}

const productColumns = `id, name, url, approx_size, acquisition_date, footprint, status, refs, claimed_by, local_path, checksum, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row rowScanner) (*types.Product, error) {
	var (
		p                                         types.Product
		url, footprint, localPath, checksum, errM sql.NullString
		refs, claimedBy                           sql.NullString
		acquired, created, updated                int64
	)
	if err := row.Scan(&p.ID, &p.Name, &url, &p.ApproxSize, &acquired, &footprint, &p.Status, &refs,
		&claimedBy, &localPath, &checksum, &errM, &created, &updated); err != nil {
		return nil, err
	}

	p.URL = ScanNullableString(url)
	p.Footprint = ScanNullableString(footprint)
	p.ClaimedBy = ScanNullableString(claimedBy)
	p.LocalPath = ScanNullableString(localPath)
	p.Checksum = ScanNullableString(checksum)
	p.ErrorMessage = ScanNullableString(errM)
	p.AcquisitionDate = fromMillis(acquired)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	if err := unmarshalJSON(refs, &p.References); err != nil {
		return nil, fmt.Errorf("failed to decode references of product %s: %w", p.ID, err)
	}
	return &p, nil
}

// GetProduct returns the product with id, or nil when it is unknown
func (sqlm *SQLiteManager) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT `+productColumns+` FROM products WHERE id = ?`,
		func(row *sql.Row) (*types.Product, error) { return scanProduct(row) },
		sqlm.logger, "database", id)
}

// SaveProduct inserts or replaces the product record
func (sqlm *SQLiteManager) SaveProduct(ctx context.Context, p *types.Product) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	refs := p.References
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := marshalJSON(refs)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}

	_, err = ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			approx_size = excluded.approx_size,
			acquisition_date = excluded.acquisition_date,
			footprint = excluded.footprint,
			status = excluded.status,
			refs = excluded.refs,
			claimed_by = excluded.claimed_by,
			local_path = excluded.local_path,
			checksum = excluded.checksum,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		sqlm.logger, "database",
		p.ID, p.Name, p.URL, p.ApproxSize, toMillis(p.AcquisitionDate), p.Footprint, string(p.Status), refsJSON,
		p.ClaimedBy, p.LocalPath, p.Checksum, p.ErrorMessage, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save product %s: %w", p.ID, err)
	}
	return nil
}

// ListProducts returns products referenced by user, or every product when user is empty
func (sqlm *SQLiteManager) ListProducts(ctx context.Context, user string) ([]*types.Product, error) {
	if user == "" {
		return QueryRows(ctx, sqlm.db,
			`SELECT `+productColumns+` FROM products ORDER BY acquisition_date DESC, id`,
			func(rows *sql.Rows) (*types.Product, error) { return scanProduct(rows) },
			sqlm.logger, "database")
	}
	return QueryRows(ctx, sqlm.db,
		`SELECT `+productColumns+` FROM products
		WHERE EXISTS (SELECT 1 FROM json_each(products.refs) WHERE json_each.value = ?)
		ORDER BY acquisition_date DESC, id`,
		func(rows *sql.Rows) (*types.Product, error) { return scanProduct(rows) },
		sqlm.logger, "database", user)
}

// ListProductsByStatus returns every product in status
func (sqlm *SQLiteManager) ListProductsByStatus(ctx context.Context, status types.ProductStatus) ([]*types.Product, error) {
	return QueryRows(ctx, sqlm.db,
		`SELECT `+productColumns+` FROM products WHERE status = ? ORDER BY id`,
		func(rows *sql.Rows) (*types.Product, error) { return scanProduct(rows) },
		sqlm.logger, "database", string(status))
}

// GetNewestProductDate returns the latest acquisition date among downloaded products referenced by user.
// An empty footprint matches every footprint. ok is false when no such product exists.
func (sqlm *SQLiteManager) GetNewestProductDate(ctx context.Context, user string, footprint string) (time.Time, bool, error) {
	var newest sql.NullInt64
	err := sqlm.db.QueryRowContext(ctx, `
		SELECT MAX(acquisition_date) FROM products
		WHERE status = 'DOWNLOADED'
			AND acquisition_date > 0
			AND (? = '' OR footprint = ?)
			AND EXISTS (SELECT 1 FROM json_each(products.refs) WHERE json_each.value = ?)`,
		footprint, footprint, user).Scan(&newest)
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to query newest product date for %s: %v", user, err), "database")
		return time.Time{}, false, err
	}
	if !newest.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(newest.Int64), true, nil
}
