package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the on-device Backend default for a mesh node that has
// no Postgres reachable: a pure-Go, cgo-free embedded store for a single
// device's encrypted records (spec §4.5's "local encrypted store" mode).
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (creating if absent) a SQLite-backed vault store
// at path and ensures its schema exists.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open sqlite: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			purpose TEXT,
			sealed BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_vault_records_owner_id ON vault_records (owner_id);
	`)
	return err
}

func (b *SQLiteBackend) Insert(ctx context.Context, r row) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO vault_records (id, owner_id, purpose, sealed, created_at, updated_at, expires_at) VALUES (?,?,?,?,?,?,?)`,
		r.id, r.ownerID, r.purpose, r.sealed, r.createdAt, r.updatedAt, r.expiresAt,
	)
	if err != nil {
		return fmt.Errorf("vault: insert row: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (row, bool, error) {
	var r row
	err := b.db.QueryRowContext(ctx,
		`SELECT id, owner_id, purpose, sealed, created_at, updated_at, expires_at FROM vault_records WHERE id = ?`, id,
	).Scan(&r.id, &r.ownerID, &r.purpose, &r.sealed, &r.createdAt, &r.updatedAt, &r.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("vault: get row: %w", err)
	}
	return r, true, nil
}

func (b *SQLiteBackend) Update(ctx context.Context, r row) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE vault_records SET sealed = ?, updated_at = ? WHERE id = ?`,
		r.sealed, r.updatedAt, r.id,
	)
	if err != nil {
		return fmt.Errorf("vault: update row: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM vault_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("vault: delete row: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListByOwner(ctx context.Context, ownerID string) ([]row, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, owner_id, purpose, sealed, created_at, updated_at, expires_at FROM vault_records WHERE owner_id = ?`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("vault: list by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ownerID, &r.purpose, &r.sealed, &r.createdAt, &r.updatedAt, &r.expiresAt); err != nil {
			return nil, fmt.Errorf("vault: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM vault_records WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("vault: delete by owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vault: rows affected: %w", err)
	}
	return int(n), nil
}
