// Package db is the persistent record of installed kegs, their linked
// files, and store-entry reference counts — the source of truth for what
// garbage collection is allowed to delete.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zerobrew/zerobrew/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS installed (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	store_key TEXT NOT NULL,
	installed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS linked_files (
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	link_path TEXT NOT NULL,
	target_path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_linked_files_name_version ON linked_files(name, version);

CREATE TABLE IF NOT EXISTS store_refs (
	store_key TEXT PRIMARY KEY,
	refcount INTEGER NOT NULL DEFAULT 0
);
`

// InstalledKeg is one row of the installed table.
type InstalledKeg struct {
	Name        string
	Version     string
	StoreKey    string
	InstalledAt time.Time
}

// LinkedFile is one row of the linked_files table.
type LinkedFile struct {
	Name       string
	Version    string
	LinkPath   string
	TargetPath string
}

// DB is the pipeline's persistent metadata store.
type DB struct {
	conn   *sql.DB
	logger log.Logger
}

// Open opens (creating if absent) the sqlite database at path.
func Open(path string, logger log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; single operator, single writer
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// RecordInstall inserts or replaces the installed row for name and
// increments store_refs[storeKey] (inserting with refcount 1 if absent),
// within a single transaction. If name was already installed against a
// different store_key, that previous key's refcount is decremented first,
// so refcount always equals the number of installed rows pointing at it —
// reinstalling the same name at the same store_key is a net no-op.
func (d *DB) RecordInstall(ctx context.Context, name, version, storeKey string, installedAt time.Time) error {
	return withTx(ctx, d.conn, func(tx *sql.Tx) error {
		var prevStoreKey string
		err := tx.QueryRowContext(ctx, `SELECT store_key FROM installed WHERE name = ?`, name).Scan(&prevStoreKey)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO installed (name, version, store_key, installed_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET version = excluded.version, store_key = excluded.store_key, installed_at = excluded.installed_at`,
			name, version, storeKey, installedAt.Unix(),
		); err != nil {
			return err
		}

		if prevStoreKey != "" && prevStoreKey != storeKey {
			if err := bumpRefcount(ctx, tx, prevStoreKey, -1); err != nil {
				return err
			}
		}
		if prevStoreKey == storeKey {
			return nil
		}
		return bumpRefcount(ctx, tx, storeKey, 1)
	})
}

// RecordLinkedFile appends a linked_files row.
func (d *DB) RecordLinkedFile(ctx context.Context, name, version, linkPath, targetPath string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO linked_files (name, version, link_path, target_path) VALUES (?, ?, ?, ?)`,
		name, version, linkPath, targetPath,
	)
	return err
}

// RecordUninstall deletes name's linked files and installed row and
// decrements its store_refs entry, within a single transaction.
func (d *DB) RecordUninstall(ctx context.Context, name string) error {
	return withTx(ctx, d.conn, func(tx *sql.Tx) error {
		var storeKey string
		err := tx.QueryRowContext(ctx, `SELECT store_key FROM installed WHERE name = ?`, name).Scan(&storeKey)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM linked_files WHERE name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM installed WHERE name = ?`, name); err != nil {
			return err
		}
		return bumpRefcount(ctx, tx, storeKey, -1)
	})
}

// GetUnreferencedStoreKeys returns every store_refs key whose refcount is
// zero — candidates for garbage collection.
func (d *DB) GetUnreferencedStoreKeys(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT store_key FROM store_refs WHERE refcount = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetRefcount returns the current refcount for storeKey, or 0 if the key
// has no store_refs row at all.
func (d *DB) GetRefcount(ctx context.Context, storeKey string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT refcount FROM store_refs WHERE store_key = ?`, storeKey).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// ListInstalled returns every installed keg, ordered by name.
func (d *DB) ListInstalled(ctx context.Context) ([]InstalledKeg, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT name, version, store_key, installed_at FROM installed ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kegs []InstalledKeg
	for rows.Next() {
		var k InstalledKeg
		var installedAt int64
		if err := rows.Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt); err != nil {
			return nil, err
		}
		k.InstalledAt = time.Unix(installedAt, 0)
		kegs = append(kegs, k)
	}
	return kegs, rows.Err()
}

// GetInstalled returns the installed row for name, or ok=false if absent.
func (d *DB) GetInstalled(ctx context.Context, name string) (InstalledKeg, bool, error) {
	var k InstalledKeg
	var installedAt int64
	err := d.conn.QueryRowContext(ctx, `SELECT name, version, store_key, installed_at FROM installed WHERE name = ?`, name).
		Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt)
	if err == sql.ErrNoRows {
		return InstalledKeg{}, false, nil
	}
	if err != nil {
		return InstalledKeg{}, false, err
	}
	k.InstalledAt = time.Unix(installedAt, 0)
	return k, true, nil
}

// LinkedFilesFor returns every linked_files row recorded for name/version.
func (d *DB) LinkedFilesFor(ctx context.Context, name, version string) ([]LinkedFile, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, version, link_path, target_path FROM linked_files WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []LinkedFile
	for rows.Next() {
		var f LinkedFile
		if err := rows.Scan(&f.Name, &f.Version, &f.LinkPath, &f.TargetPath); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteStoreRef removes a store_refs row entirely, used by garbage
// collection once the corresponding StoreEntry has been deleted from disk.
func (d *DB) DeleteStoreRef(ctx context.Context, storeKey string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM store_refs WHERE store_key = ? AND refcount = 0`, storeKey)
	return err
}

func bumpRefcount(ctx context.Context, tx *sql.Tx, storeKey string, delta int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO store_refs (store_key, refcount) VALUES (?, ?)
		 ON CONFLICT(store_key) DO UPDATE SET refcount = refcount + ?`,
		storeKey, max(delta, 0), delta,
	)
	return err
}

func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
