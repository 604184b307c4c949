// Package migration provides schema versioning, migration running and
// downgrade protection for the relay's SQL stores. It works against SQLite,
// PostgreSQL and MySQL.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name VARCHAR(64) NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at VARCHAR(64) NOT NULL
)`

// ensureTable creates the _schema_version table if it doesn't exist.
func ensureTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the schema version recorded for store.
// Returns 0 if nothing has been recorded yet.
func CurrentVersion(ctx context.Context, db *sql.DB, d Dialect, store string) (int, error) {
	if err := ensureTable(ctx, db); err != nil {
		return 0, err
	}

	var version int
	err := db.QueryRowContext(ctx,
		d.Rebind(`SELECT version FROM _schema_version WHERE store_name = ?`), store,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion inserts or updates the schema version recorded for store.
func SetVersion(ctx context.Context, db *sql.DB, d Dialect, store string, version int) error {
	if err := ensureTable(ctx, db); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := db.ExecContext(ctx,
		d.Rebind(`UPDATE _schema_version SET version = ?, applied_at = ? WHERE store_name = ?`),
		version, now, store,
	)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	if _, err := db.ExecContext(ctx,
		d.Rebind(`INSERT INTO _schema_version (store_name, version, applied_at) VALUES (?, ?, ?)`),
		store, version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// CheckVersion returns an error if the schema version stored for store is
// newer than binaryVersion. Call this during startup to prevent running an
// old binary against a newer schema.
func CheckVersion(ctx context.Context, db *sql.DB, d Dialect, store string, binaryVersion int) error {
	current, err := CurrentVersion(ctx, db, d, store)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"%s schema version %d is newer than binary version %d; refusing to start",
			store, current, binaryVersion,
		)
	}
	return nil
}
