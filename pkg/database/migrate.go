// pkg/database/migrate.go
package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward-only schema step. Versions must be unique and
// increasing; applied versions are recorded in schema_migrations.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies every migration whose version is not yet recorded. Each
// step runs in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) (int, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := 0
	last := 0
	for _, m := range migrations {
		if m.Version <= last {
			return applied, fmt.Errorf("migration %d (%s) is out of order", m.Version, m.Name)
		}
		last = m.Version

		done, err := isApplied(ctx, db, m.Version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		if err := apply(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		applied++
	}

	return applied, nil
}

func isApplied(ctx context.Context, db *sql.DB, version int) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read migration state: %w", err)
	}
	return n > 0, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return err
	}

	return tx.Commit()
}
