package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// migration pairs a forward script with its rollback script. Version is the
// .up.sql file name, which is also the key recorded in schema_migrations.
type migration struct {
	Version  string
	UpPath   string
	DownPath string // empty when no rollback script exists
}

// loadMigrations resolves the up/down script pairs under migrationsDir,
// ordered by version.
func loadMigrations(migrationsDir string) ([]migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	downs := make(map[string]string)
	var migs []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, upSuffix):
			migs = append(migs, migration{
				Version: name,
				UpPath:  filepath.Join(migrationsDir, name),
			})
		case strings.HasSuffix(name, downSuffix):
			downs[strings.TrimSuffix(name, downSuffix)] = filepath.Join(migrationsDir, name)
		}
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })

	for i := range migs {
		migs[i].DownPath = downs[strings.TrimSuffix(migs[i].Version, upSuffix)]
	}
	return migs, nil
}

func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	migs, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}

	for _, mig := range migs {
		if migrated, err := isMigrated(ctx, db, mig.Version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := os.ReadFile(mig.UpPath)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", mig.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", mig.Version, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", mig.Version, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, mig.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", mig.Version, err)
		}
	}

	return nil
}

// RollbackLastMigration undoes the most recently applied migration using its
// .down.sql script and removes its schema_migrations record. It is a no-op
// when nothing has been applied.
func RollbackLastMigration(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	var version string
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find last migration: %w", err)
	}

	migs, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	var down string
	for _, mig := range migs {
		if mig.Version == version {
			down = mig.DownPath
			break
		}
	}
	if down == "" {
		return fmt.Errorf("no rollback script for migration %s", version)
	}

	contents, err := os.ReadFile(down)
	if err != nil {
		return fmt.Errorf("read rollback %s: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback tx %s: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute rollback %s: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("unrecord migration %s: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
