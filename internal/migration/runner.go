package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Migration describes a single schema change.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a human-readable summary.
	Description string
	// Up applies the migration inside tx.
	Up func(ctx context.Context, tx *sql.Tx, d Dialect) error
	// Down reverts the migration inside tx.
	Down func(ctx context.Context, tx *sql.Tx, d Dialect) error
}

// Runner applies ordered migrations to one store's tables.
type Runner struct {
	storeName  string
	dialect    Dialect
	migrations []Migration
	logger     *zap.Logger
}

// NewRunner creates a Runner for storeName with the given migrations.
// Migrations are sorted by Version ascending automatically.
func NewRunner(storeName string, d Dialect, migrations []Migration, logger *zap.Logger) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Runner{storeName: storeName, dialect: d, migrations: sorted, logger: logger}
}

// Latest returns the highest version this runner knows about.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Migrate applies all pending up-migrations in version order.
func (r *Runner) Migrate(ctx context.Context, db *sql.DB) error {
	return r.MigrateTo(ctx, db, r.Latest())
}

// MigrateTo moves the schema to targetVersion, applying up-migrations or
// rolling back as needed. Each step runs in its own transaction.
func (r *Runner) MigrateTo(ctx context.Context, db *sql.DB, targetVersion int) error {
	current, err := CurrentVersion(ctx, db, r.dialect, r.storeName)
	if err != nil {
		return fmt.Errorf("runner[%s] read current version: %w", r.storeName, err)
	}
	if targetVersion < current {
		return r.rollback(ctx, db, current, targetVersion)
	}

	for _, m := range r.migrations {
		if m.Version <= current || m.Version > targetVersion {
			continue
		}
		if err := r.applyUp(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) rollback(ctx context.Context, db *sql.DB, current, targetVersion int) error {
	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version <= targetVersion || m.Version > current {
			continue
		}
		prev := targetVersion
		if i > 0 && r.migrations[i-1].Version > targetVersion {
			prev = r.migrations[i-1].Version
		}
		if err := r.applyDown(ctx, db, m, prev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyUp(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runner[%s] begin tx for v%d: %w", r.storeName, m.Version, err)
	}
	if err := m.Up(ctx, tx, r.dialect); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runner[%s] up v%d (%s): %w", r.storeName, m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner[%s] commit v%d: %w", r.storeName, m.Version, err)
	}
	if err := SetVersion(ctx, db, r.dialect, r.storeName, m.Version); err != nil {
		return fmt.Errorf("runner[%s] set version %d: %w", r.storeName, m.Version, err)
	}

	r.logger.Info("migration applied",
		zap.String("store", r.storeName),
		zap.Int("version", m.Version),
		zap.String("description", m.Description),
	)
	return nil
}

func (r *Runner) applyDown(ctx context.Context, db *sql.DB, m Migration, prevVersion int) error {
	if m.Down == nil {
		return fmt.Errorf("runner[%s] no Down function for v%d", r.storeName, m.Version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runner[%s] begin tx for rollback v%d: %w", r.storeName, m.Version, err)
	}
	if err := m.Down(ctx, tx, r.dialect); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runner[%s] down v%d (%s): %w", r.storeName, m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner[%s] commit rollback v%d: %w", r.storeName, m.Version, err)
	}
	if err := SetVersion(ctx, db, r.dialect, r.storeName, prevVersion); err != nil {
		return fmt.Errorf("runner[%s] reset version to %d: %w", r.storeName, prevVersion, err)
	}

	r.logger.Info("migration rolled back",
		zap.String("store", r.storeName),
		zap.Int("version", m.Version),
		zap.Int("now_at", prevVersion),
	)
	return nil
}
