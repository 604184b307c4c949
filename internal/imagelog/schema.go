package imagelog

import (
	"context"
	"database/sql"

	"github.com/marcus-qen/neuraleye/internal/migration"
)

var migrations = []migration.Migration{
	{
		Version:     1,
		Description: "create images table",
		Up: func(ctx context.Context, tx *sql.Tx, d migration.Dialect) error {
			if _, err := tx.ExecContext(ctx, createImagesTable(d)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX idx_images_user ON images(user_id)`)
			return err
		},
		Down: func(ctx context.Context, tx *sql.Tx, _ migration.Dialect) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE images`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index images by creation time for retention pruning",
		Up: func(ctx context.Context, tx *sql.Tx, _ migration.Dialect) error {
			_, err := tx.ExecContext(ctx, `CREATE INDEX idx_images_created ON images(created_at)`)
			return err
		},
		Down: func(ctx context.Context, tx *sql.Tx, d migration.Dialect) error {
			stmt := `DROP INDEX idx_images_created`
			if d == migration.MySQL {
				stmt += ` ON images`
			}
			_, err := tx.ExecContext(ctx, stmt)
			return err
		},
	},
}

func createImagesTable(d migration.Dialect) string {
	switch d {
	case migration.Postgres:
		return `CREATE TABLE images (
			id             BIGSERIAL PRIMARY KEY,
			user_id        BIGINT NOT NULL,
			image_data     BYTEA NOT NULL,
			extracted_text TEXT NOT NULL,
			created_at     BIGINT NOT NULL
		)`
	case migration.MySQL:
		return `CREATE TABLE images (
			id             BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id        BIGINT NOT NULL,
			image_data     LONGBLOB NOT NULL,
			extracted_text TEXT NOT NULL,
			created_at     BIGINT NOT NULL
		)`
	default:
		return `CREATE TABLE images (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id        INTEGER NOT NULL,
			image_data     BLOB NOT NULL,
			extracted_text TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		)`
	}
}
