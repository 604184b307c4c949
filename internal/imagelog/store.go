// Package imagelog persists OCR'd images per user in a relational store.
package imagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/neuraleye/internal/migration"
)

// StoreName keys the image log in _schema_version.
const StoreName = "imagelog"

var (
	// ErrUnsupportedDriver is returned by Open for unknown driver names.
	ErrUnsupportedDriver = errors.New("unsupported image log driver")
	// ErrNotFound is returned by Get when no record has the given id.
	ErrNotFound = errors.New("image not found")
)

// Record is one stored image with its extracted text.
type Record struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	ImageData     []byte    `json:"imageData"`
	ExtractedText string    `json:"extractedText"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store is a database/sql backed image log.
type Store struct {
	db      *sql.DB
	dialect migration.Dialect
	logger  *zap.Logger
	now     func() time.Time
}

// Open connects to the database named by driver and dsn. It does not apply
// migrations; call Migrate (or CheckVersion) before use.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Store, error) {
	d, err := migration.ParseDialect(driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open image log: %w", err)
	}

	if d == migration.SQLite {
		// WAL mode for concurrent reads
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping image log: %w", err)
	}

	return &Store{
		db:      db,
		dialect: d,
		logger:  logger.Named("imagelog"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dialect reports the SQL dialect of the underlying database.
func (s *Store) Dialect() migration.Dialect { return s.dialect }

// Migrate brings the schema up to the latest version. It refuses to touch a
// schema newer than this binary knows.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.CheckVersion(ctx); err != nil {
		return err
	}
	return s.runner().Migrate(ctx, s.db)
}

// CheckVersion refuses to run against a schema newer than this binary knows.
func (s *Store) CheckVersion(ctx context.Context) error {
	return migration.CheckVersion(ctx, s.db, s.dialect, StoreName, s.runner().Latest())
}

func (s *Store) runner() *migration.Runner {
	return migration.NewRunner(StoreName, s.dialect, migrations, s.logger)
}

// Save stores an image with its extracted text and returns the new record.
func (s *Store) Save(ctx context.Context, userID int64, image []byte, text string) (Record, error) {
	rec := Record{
		UserID:        userID,
		ImageData:     image,
		ExtractedText: text,
		CreatedAt:     s.now(),
	}
	const insert = `INSERT INTO images (user_id, image_data, extracted_text, created_at) VALUES (?, ?, ?, ?)`
	args := []any{rec.UserID, rec.ImageData, rec.ExtractedText, rec.CreatedAt.UnixMilli()}

	if s.dialect == migration.Postgres {
		err := s.db.QueryRowContext(ctx, s.dialect.Rebind(insert+` RETURNING id`), args...).Scan(&rec.ID)
		if err != nil {
			return Record{}, fmt.Errorf("insert image: %w", err)
		}
		return rec, nil
	}

	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return Record{}, fmt.Errorf("insert image: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("insert image id: %w", err)
	}
	return rec, nil
}

// ListByUser returns every image owned by userID, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, user_id, image_data, extracted_text, created_at
		 FROM images WHERE user_id = ? ORDER BY created_at DESC, id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns a single record by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT id, user_id, image_data, extracted_text, created_at FROM images WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Count returns the number of stored images.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return n, nil
}

// PruneBefore deletes images created before cutoff and returns how many went.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM images WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune images: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned image log", zap.Int64("deleted", n), zap.Time("before", cutoff))
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec       Record
		createdAt int64
	)
	if err := sc.Scan(&rec.ID, &rec.UserID, &rec.ImageData, &rec.ExtractedText, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan image: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}
