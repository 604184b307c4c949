package imagelog

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/migration"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "images.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "whatever", zap.NewNop())
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestSaveAndListByUser(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	first, err := s.Save(ctx, 7, []byte{0xff, 0xd8, 0x01}, "hello")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := s.Save(ctx, 7, []byte{0xff, 0xd8, 0x02}, "world")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Save(ctx, 8, []byte{0x00}, "other user"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.ID == 0 || second.ID == first.ID {
		t.Fatalf("expected distinct ids, got %d and %d", first.ID, second.ID)
	}

	list, err := s.ListByUser(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 images for user 7, got %d", len(list))
	}
	if list[0].ID != second.ID || list[0].ExtractedText != "world" {
		t.Fatalf("expected newest first, got %+v", list[0])
	}
	if !bytes.Equal(list[1].ImageData, []byte{0xff, 0xd8, 0x01}) {
		t.Fatalf("image bytes not round-tripped: %x", list[1].ImageData)
	}
	if !list[1].CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", list[1].CreatedAt, first.CreatedAt)
	}
}

func TestListByUserEmpty(t *testing.T) {
	s := openTestStore(t)
	list, err := s.ListByUser(context.Background(), 99)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", list)
	}
}

func TestGetAndNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.Save(ctx, 1, []byte("jpeg"), "text")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != 1 || got.ExtractedText != "text" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := s.Get(ctx, rec.ID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)

	s.now = func() time.Time { return old }
	if _, err := s.Save(ctx, 1, []byte("a"), ""); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return recent }
	if _, err := s.Save(ctx, 1, []byte("b"), ""); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneBefore(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining, got %d", count)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "images.db")

	s1, err := Open(ctx, "sqlite", path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Save(ctx, 3, []byte("frame"), "persisted"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(ctx, "sqlite", path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if err := s2.CheckVersion(ctx); err != nil {
		t.Fatalf("check version: %v", err)
	}
	list, err := s2.ListByUser(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ExtractedText != "persisted" {
		t.Fatalf("expected persisted record, got %+v", list)
	}
}

func TestCheckVersionRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := migration.SetVersion(ctx, s.db, s.dialect, StoreName, 99); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckVersion(ctx); err == nil {
		t.Fatal("expected error for newer schema")
	}
}

func TestSchemaRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.runner().MigrateTo(ctx, s.db, 0); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := s.Count(ctx); err == nil {
		t.Fatal("expected images table to be gone after rollback")
	}
}
