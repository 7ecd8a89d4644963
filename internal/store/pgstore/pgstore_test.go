package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/platform/postgres"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("RDS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RDS_TEST_DATABASE_URL not set")
	}
	cfg := postgres.Config{
		URL:          url,
		PingTimeout:  5 * time.Second,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
	sqlDB, err := postgres.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := New(sqlDB)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	return db
}

func TestNewRequiresDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestDatasetLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	datasets, err := NewCollection[domain.Dataset](db)
	if err != nil {
		t.Fatalf("NewCollection() err=%v", err)
	}

	owner := "owner-" + uuid.NewString()
	created, err := datasets.Create(ctx, domain.Dataset{
		Owner:       owner,
		Name:        "wine",
		PrivatePath: "/data/private/wine",
		MockPath:    "/data/mock/wine",
	})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	t.Cleanup(func() { _, _ = datasets.Delete(context.Background(), created.ID) })

	_, err = datasets.Create(ctx, domain.Dataset{
		Owner:       owner,
		Name:        "wine",
		PrivatePath: "/x",
		MockPath:    "/y",
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	next := created
	next.Summary = "red and white"
	updated, err := datasets.Update(ctx, created.ID, next, created.Version)
	if err != nil {
		t.Fatalf("Update() err=%v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version=%d, want 2", updated.Version)
	}
	if _, err := datasets.Update(ctx, created.ID, next, created.Version); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := datasets.Query(ctx, store.Query{Filters: []store.Filter{store.Eq("owner", owner)}})
	if err != nil {
		t.Fatalf("Query() err=%v", err)
	}
	if len(got) != 1 || got[0].Summary != "red and white" {
		t.Fatalf("unexpected query result: %+v", got)
	}

	removed, err := datasets.Delete(ctx, created.ID)
	if err != nil || !removed {
		t.Fatalf("Delete() removed=%v err=%v", removed, err)
	}
	if _, err := datasets.Read(ctx, created.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
