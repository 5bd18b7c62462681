package migration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestApplySQLiteIsIdempotent(t *testing.T) {
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	ctx := context.Background()
	if err := RunMigrations(ctx, conn, "sqlite"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := RunMigrations(ctx, conn, "sqlite"); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	for _, table := range []string{"webhook_events", "webhook_processing_queue"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}

	now := time.Now().UTC()
	insert := `INSERT INTO webhook_events (id, source, event_type, event_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if err := conn.Exec(insert, 1, "stripe", "a", "evt_1", "{}", now).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := conn.Exec(insert, 2, "stripe", "a", "evt_1", "{}", now).Error; err == nil {
		t.Fatalf("expected unique constraint on (source, event_id)")
	}
}

func TestRunMigrationsRejectsUnknownDialect(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := RunMigrations(context.Background(), conn, "oracle"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEmbeddedDialectsHaveSameVersions(t *testing.T) {
	for _, dialect := range []string{"postgres", "mysql"} {
		entries, err := embeddedMigrations.ReadDir(migrationsDir + "/" + dialect)
		if err != nil {
			t.Fatalf("read %s: %v", dialect, err)
		}
		if len(entries) != 4 {
			t.Fatalf("expected up and down files for two versions in %s, got %d", dialect, len(entries))
		}
	}
}
