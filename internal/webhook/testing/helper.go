// internal/webhook/testing/helper.go
package testing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/railhook/internal/migration"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"gorm.io/gorm"
)

// SetupDB opens an isolated in-memory sqlite database with the webhook schema.
func SetupDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps shared-cache table locks out of the picture.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySQLite(context.Background(), conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// QueueInspector reads and rewrites queue rows for tests.
type QueueInspector struct {
	db *gorm.DB
}

func NewQueueInspector(db *gorm.DB) *QueueInspector {
	return &QueueInspector{db: db}
}

// CountEvents returns the number of stored events for source.
func (qi *QueueInspector) CountEvents(ctx context.Context, source string) (int64, error) {
	var total int64
	err := qi.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM webhook_events WHERE source = ?`,
		source,
	).Scan(&total).Error
	return total, err
}

// CountItems returns the number of queue rows.
func (qi *QueueInspector) CountItems(ctx context.Context) (int64, error) {
	var total int64
	err := qi.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM webhook_processing_queue`,
	).Scan(&total).Error
	return total, err
}

// ItemForEvent returns the queue row of a stored event.
func (qi *QueueInspector) ItemForEvent(ctx context.Context, webhookEventID snowflake.ID) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := qi.db.WithContext(ctx).Raw(
		`SELECT id, webhook_event_id, status, attempts, next_retry_at,
			locked_by, locked_at, last_error, created_at, updated_at
		 FROM webhook_processing_queue
		 WHERE webhook_event_id = ?`,
		webhookEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrQueueItemNotFound
	}
	return &item, nil
}

// DeleteItemForEvent drops the queue row of an event, leaving the event orphaned.
func (qi *QueueInspector) DeleteItemForEvent(ctx context.Context, webhookEventID snowflake.ID) error {
	return qi.db.WithContext(ctx).Exec(
		`DELETE FROM webhook_processing_queue WHERE webhook_event_id = ?`,
		webhookEventID,
	).Error
}

// MakeReady moves next_retry_at into the past so the item can be claimed.
func (qi *QueueInspector) MakeReady(ctx context.Context, id snowflake.ID, now time.Time) error {
	return qi.db.WithContext(ctx).Exec(
		`UPDATE webhook_processing_queue SET next_retry_at = ? WHERE id = ?`,
		now.Add(-time.Second),
		id,
	).Error
}

// BackdateLock pretends the item was claimed at lockedAt.
func (qi *QueueInspector) BackdateLock(ctx context.Context, id snowflake.ID, lockedAt time.Time) error {
	return qi.db.WithContext(ctx).Exec(
		`UPDATE webhook_processing_queue SET locked_at = ? WHERE id = ?`,
		lockedAt,
		id,
	).Error
}
