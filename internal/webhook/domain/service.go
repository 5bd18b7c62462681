package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the Event Store and Processing Queue. Every method runs on
// the handle it is given so callers control transactions.
type Repository interface {
	// InsertEvent returns ErrDuplicateEvent when (source, event_id) already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	FindEventID(ctx context.Context, db *gorm.DB, source, eventID string) (snowflake.ID, error)
	FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookEvent, error)

	Enqueue(ctx context.Context, db *gorm.DB, item *QueueItem) error
	// EnsureEnqueued inserts item unless its event already has one and reports
	// whether a row was created.
	EnsureEnqueued(ctx context.Context, db *gorm.DB, item *QueueItem) (bool, error)
	FindQueueItem(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QueueItem, error)

	ClaimPending(ctx context.Context, db *gorm.DB, params ClaimParams) ([]ClaimedItem, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, params FailParams) error
	ReleaseStale(ctx context.Context, db *gorm.DB, lockedBefore, now time.Time) (int64, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[QueueStatus]int64, error)
}

// IngestRequest is the transport-free form of an inbound webhook.
type IngestRequest struct {
	Source  Source
	Body    []byte
	Headers http.Header
}

type IngestResult struct {
	EventID        string
	EventType      string
	WebhookEventID snowflake.ID
	Duplicate      bool
	// Repaired is set when a duplicate delivery created the missing queue item.
	Repaired bool
}

// Service accepts inbound webhooks.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
}

// Queue is the pull-based consumer contract over the processing queue.
type Queue interface {
	Claim(ctx context.Context, workerID string, limit int) ([]ClaimedItem, error)
	Complete(ctx context.Context, id snowflake.ID) error
	Fail(ctx context.Context, id snowflake.ID, cause error) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Depth(ctx context.Context) (map[QueueStatus]int64, error)
}

// Handler processes one claimed event. A nil error completes the item.
type Handler interface {
	Handle(ctx context.Context, event WebhookEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event WebhookEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event WebhookEvent) error {
	return f(ctx, event)
}
