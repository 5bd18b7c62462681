package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Source string

const (
	SourceStripe     Source = "stripe"
	SourceQuickBooks Source = "quickbooks"
	SourcePlaid      Source = "plaid"
	SourceZapier     Source = "zapier"
	SourceUnknown    Source = "unknown"
)

// ParseSource normalizes a source tag. Unrecognized tags are kept verbatim so
// events from new senders are still stored under their own name; oversized
// tags are bounded with FitKey.
func ParseSource(raw string) Source {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return SourceUnknown
	}
	return Source(FitKey(value, MaxSourceLength))
}

func (s Source) String() string { return string(s) }

// WebhookEvent is one inbound notification. Rows are never rewritten by the
// ingest path; processed and retry_count belong to the queue consumer.
type WebhookEvent struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	Source     string         `json:"source" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_source_event"`
	EventType  string         `json:"event_type" gorm:"type:text;not null"`
	EventID    string         `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_source_event"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Signature  *string        `json:"signature,omitempty" gorm:"type:text"`
	Processed  bool           `json:"processed" gorm:"not null;default:false"`
	RetryCount int            `json:"retry_count" gorm:"not null;default:0"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is one unit of pending work for a stored WebhookEvent. There is at
// most one item per event.
type QueueItem struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	WebhookEventID snowflake.ID `json:"webhook_event_id" gorm:"not null;uniqueIndex"`
	Status         QueueStatus  `json:"status" gorm:"type:text;not null"`
	Attempts       int          `json:"attempts" gorm:"not null;default:0"`
	NextRetryAt    time.Time    `json:"next_retry_at" gorm:"not null;index"`
	LockedBy       *string      `json:"locked_by,omitempty" gorm:"type:text"`
	LockedAt       *time.Time   `json:"locked_at,omitempty"`
	LastError      *string      `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

func (QueueItem) TableName() string { return "webhook_processing_queue" }

// ClaimedItem is a queue item handed to a consumer together with its event.
type ClaimedItem struct {
	Item  QueueItem
	Event WebhookEvent
}

// ClaimParams bounds a claim batch.
type ClaimParams struct {
	WorkerID    string
	Limit       int
	MaxAttempts int
	Now         time.Time
}

// FailParams describes a failed processing attempt.
type FailParams struct {
	Now         time.Time
	NextRetryAt time.Time
	Error       string
}
