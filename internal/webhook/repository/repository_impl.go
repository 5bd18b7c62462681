package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	pkgdb "github.com/smallbiznis/railhook/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, source, event_type, event_id, payload, signature,
			processed, retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Source,
		event.EventType,
		event.EventID,
		event.Payload,
		event.Signature,
		event.Processed,
		event.RetryCount,
		event.CreatedAt,
	).Error
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateEvent, event.Source, event.EventID)
		}
		return err
	}
	return nil
}

func (r *repo) FindEventID(ctx context.Context, db *gorm.DB, source, eventID string) (snowflake.ID, error) {
	var row struct {
		ID snowflake.ID
	}
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM webhook_events
		 WHERE source = ? AND event_id = ?
		 LIMIT 1`,
		source,
		eventID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.ID == 0 {
		return 0, domain.ErrEventNotFound
	}
	return row.ID, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, source, event_type, event_id, payload, signature,
			processed, retry_count, created_at
		 FROM webhook_events
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, domain.ErrEventNotFound
	}
	return &event, nil
}

func (r *repo) Enqueue(ctx context.Context, db *gorm.DB, item *domain.QueueItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_processing_queue (
			id, webhook_event_id, status, attempts, next_retry_at,
			locked_by, locked_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.WebhookEventID,
		item.Status,
		item.Attempts,
		item.NextRetryAt,
		item.LockedBy,
		item.LockedAt,
		item.LastError,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) EnsureEnqueued(ctx context.Context, db *gorm.DB, item *domain.QueueItem) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_processing_queue (
			id, webhook_event_id, status, attempts, next_retry_at,
			locked_by, locked_at, last_error, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM webhook_processing_queue WHERE webhook_event_id = ?
		)`,
		item.ID,
		item.WebhookEventID,
		item.Status,
		item.Attempts,
		item.NextRetryAt,
		item.CreatedAt,
		item.UpdatedAt,
		item.WebhookEventID,
	)
	if res.Error != nil {
		// A concurrent repair won the unique index on webhook_event_id.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindQueueItem(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, webhook_event_id, status, attempts, next_retry_at,
			locked_by, locked_at, last_error, created_at, updated_at
		 FROM webhook_processing_queue
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrQueueItemNotFound
	}
	return &item, nil
}

type claimRow struct {
	ItemID         snowflake.ID
	WebhookEventID snowflake.ID
	Status         domain.QueueStatus
	Attempts       int
	NextRetryAt    time.Time
	ItemCreatedAt  time.Time
	Source         string
	EventType      string
	EventID        string
	Payload        datatypes.JSON
	Signature      *string
	Processed      bool
	RetryCount     int
	EventCreatedAt time.Time
}

// ClaimPending moves eligible items to in_progress. Candidates are locked with
// SKIP LOCKED where the dialect supports it; the status predicate on the
// update keeps the transition a compare-and-set everywhere else.
func (r *repo) ClaimPending(ctx context.Context, db *gorm.DB, params domain.ClaimParams) ([]domain.ClaimedItem, error) {
	if params.Limit <= 0 {
		return nil, nil
	}

	var claimed []domain.ClaimedItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id
			 FROM webhook_processing_queue
			 WHERE status IN (?, ?)
			   AND attempts < ?
			   AND next_retry_at <= ?
			 ORDER BY next_retry_at ASC, id ASC
			 LIMIT ?`
		if pkgdb.SupportsSkipLocked(tx.Dialector.Name()) {
			query += `
			 FOR UPDATE SKIP LOCKED`
		}

		var candidates []struct {
			ID snowflake.ID
		}
		if err := tx.Raw(query,
			domain.QueueStatusPending,
			domain.QueueStatusFailed,
			params.MaxAttempts,
			params.Now,
			params.Limit,
		).Scan(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		won := make([]snowflake.ID, 0, len(candidates))
		for _, candidate := range candidates {
			id := candidate.ID
			res := tx.Exec(
				`UPDATE webhook_processing_queue
				 SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
				 WHERE id = ? AND status IN (?, ?)`,
				domain.QueueStatusInProgress,
				params.WorkerID,
				params.Now,
				params.Now,
				id,
				domain.QueueStatusPending,
				domain.QueueStatusFailed,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				won = append(won, id)
			}
		}
		if len(won) == 0 {
			return nil
		}

		var rows []claimRow
		if err := tx.Raw(
			`SELECT q.id AS item_id, q.webhook_event_id, q.status, q.attempts,
				q.next_retry_at, q.created_at AS item_created_at,
				e.source, e.event_type, e.event_id, e.payload, e.signature,
				e.processed, e.retry_count, e.created_at AS event_created_at
			 FROM webhook_processing_queue q
			 JOIN webhook_events e ON e.id = q.webhook_event_id
			 WHERE q.id IN ?
			 ORDER BY q.next_retry_at ASC, q.id ASC`,
			won,
		).Scan(&rows).Error; err != nil {
			return err
		}

		claimed = make([]domain.ClaimedItem, 0, len(rows))
		for _, row := range rows {
			workerID := params.WorkerID
			lockedAt := params.Now
			claimed = append(claimed, domain.ClaimedItem{
				Item: domain.QueueItem{
					ID:             row.ItemID,
					WebhookEventID: row.WebhookEventID,
					Status:         row.Status,
					Attempts:       row.Attempts,
					NextRetryAt:    row.NextRetryAt,
					LockedBy:       &workerID,
					LockedAt:       &lockedAt,
					CreatedAt:      row.ItemCreatedAt,
					UpdatedAt:      params.Now,
				},
				Event: domain.WebhookEvent{
					ID:         row.WebhookEventID,
					Source:     row.Source,
					EventType:  row.EventType,
					EventID:    row.EventID,
					Payload:    row.Payload,
					Signature:  row.Signature,
					Processed:  row.Processed,
					RetryCount: row.RetryCount,
					CreatedAt:  row.EventCreatedAt,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		eventID, err := r.transition(tx, id,
			`UPDATE webhook_processing_queue
			 SET status = ?, locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.QueueStatusCompleted, now, id, domain.QueueStatusInProgress,
		)
		if err != nil {
			return err
		}
		return tx.Exec(
			`UPDATE webhook_events SET processed = ? WHERE id = ?`,
			true,
			eventID,
		).Error
	})
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, params domain.FailParams) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		eventID, err := r.transition(tx, id,
			`UPDATE webhook_processing_queue
			 SET status = ?, attempts = attempts + 1, next_retry_at = ?,
				 locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.QueueStatusFailed, params.NextRetryAt, params.Error, params.Now, id, domain.QueueStatusInProgress,
		)
		if err != nil {
			return err
		}
		return tx.Exec(
			`UPDATE webhook_events SET retry_count = retry_count + 1 WHERE id = ?`,
			eventID,
		).Error
	})
}

// transition runs a guarded update on one queue item and returns its event id.
func (r *repo) transition(tx *gorm.DB, id snowflake.ID, query string, args ...any) (snowflake.ID, error) {
	var row struct {
		WebhookEventID snowflake.ID
	}
	if err := tx.Raw(
		`SELECT webhook_event_id FROM webhook_processing_queue WHERE id = ?`,
		id,
	).Scan(&row).Error; err != nil {
		return 0, err
	}
	if row.WebhookEventID == 0 {
		return 0, domain.ErrQueueItemNotFound
	}

	res := tx.Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrInvalidQueueTransition
	}
	return row.WebhookEventID, nil
}

func (r *repo) ReleaseStale(ctx context.Context, db *gorm.DB, lockedBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_processing_queue
		 SET status = ?, locked_by = NULL, locked_at = NULL, next_retry_at = ?, updated_at = ?
		 WHERE status = ? AND locked_at < ?`,
		domain.QueueStatusPending,
		now,
		now,
		domain.QueueStatusInProgress,
		lockedBefore,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.QueueStatus]int64, error) {
	var rows []struct {
		Status domain.QueueStatus
		Total  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total
		 FROM webhook_processing_queue
		 GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[domain.QueueStatus]int64{
		domain.QueueStatusPending:    0,
		domain.QueueStatusInProgress: 0,
		domain.QueueStatusCompleted:  0,
		domain.QueueStatusFailed:     0,
	}
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}
