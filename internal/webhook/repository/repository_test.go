package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	webhooktesting "github.com/smallbiznis/railhook/internal/webhook/testing"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var testNode = mustNode()

func mustNode() *snowflake.Node {
	node, err := snowflake.NewNode(7)
	if err != nil {
		panic(err)
	}
	return node
}

func seedEvent(t *testing.T, db *gorm.DB, r domain.Repository, source, eventID string, now time.Time) (*domain.WebhookEvent, *domain.QueueItem) {
	t.Helper()
	ctx := context.Background()

	event := &domain.WebhookEvent{
		ID:        testNode.Generate(),
		Source:    source,
		EventType: "test.event",
		EventID:   eventID,
		Payload:   datatypes.JSON(`{"id":"` + eventID + `"}`),
		CreatedAt: now,
	}
	item := &domain.QueueItem{
		ID:             testNode.Generate(),
		WebhookEventID: event.ID,
		Status:         domain.QueueStatusPending,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := r.InsertEvent(ctx, tx, event); err != nil {
			return err
		}
		return r.Enqueue(ctx, tx, item)
	})
	require.NoError(t, err)
	return event, item
}

func TestInsertEventRejectsDuplicateNaturalKey(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, _ := seedEvent(t, db, r, "stripe", "evt_1", now)

	dup := &domain.WebhookEvent{
		ID:        testNode.Generate(),
		Source:    "stripe",
		EventType: "test.event",
		EventID:   "evt_1",
		Payload:   datatypes.JSON(`{}`),
		CreatedAt: now,
	}
	err := r.InsertEvent(ctx, db, dup)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	// Same event id under another source is a different event.
	other := &domain.WebhookEvent{
		ID:        testNode.Generate(),
		Source:    "zapier",
		EventType: "test.event",
		EventID:   "evt_1",
		Payload:   datatypes.JSON(`{}`),
		CreatedAt: now,
	}
	require.NoError(t, r.InsertEvent(ctx, db, other))

	id, err := r.FindEventID(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.Equal(t, first.ID, id)

	_, err = r.FindEventID(ctx, db, "stripe", "evt_missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	stored, err := r.FindEvent(ctx, db, first.ID)
	require.NoError(t, err)
	require.Equal(t, "evt_1", stored.EventID)
	require.JSONEq(t, `{"id":"evt_1"}`, string(stored.Payload))
	require.False(t, stored.Processed)
}

func TestEnsureEnqueuedIsIdempotent(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event, _ := seedEvent(t, db, r, "stripe", "evt_repair", now)
	inspector := webhooktesting.NewQueueInspector(db)
	require.NoError(t, inspector.DeleteItemForEvent(ctx, event.ID))

	newItem := func() *domain.QueueItem {
		return &domain.QueueItem{
			ID:             testNode.Generate(),
			WebhookEventID: event.ID,
			Status:         domain.QueueStatusPending,
			NextRetryAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	created, err := r.EnsureEnqueued(ctx, db, newItem())
	require.NoError(t, err)
	require.True(t, created)

	created, err = r.EnsureEnqueued(ctx, db, newItem())
	require.NoError(t, err)
	require.False(t, created)

	total, err := inspector.CountItems(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestClaimCompleteLifecycle(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event, item := seedEvent(t, db, r, "stripe", "evt_claim", now)
	_, future := seedEvent(t, db, r, "stripe", "evt_future", now)
	require.NoError(t, db.Exec(
		`UPDATE webhook_processing_queue SET next_retry_at = ? WHERE id = ?`,
		now.Add(time.Hour), future.ID,
	).Error)

	claimed, err := r.ClaimPending(ctx, db, domain.ClaimParams{
		WorkerID:    "worker-a",
		Limit:       10,
		MaxAttempts: 3,
		Now:         now,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, item.ID, claimed[0].Item.ID)
	require.Equal(t, domain.QueueStatusInProgress, claimed[0].Item.Status)
	require.Equal(t, event.ID, claimed[0].Event.ID)
	require.Equal(t, "evt_claim", claimed[0].Event.EventID)

	// A second claim sees nothing: the item is in progress.
	again, err := r.ClaimPending(ctx, db, domain.ClaimParams{WorkerID: "worker-b", Limit: 10, MaxAttempts: 3, Now: now})
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, r.MarkCompleted(ctx, db, item.ID, now))

	stored, err := r.FindQueueItem(ctx, db, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueStatusCompleted, stored.Status)
	require.Nil(t, stored.LockedBy)

	storedEvent, err := r.FindEvent(ctx, db, event.ID)
	require.NoError(t, err)
	require.True(t, storedEvent.Processed)

	err = r.MarkCompleted(ctx, db, item.ID, now)
	require.ErrorIs(t, err, domain.ErrInvalidQueueTransition)

	err = r.MarkCompleted(ctx, db, testNode.Generate(), now)
	require.ErrorIs(t, err, domain.ErrQueueItemNotFound)
}

func TestMarkFailedSchedulesRetryAndStopsAtMaxAttempts(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event, item := seedEvent(t, db, r, "quickbooks", "qb_1", now)
	params := domain.ClaimParams{WorkerID: "worker-a", Limit: 5, MaxAttempts: 2, Now: now}

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := r.ClaimPending(ctx, db, params)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		retryAt := params.Now.Add(time.Minute)
		require.NoError(t, r.MarkFailed(ctx, db, item.ID, domain.FailParams{
			Now:         params.Now,
			NextRetryAt: retryAt,
			Error:       "downstream unavailable",
		}))

		stored, err := r.FindQueueItem(ctx, db, item.ID)
		require.NoError(t, err)
		require.Equal(t, domain.QueueStatusFailed, stored.Status)
		require.Equal(t, attempt, stored.Attempts)
		require.NotNil(t, stored.LastError)
		require.Equal(t, "downstream unavailable", *stored.LastError)
		require.True(t, stored.NextRetryAt.Equal(retryAt))

		// Not yet due.
		early, err := r.ClaimPending(ctx, db, params)
		require.NoError(t, err)
		require.Empty(t, early)

		params.Now = retryAt
	}

	exhausted, err := r.ClaimPending(ctx, db, params)
	require.NoError(t, err)
	require.Empty(t, exhausted)

	storedEvent, err := r.FindEvent(ctx, db, event.ID)
	require.NoError(t, err)
	require.Equal(t, 2, storedEvent.RetryCount)
	require.False(t, storedEvent.Processed)

	err = r.MarkFailed(ctx, db, item.ID, domain.FailParams{Now: now, NextRetryAt: now, Error: "x"})
	require.True(t, errors.Is(err, domain.ErrInvalidQueueTransition))
}

func TestReleaseStaleAndCountByStatus(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, stale := seedEvent(t, db, r, "plaid", "p_1", now)
	_, fresh := seedEvent(t, db, r, "plaid", "p_2", now)
	seedEvent(t, db, r, "plaid", "p_3", now.Add(time.Hour))

	claimed, err := r.ClaimPending(ctx, db, domain.ClaimParams{WorkerID: "w", Limit: 10, MaxAttempts: 3, Now: now})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	inspector := webhooktesting.NewQueueInspector(db)
	require.NoError(t, inspector.BackdateLock(ctx, stale.ID, now.Add(-time.Hour)))

	counts, err := r.CountByStatus(ctx, db)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[domain.QueueStatusInProgress])
	require.EqualValues(t, 1, counts[domain.QueueStatusPending])
	require.EqualValues(t, 0, counts[domain.QueueStatusFailed])

	released, err := r.ReleaseStale(ctx, db, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	storedStale, err := r.FindQueueItem(ctx, db, stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueStatusPending, storedStale.Status)
	require.Nil(t, storedStale.LockedAt)

	storedFresh, err := r.FindQueueItem(ctx, db, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueStatusInProgress, storedFresh.Status)
}

func TestClaimPendingWithZeroLimit(t *testing.T) {
	db := webhooktesting.SetupDB(t)
	claimed, err := Provide().ClaimPending(context.Background(), db, domain.ClaimParams{Limit: 0, Now: time.Now()})
	require.NoError(t, err)
	require.Nil(t, claimed)
}
