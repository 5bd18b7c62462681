package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BackoffBase: 30 * time.Second, BackoffMax: 5 * time.Minute}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 30 * time.Second},
		{attempts: 1, want: 30 * time.Second},
		{attempts: 2, want: time.Minute},
		{attempts: 3, want: 2 * time.Minute},
		{attempts: 4, want: 4 * time.Minute},
		{attempts: 5, want: 5 * time.Minute},
		{attempts: 60, want: 5 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Backoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	policy := RetryPolicyFromConfig(config.Config{})
	assert.Equal(t, DefaultRetryPolicy(), policy)

	policy = RetryPolicyFromConfig(config.Config{Worker: config.WorkerConfig{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}})
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BackoffBase)
	assert.Equal(t, time.Minute, policy.BackoffMax)
}

func newTestQueue(f *fixture, policy RetryPolicy) domain.Queue {
	return NewQueue(QueueParams{
		DB:     f.db,
		Log:    zap.NewNop(),
		Repo:   f.repo,
		Clock:  f.clock,
		Policy: policy,
	})
}

func TestQueueFailSchedulesBackoffUntilExhausted(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	queue := newTestQueue(f, RetryPolicy{MaxAttempts: 2, BackoffBase: time.Minute, BackoffMax: time.Hour})

	res, err := f.svc.Ingest(ctx, domain.IngestRequest{Source: domain.SourceStripe, Body: checkoutBody})
	require.NoError(t, err)

	claimed, err := queue.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	itemID := claimed[0].Item.ID
	assert.Equal(t, res.WebhookEventID, claimed[0].Event.ID)

	require.NoError(t, queue.Fail(ctx, itemID, errors.New("downstream 503")))

	item, err := f.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, item.NextRetryAt.Equal(f.clock.Now().Add(time.Minute)))

	claimed, err = queue.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due before backoff elapses")

	f.clock.Advance(time.Minute)
	claimed, err = queue.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, queue.Fail(ctx, itemID, errors.New("downstream 503")))

	f.clock.Advance(24 * time.Hour)
	claimed, err = queue.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted items are not claimed")

	event, err := f.repo.FindEvent(ctx, f.db, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, 2, event.RetryCount)
	assert.False(t, event.Processed)
}

func TestQueueCompleteMarksEventProcessed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	queue := newTestQueue(f, DefaultRetryPolicy())

	res, err := f.svc.Ingest(ctx, domain.IngestRequest{Source: domain.SourceStripe, Body: checkoutBody})
	require.NoError(t, err)

	claimed, err := queue.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, queue.Complete(ctx, claimed[0].Item.ID))

	event, err := f.repo.FindEvent(ctx, f.db, res.WebhookEventID)
	require.NoError(t, err)
	assert.True(t, event.Processed)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth[domain.QueueStatusCompleted])
	assert.EqualValues(t, 0, depth[domain.QueueStatusPending])

	require.ErrorIs(t, queue.Complete(ctx, claimed[0].Item.ID), domain.ErrInvalidQueueTransition)
}

func TestQueueRecoverStale(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	queue := newTestQueue(f, DefaultRetryPolicy())

	_, err := f.svc.Ingest(ctx, domain.IngestRequest{Source: domain.SourceStripe, Body: checkoutBody})
	require.NoError(t, err)

	claimed, err := queue.Claim(ctx, "crashed-worker", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	recovered, err := queue.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	f.clock.Advance(10 * time.Minute)
	recovered, err = queue.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	claimed, err = queue.Claim(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].Item.LockedBy)
	assert.Equal(t, "worker-2", *claimed[0].Item.LockedBy)
}

func TestQueueFailUnknownItem(t *testing.T) {
	f := newFixture(t, nil, nil)
	queue := newTestQueue(f, DefaultRetryPolicy())

	err := queue.Fail(context.Background(), 42, errors.New("boom"))
	require.ErrorIs(t, err, domain.ErrQueueItemNotFound)
}

func TestQueueFailTruncatesErrorOnRuneBoundary(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	queue := newTestQueue(f, DefaultRetryPolicy())

	res, err := f.svc.Ingest(ctx, domain.IngestRequest{Source: domain.SourceStripe, Body: checkoutBody})
	require.NoError(t, err)
	claimed, err := queue.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// One ASCII byte shifts every three-byte rune across the length limit.
	message := "x" + strings.Repeat("€", maxLastErrorLength)
	require.NoError(t, queue.Fail(ctx, claimed[0].Item.ID, errors.New(message)))

	item, err := f.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	require.NotNil(t, item.LastError)
	assert.True(t, utf8.ValidString(*item.LastError))
	assert.LessOrEqual(t, len(*item.LastError), maxLastErrorLength)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
}
