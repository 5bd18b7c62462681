package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxLastErrorLength = 1024

// RetryPolicy bounds redelivery of failed items.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy mirrors the worker defaults in config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	}
}

func RetryPolicyFromConfig(cfg config.Config) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.Worker.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Worker.MaxAttempts
	}
	if cfg.Worker.BackoffBase > 0 {
		policy.BackoffBase = cfg.Worker.BackoffBase
	}
	if cfg.Worker.BackoffMax > 0 {
		policy.BackoffMax = cfg.Worker.BackoffMax
	}
	return policy
}

// Backoff returns the delay before the next attempt once attempts have failed:
// base * 2^(attempts-1), capped at BackoffMax.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempts; i++ {
		if delay >= p.BackoffMax/2 {
			return p.BackoffMax
		}
		delay *= 2
	}
	if delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

type QueueParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Repo   domain.Repository
	Clock  clock.Clock
	Policy RetryPolicy
}

type Queue struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	clock  clock.Clock
	policy RetryPolicy
}

func NewQueue(p QueueParams) domain.Queue {
	return &Queue{
		db:     p.DB,
		log:    p.Log.Named("webhook.queue"),
		repo:   p.Repo,
		clock:  p.Clock,
		policy: p.Policy,
	}
}

func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]domain.ClaimedItem, error) {
	return q.repo.ClaimPending(ctx, q.db, domain.ClaimParams{
		WorkerID:    workerID,
		Limit:       limit,
		MaxAttempts: q.policy.MaxAttempts,
		Now:         q.clock.Now().UTC(),
	})
}

func (q *Queue) Complete(ctx context.Context, id snowflake.ID) error {
	return q.repo.MarkCompleted(ctx, q.db, id, q.clock.Now().UTC())
}

// Fail records a failed attempt and schedules the next one. An item whose
// attempts reach MaxAttempts stays failed and is never claimed again.
func (q *Queue) Fail(ctx context.Context, id snowflake.ID, cause error) error {
	item, err := q.repo.FindQueueItem(ctx, q.db, id)
	if err != nil {
		return err
	}

	now := q.clock.Now().UTC()
	attempts := item.Attempts + 1
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	message = domain.FitText(message, maxLastErrorLength)

	if err := q.repo.MarkFailed(ctx, q.db, id, domain.FailParams{
		Now:         now,
		NextRetryAt: now.Add(q.policy.Backoff(attempts)),
		Error:       message,
	}); err != nil {
		return err
	}

	if attempts >= q.policy.MaxAttempts {
		q.log.Warn("queue item exhausted retries",
			zap.String("queue_item_id", id.String()),
			zap.String("webhook_event_id", item.WebhookEventID.String()),
			zap.Int("attempts", attempts),
		)
	}
	return nil
}

// RecoverStale returns in_progress items locked longer than olderThan to
// pending so a crashed worker does not strand them.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock.Now().UTC()
	return q.repo.ReleaseStale(ctx, q.db, now.Add(-olderThan), now)
}

func (q *Queue) Depth(ctx context.Context) (map[domain.QueueStatus]int64, error) {
	return q.repo.CountByStatus(ctx, q.db)
}
