package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railhook/internal/clock"
	obscontext "github.com/smallbiznis/railhook/internal/observability/context"
	"github.com/smallbiznis/railhook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	"github.com/smallbiznis/railhook/internal/observability/tracing"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"github.com/smallbiznis/railhook/internal/webhook/normalize"
	"github.com/smallbiznis/railhook/internal/webhook/signature"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	Verifier   *signature.Verifier
	Normalizer *normalize.Normalizer
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	verifier   *signature.Verifier
	normalizer *normalize.Normalizer
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		verifier:   p.Verifier,
		normalizer: p.Normalizer,
		metrics:    p.Metrics,
	}
}

// Ingest verifies, stores and enqueues one inbound webhook. Verification and
// normalization never touch the database; the event and its queue item are
// written in a single transaction.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	started := s.clock.Now()
	source := domain.ParseSource(req.Source.String())
	ctx = obscontext.WithSource(ctx, source.String())

	ctx, span := otel.Tracer("railhook/webhook").Start(ctx, "webhook.ingest")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(attribute.String("webhook.source", source.String()))...)

	log := logger.WithContext(ctx, s.log)
	defer func() {
		s.metrics.ObserveIngest(ctx, source.String(), s.clock.Now().Sub(started))
	}()

	claimed, present := signature.DetectFor(req.Headers, source)
	verdict := s.verifier.Verify(source, req.Body, claimed, present)
	s.recordSignature(ctx, source, verdict)

	switch verdict.Outcome {
	case signature.OutcomeInvalid:
		log.Warn("webhook signature rejected",
			zap.String("header", verdict.Claimed.Header),
			zap.String("reason", verdict.Reason),
		)
		s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeInvalidSignature)
		span.SetStatus(codes.Error, domain.ErrInvalidSignature.Error())
		return nil, domain.ErrInvalidSignature
	case signature.OutcomeSkipped:
		log.Warn("webhook signature present but not verified",
			zap.String("header", verdict.Claimed.Header),
			zap.String("reason", verdict.Reason),
		)
	}

	decoded, raw := normalize.Decode(req.Body)
	identity := s.normalizer.Normalize(source, decoded)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("webhook.event_type", identity.EventType),
		attribute.Bool("webhook.event_id_synthesized", identity.Synthesized),
	)...)

	now := s.clock.Now().UTC()
	event := &domain.WebhookEvent{
		ID:        s.genID.Generate(),
		Source:    source.String(),
		EventType: identity.EventType,
		EventID:   identity.EventID,
		Payload:   datatypes.JSON(raw),
		CreatedAt: now,
	}
	if present {
		value := domain.CleanText(claimed.Value)
		event.Signature = &value
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := s.repo.Enqueue(ctx, tx, s.newQueueItem(event.ID, now)); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return s.handleDuplicate(ctx, log, source, identity, now)
	}
	if err != nil {
		log.Error("failed to store webhook event",
			zap.String("event_type", identity.EventType),
			zap.String("event_id", identity.EventID),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeError)
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "store failed")
		return nil, err
	}

	s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeQueued)
	log.Info("webhook event queued",
		zap.String("event_type", identity.EventType),
		zap.String("event_id", identity.EventID),
		zap.String("webhook_event_id", event.ID.String()),
	)

	return &domain.IngestResult{
		EventID:        identity.EventID,
		EventType:      identity.EventType,
		WebhookEventID: event.ID,
	}, nil
}

// handleDuplicate acknowledges a redelivery and creates the queue item when an
// earlier attempt stored the event without one.
func (s *Service) handleDuplicate(
	ctx context.Context,
	log *zap.Logger,
	source domain.Source,
	identity normalize.Identity,
	now time.Time,
) (*domain.IngestResult, error) {
	webhookEventID, err := s.repo.FindEventID(ctx, s.db, source.String(), identity.EventID)
	if err != nil {
		log.Error("failed to load duplicate webhook event",
			zap.String("event_id", identity.EventID),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeError)
		return nil, err
	}

	repaired, err := s.repo.EnsureEnqueued(ctx, s.db, s.newQueueItem(webhookEventID, now))
	if err != nil {
		log.Error("failed to enqueue duplicate webhook event",
			zap.String("event_id", identity.EventID),
			zap.String("webhook_event_id", webhookEventID.String()),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeError)
		return nil, fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	if repaired {
		log.Warn("queue item recreated for stored webhook event",
			zap.String("event_id", identity.EventID),
			zap.String("webhook_event_id", webhookEventID.String()),
		)
	}

	s.metrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeDuplicate)
	log.Info("duplicate webhook event acknowledged",
		zap.String("event_type", identity.EventType),
		zap.String("event_id", identity.EventID),
	)

	return &domain.IngestResult{
		EventID:        identity.EventID,
		EventType:      identity.EventType,
		WebhookEventID: webhookEventID,
		Duplicate:      true,
		Repaired:       repaired,
	}, nil
}

func (s *Service) newQueueItem(webhookEventID snowflake.ID, now time.Time) *domain.QueueItem {
	return &domain.QueueItem{
		ID:             s.genID.Generate(),
		WebhookEventID: webhookEventID,
		Status:         domain.QueueStatusPending,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) recordSignature(ctx context.Context, source domain.Source, verdict signature.Result) {
	result := obsmetrics.SignatureAbsent
	switch verdict.Outcome {
	case signature.OutcomeValid:
		result = obsmetrics.SignatureValid
	case signature.OutcomeInvalid:
		result = obsmetrics.SignatureInvalid
	case signature.OutcomeSkipped:
		result = obsmetrics.SignatureSkipped
	}
	scheme := string(verdict.Scheme)
	if scheme == "" {
		scheme = string(verdict.Claimed.Scheme)
	}
	if scheme == "" {
		scheme = "none"
	}
	s.metrics.RecordSignatureCheck(ctx, source.String(), scheme, result)
}
