package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"github.com/smallbiznis/railhook/internal/webhook/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

// ObjectPutter is the subset of *s3.Client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver copies stored payloads to a bucket. Keys are derived from the
// stored row, so a retried item overwrites the same object.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

func NewArchiver(client ObjectPutter, bucket, prefix string, log *zap.Logger) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.Named("webhook.archive"),
	}
}

// NewS3Client builds a client for AWS or any S3-compatible endpoint.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Key returns prefix/source/YYYY/MM/DD/<id>.json using the row's creation date.
func (a *Archiver) Key(ev domain.WebhookEvent) string {
	created := ev.CreatedAt.UTC()
	return path.Join(
		a.prefix,
		ev.Source,
		created.Format("2006"),
		created.Format("01"),
		created.Format("02"),
		ev.ID.String()+".json",
	)
}

// Handle implements domain.Handler.
func (a *Archiver) Handle(ctx context.Context, ev domain.WebhookEvent) error {
	if len(ev.Payload) == 0 {
		return errors.New("archive: empty payload")
	}

	key := a.Key(ev)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ev.Payload),
		ContentType: aws.String(contentTypeJSON),
		Metadata: map[string]string{
			"source":     ev.Source,
			"event-type": ev.EventType,
			"event-id":   ev.EventID,
		},
	})
	if err != nil {
		a.log.Warn("failed to archive webhook payload",
			zap.String("source", ev.Source),
			zap.String("event_id", ev.EventID),
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("archive %s: %w", key, err)
	}

	a.log.Debug("webhook payload archived",
		zap.String("source", ev.Source),
		zap.String("key", key),
	)
	return nil
}

type RegistrationParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type RegistrationResult struct {
	fx.Out

	Registration worker.Registration `group:"webhook_handlers"`
}

// ProvideRegistration adds the archiver to the fallback chain when archiving
// is enabled.
func ProvideRegistration(p RegistrationParams) (RegistrationResult, error) {
	cfg := p.Config.Archive
	if !cfg.Enabled {
		return RegistrationResult{}, nil
	}
	if cfg.Bucket == "" {
		return RegistrationResult{}, errors.New("archive bucket is required")
	}

	client, err := NewS3Client(context.Background(), cfg)
	if err != nil {
		return RegistrationResult{}, err
	}

	p.Log.Info("archiving webhook payloads",
		zap.String("bucket", cfg.Bucket),
		zap.String("prefix", cfg.Prefix),
	)
	return RegistrationResult{
		Registration: worker.Registration{
			Handler: NewArchiver(client, cfg.Bucket, cfg.Prefix, p.Log),
		},
	}, nil
}

var Module = fx.Module("webhook.archive",
	fx.Provide(ProvideRegistration),
)
