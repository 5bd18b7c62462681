package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/railhook/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookIngestSource = "railhook:ingest:source:%s"

// NewRedisClient returns nil when rate limiting is disabled.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable, rate limiting fails open", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// SourceLimiter throttles ingestion per webhook source.
type SourceLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewSourceLimiter returns nil when client is nil; a nil limiter allows everything.
func NewSourceLimiter(client *redis.Client, cfg config.Config) (*SourceLimiter, error) {
	if client == nil {
		return nil, nil
	}
	limitCfg := cfg.RateLimit
	if limitCfg.SourceRate <= 0 || limitCfg.SourceBurst <= 0 {
		return nil, errors.New("webhook source rate limit must be positive")
	}
	return &SourceLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.SourceRate,
		burst:  limitCfg.SourceBurst,
	}, nil
}

func (l *SourceLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowSource takes one token from the bucket of source.
func (l *SourceLimiter) AllowSource(ctx context.Context, source string) (*Decision, error) {
	if !l.Enabled() {
		return &Decision{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, SourceKey(source), l.rate, l.burst)
}

func SourceKey(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf(keyWebhookIngestSource, source)
}
