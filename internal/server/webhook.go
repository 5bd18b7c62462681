package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/railhook/internal/observability/context"
	"github.com/smallbiznis/railhook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"go.uber.org/zap"
)

const (
	messageQueued    = "Webhook received and queued"
	messageDuplicate = "Event already processed"
)

type webhookResponse struct {
	Success        bool   `json:"success"`
	EventID        string `json:"event_id"`
	WebhookEventID string `json:"webhook_event_id,omitempty"`
	Message        string `json:"message"`
}

// HandleWebhook accepts a provider delivery. Duplicates are acknowledged
// with 200 so the provider stops redelivering.
func (s *Server) HandleWebhook(c *gin.Context) {
	source := s.resolveSource(c)
	ctx := obscontext.WithSource(c.Request.Context(), source.String())
	c.Request = c.Request.WithContext(ctx)

	if !s.allowSource(c, source) {
		return
	}

	if limit := s.cfg.Webhook.MaxBodyBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.obsMetrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeTooLarge)
			AbortWithError(c, domain.ErrPayloadTooLarge)
			return
		}
		logger.WithContext(ctx, s.log).Warn("failed to read webhook body", zap.Error(err))
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ingestSvc.Ingest(ctx, domain.IngestRequest{
		Source:  source,
		Body:    body,
		Headers: c.Request.Header,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := webhookResponse{
		Success: true,
		EventID: result.EventID,
		Message: messageQueued,
	}
	if result.WebhookEventID != 0 {
		resp.WebhookEventID = result.WebhookEventID.String()
	}
	if result.Duplicate {
		resp.Message = messageDuplicate
	}
	c.JSON(http.StatusOK, resp)
}

// resolveSource reads the query parameter first, then the source header.
func (s *Server) resolveSource(c *gin.Context) domain.Source {
	if raw := strings.TrimSpace(c.Query("source")); raw != "" {
		return domain.ParseSource(raw)
	}
	header := strings.TrimSpace(s.cfg.Webhook.SourceHeader)
	if header == "" {
		header = "X-Webhook-Source"
	}
	return domain.ParseSource(c.GetHeader(header))
}

// allowSource applies the per-source limit. A limiter error lets the request
// through.
func (s *Server) allowSource(c *gin.Context, source domain.Source) bool {
	if !s.limiter.Enabled() {
		return true
	}

	ctx := c.Request.Context()
	res, err := s.limiter.AllowSource(ctx, source.String())
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("webhook rate limit check failed", zap.Error(err))
		return true
	}
	if res.Allowed {
		return true
	}

	logger.WithContext(ctx, s.log).Warn("webhook rate limit exceeded",
		zap.Int("limit", res.Limit),
		zap.Duration("retry_after", res.RetryAfter),
	)
	s.obsMetrics.RecordWebhookEvent(ctx, source.String(), obsmetrics.OutcomeRateLimited)
	c.Header("Retry-After", retryAfterSeconds(res.RetryAfter.Seconds()))
	AbortWithError(c, domain.ErrRateLimited)
	return false
}

func retryAfterSeconds(seconds float64) string {
	if seconds < 1 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(seconds)))
}
