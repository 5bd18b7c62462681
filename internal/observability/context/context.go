package context

import "context"

type requestIDKey struct{}
type sourceKey struct{}
type webhookEventIDKey struct{}

// WithRequestID stores the inbound request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithSource stores the webhook source tag handled by the request.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sourceKey{}).(string)
	return value
}

// WithWebhookEventID stores the stored event's internal id.
func WithWebhookEventID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, webhookEventIDKey{}, id)
}

func WebhookEventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(webhookEventIDKey{}).(string)
	return value
}
