package worker

import (
	"context"

	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registration binds a handler to a source. An empty Source registers the
// fallback used for sources without their own handler.
type Registration struct {
	Source  domain.Source
	Handler domain.Handler
}

type RegistryParams struct {
	fx.In

	Log           *zap.Logger
	Registrations []Registration `group:"webhook_handlers"`
}

// Registry resolves the handler for a claimed event.
type Registry struct {
	handlers map[domain.Source]domain.Handler
	fallback domain.Handler
}

func NewRegistry(p RegistryParams) *Registry {
	r := NewEmptyRegistry()
	for _, reg := range p.Registrations {
		r.Register(reg.Source, reg.Handler)
	}
	if r.fallback == nil {
		r.fallback = LogHandler(p.Log.Named("webhook.handler"))
	}
	return r
}

func NewEmptyRegistry() *Registry {
	return &Registry{handlers: map[domain.Source]domain.Handler{}}
}

// Register ignores nil handlers so optional modules can contribute nothing.
// A second handler for the same source runs after the first.
func (r *Registry) Register(source domain.Source, handler domain.Handler) {
	if handler == nil {
		return
	}
	if source == "" {
		r.fallback = chain(r.fallback, handler)
		return
	}
	r.handlers[source] = chain(r.handlers[source], handler)
}

func (r *Registry) Lookup(source domain.Source) (domain.Handler, bool) {
	if handler, ok := r.handlers[source]; ok {
		return handler, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Chain runs handlers in order and stops at the first error. A retry runs
// every handler again, so each must tolerate repeats.
type Chain []domain.Handler

func (c Chain) Handle(ctx context.Context, event domain.WebhookEvent) error {
	for _, h := range c {
		if err := h.Handle(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func chain(existing, next domain.Handler) domain.Handler {
	switch current := existing.(type) {
	case nil:
		return next
	case Chain:
		return append(current[:len(current):len(current)], next)
	default:
		return Chain{current, next}
	}
}

// LogHandler acknowledges events by logging them.
func LogHandler(log *zap.Logger) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, event domain.WebhookEvent) error {
		log.Info("webhook event acknowledged",
			zap.String("source", event.Source),
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.EventID),
			zap.String("webhook_event_id", event.ID.String()),
		)
		return nil
	})
}
