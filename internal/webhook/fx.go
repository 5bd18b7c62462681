package webhook

import (
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/webhook/normalize"
	"github.com/smallbiznis/railhook/internal/webhook/repository"
	"github.com/smallbiznis/railhook/internal/webhook/service"
	"github.com/smallbiznis/railhook/internal/webhook/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.domain",
	fx.Provide(repository.Provide),
	fx.Provide(normalize.New),
	fx.Provide(NewVerifier),
	fx.Provide(service.NewService),
	fx.Provide(service.RetryPolicyFromConfig),
	fx.Provide(service.NewQueue),
)

// NewVerifier builds the signature verifier from the provider secrets.
func NewVerifier(cfg config.Config, secrets *config.SecretsHolder, clk clock.Clock) *signature.Verifier {
	return signature.NewVerifier(secrets, clk,
		signature.WithStripeTolerance(cfg.Webhook.StripeTolerance),
		signature.WithRequireSecret(cfg.Webhook.RequireSecret),
	)
}
