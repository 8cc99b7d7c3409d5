package payment

import (
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/payment/adapters"
	"github.com/smallbiznis/tablepay/internal/payment/adapters/hmacgateway"
	"github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tablepay/internal/payment/service"
	"github.com/smallbiznis/tablepay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewRegistry configures the webhook adapter for the deployment's gateway.
// Without a secret the provider stays registered and rejects every delivery.
func NewRegistry(cfg config.Config, log *zap.Logger) *adapters.Registry {
	registry := adapters.NewRegistry(hmacgateway.NewFactory(cfg.Gateway.WebhookProvider))
	err := registry.Configure(domain.AdapterConfig{
		Provider:  cfg.Gateway.WebhookProvider,
		Secret:    cfg.Gateway.WebhookSecret,
		Tolerance: cfg.Gateway.WebhookTolerance,
	})
	if err != nil {
		log.Warn("gateway webhooks disabled", zap.String("provider", cfg.Gateway.WebhookProvider), zap.Error(err))
	}
	return registry
}
