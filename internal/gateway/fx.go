package gateway

import (
	"errors"

	"github.com/smallbiznis/tablepay/internal/config"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Result struct {
	fx.Out

	Client    Client
	Transfers TransferClient
}

// Provide exposes the gateway client. Both outputs are nil when no base URL is configured,
// and Transfers is nil unless transfers are enabled.
func Provide(p Params) (Result, error) {
	client, err := NewHTTPClient(p.Config.Gateway, p.Log, p.Metrics)
	if errors.Is(err, ErrNotConfigured) {
		p.Log.Warn("payment gateway not configured; gateway-backed payments and refunds are disabled")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	out := Result{Client: client}
	if p.Config.Gateway.TransfersEnabled {
		out.Transfers = client
	}
	return out, nil
}

var Module = fx.Module("gateway",
	fx.Provide(Provide),
)
