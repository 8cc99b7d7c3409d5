package alert

import (
	"context"

	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/alert/service"
	"github.com/smallbiznis/tablepay/internal/alert/storm"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(storm.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Invoke(func(lc fx.Lifecycle, s *service.Service) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				s.Close()
				return nil
			},
		})
	}),
)
