package storm

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock   `optional:"true"`
}

func Provide(p Params) domain.StormDetector {
	if p.Redis == nil {
		return NewMemory(p.Clock)
	}
	return NewRedis(p.Redis, p.Clock)
}
