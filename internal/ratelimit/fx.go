package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("redis.lock",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
)
