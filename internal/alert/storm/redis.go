package storm

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
)

const keyStorm = "alert:storm:%s:%d"

// Redis counts hits across every instance using fixed windows.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedis(client *redis.Client, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.System()
	}
	return &Redis{client: client, clock: clk}
}

func (r *Redis) Hit(ctx context.Context, kind domain.Kind, size time.Duration) (int64, error) {
	start := r.clock.Now().Truncate(size)
	key := fmt.Sprintf(keyStorm, kind, start.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*size)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
