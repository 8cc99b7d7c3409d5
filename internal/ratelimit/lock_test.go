package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerWithoutClient(t *testing.T) {
	locker := NewLocker(nil)
	require.Nil(t, locker)
	assert.False(t, locker.Enabled())

	lease, err := locker.Acquire(context.Background(), "payout:retry:1", time.Second)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NoError(t, lease.Release(context.Background()))

	called := false
	err = locker.WithLock(context.Background(), "payout:retry:1", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.False(t, called)
}

func TestAcquireRejectsInvalidArguments(t *testing.T) {
	locker := NewLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	require.True(t, locker.Enabled())

	_, err := locker.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, errInvalidLock)
	_, err = locker.Acquire(context.Background(), "scheduler:close_settlements", 0)
	assert.ErrorIs(t, err, errInvalidLock)
}
