package storm

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHitResetsPerWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Hit(ctx, domain.KindSignatureFailure, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := m.Hit(ctx, domain.KindPayoutConflict, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clk.Advance(time.Minute)
	n, err = m.Hit(ctx, domain.KindSignatureFailure, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProvideWithoutRedis(t *testing.T) {
	_, ok := Provide(Params{}).(*Memory)
	assert.True(t, ok)
}
