package ledgererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConflictUnwrapsToSentinel(t *testing.T) {
	sentinel := errors.New("payout_state_changed")
	err := fmt.Errorf("mark paid: %w", RetryableConflict(sentinel, "PAID"))

	require.ErrorIs(t, err, sentinel)
	conflict, ok := AsConflict(err)
	require.True(t, ok)
	require.Equal(t, "PAID", conflict.CurrentStatus)
	require.True(t, conflict.Retryable)
	require.Equal(t, "payout_state_changed", conflict.Error())
}

func TestAsConflictIgnoresPlainErrors(t *testing.T) {
	_, ok := AsConflict(errors.New("boom"))
	require.False(t, ok)
}
