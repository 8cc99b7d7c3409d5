package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderID(t *testing.T) {
	id, ok, err := headerID(" 101 ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(101), id.Int64())

	_, ok, err = headerID("")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, value := range []string{"abc", "-4", "0"} {
		_, _, err := headerID(value)
		assert.ErrorIs(t, err, errInvalidID, value)
	}
}

func TestParseTimeBound(t *testing.T) {
	start, err := parseTimeBound("2024-03-05", boundStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), *start)

	end, err := parseTimeBound("2024-03-05", boundEnd)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), *end)

	exact, err := parseTimeBound("2024-03-05T10:00:00+05:30", boundEnd)
	require.NoError(t, err)
	assert.Equal(t, 4, exact.UTC().Hour())

	missing, err := parseTimeBound(" ", boundStart)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = parseTimeBound("yesterday", boundStart)
	assert.ErrorIs(t, err, errInvalidTime)
}
