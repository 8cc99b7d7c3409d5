package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	errInvalidID   = errors.New("invalid_snowflake_id")
	errInvalidTime = errors.New("invalid_time")
)

// headerID parses an optional positive snowflake. ok is false when the value is blank.
func headerID(value string) (id snowflake.ID, ok bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	id, err = snowflake.ParseString(value)
	if err != nil || id <= 0 {
		return 0, false, errInvalidID
	}
	return id, true, nil
}

type timeBound int

const (
	boundStart timeBound = iota
	boundEnd
)

// parseTimeBound accepts RFC3339 or a bare UTC date. A bare date covers the
// whole day: the start bound is its first instant and the end bound its last.
func parseTimeBound(value string, bound timeBound) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	day, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, errInvalidTime
	}
	if bound == boundEnd {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}
