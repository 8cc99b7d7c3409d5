package metrics

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Error types written to scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeUpstream         = "upstream"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the job error counter label.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUpstream             = "upstream_unavailable"
	SchedulerJobReasonUnknown              = "unknown"
)

// ErrUpstream wraps gateway failures so reconcilers report them as upstream outages.
var ErrUpstream = errors.New("upstream_unavailable")

// Postgres SQLSTATE codes the reconcilers can hit while claiming rows.
var pgReasons = map[string]string{
	"55P03": SchedulerJobReasonDBLockTimeout,
	"40001": SchedulerJobReasonSerializationFailure,
	"23505": SchedulerJobReasonUniqueViolation,
}

// gormFailures are driver-independent errors that indicate a broken query or connection.
var gormFailures = []error{
	gorm.ErrInvalidDB,
	gorm.ErrInvalidTransaction,
	gorm.ErrInvalidData,
	gorm.ErrMissingWhereClause,
	gorm.ErrDuplicatedKey,
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func pgCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	return pgErr.Code, true
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range gormFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	_, ok := pgCode(err)
	return ok
}

// ClassifySchedulerErrorType buckets err for the job failure log line.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isDeadline(err):
		return SchedulerErrorTypeDeadlineExceeded
	case errors.Is(err, ErrUpstream):
		return SchedulerErrorTypeUpstream
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next run can be expected to succeed.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	return isDeadline(err) || errors.Is(err, ErrUpstream) || isDBError(err)
}

// ClassifySchedulerJobReason maps err to a low-cardinality counter label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isDeadline(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, ErrUpstream):
		return SchedulerJobReasonUpstream
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	}
	if code, ok := pgCode(err); ok {
		if reason, known := pgReasons[code]; known {
			return reason
		}
	}
	return SchedulerJobReasonUnknown
}
