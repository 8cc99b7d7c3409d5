package domain

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind groups alerts for storm detection and routing.
type Kind string

const (
	KindSignatureFailure Kind = "webhook.signature_failure"
	KindCaptureAfterFail Kind = "webhook.capture_after_fail"
	KindPayoutConflict   Kind = "payout.conflict"
	KindGatewayError     Kind = "gateway.error"
	KindSchedulerFailure Kind = "scheduler.job_failure"
	KindSettlementDrift  Kind = "settlement.drift"
)

type Alert struct {
	Kind         Kind
	Severity     Severity
	Title        string
	Message      string
	RestaurantID string
	Fields       map[string]string
	OccurredAt   time.Time
}

// Notifier delivers alerts without blocking the caller. Delivery failures are
// logged by the implementation and never returned.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Service adds storm detection on top of Notifier. Observe counts one
// occurrence of kind and raises a single alert when the configured threshold
// is reached inside the window.
type Service interface {
	Notifier
	Observe(ctx context.Context, kind Kind, fields map[string]string)
}

// StormDetector counts occurrences of kind in the current window.
type StormDetector interface {
	Hit(ctx context.Context, kind Kind, window time.Duration) (int64, error)
}
