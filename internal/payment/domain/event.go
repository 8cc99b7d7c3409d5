package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// GatewayEvent is the receipt log row for one verified webhook delivery.
type GatewayEvent struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider       string         `json:"provider"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	BillID         *snowflake.ID  `json:"bill_id,omitempty"`
	GatewayOrderID *string        `json:"gateway_order_id,omitempty"`
	Payload        datatypes.JSON `json:"payload"`
	Outcome        *string        `json:"outcome,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

func (GatewayEvent) TableName() string { return "gateway_events" }

const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentCaptured  = "payment.captured"
	EventTypeOrderPaid        = "order.paid"
)

// IsPaymentSuccess reports whether the event type confirms a payment.
func IsPaymentSuccess(eventType string) bool {
	switch eventType {
	case EventTypePaymentSucceeded, EventTypePaymentCaptured, EventTypeOrderPaid:
		return true
	default:
		return false
	}
}

// Outcome is what a verified webhook delivery did to the ledger.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeFailedPayment Outcome = "failed_payment"
)

// Event is the canonical gateway event parsed by adapters.
type Event struct {
	Provider         string
	EventID          string
	Type             string
	BillID           snowflake.ID
	GatewayOrderID   string
	GatewayPaymentID string
	Amount           int64
	Method           string
	OccurredAt       time.Time
	RawPayload       []byte
}

type AdapterConfig struct {
	Provider  string
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (WebhookAdapter, error)
}

// WebhookAdapter verifies and parses one provider's webhook format.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns the event for every well-formed delivery. Correlation
	// fields are only guaranteed for payment success types.
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error)
}

var (
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrProviderNotFound    = errors.New("provider_not_found")
	ErrInvalidConfig       = errors.New("invalid_config")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrMissingCorrelation  = errors.New("missing_correlation_id")
	ErrTimestampOutOfRange = errors.New("timestamp_out_of_range")
)
