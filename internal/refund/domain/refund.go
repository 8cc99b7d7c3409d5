package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

type Refund struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	RestaurantID    snowflake.ID `json:"restaurant_id"`
	PaymentID       snowflake.ID `json:"payment_id"`
	Amount          int64        `json:"amount"`
	Status          Status       `json:"status"`
	Reason          *string      `json:"reason,omitempty"`
	GatewayRefundID *string      `json:"gateway_refund_id,omitempty"`
	IdempotencyKey  *string      `json:"idempotency_key,omitempty"`
	FailureReason   *string      `json:"failure_reason,omitempty"`
	SubmittedAt     *time.Time   `json:"submitted_at,omitempty"`
	SucceededAt     *time.Time   `json:"succeeded_at,omitempty"`
	FailedAt        *time.Time   `json:"failed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (Refund) TableName() string { return "refunds" }

// Submitted reports whether the refund may have reached the gateway.
func (r *Refund) Submitted() bool {
	return r.SubmittedAt != nil || r.GatewayRefundID != nil
}

// Totals sums a payment's refunds by state. Pending refunds reserve headroom.
type Totals struct {
	Succeeded int64
	Pending   int64
}

// Available is what may still be refunded against a payment of amount.
func (t Totals) Available(amount int64) int64 {
	return amount - t.Succeeded - t.Pending
}

type PendingFilter struct {
	CreatedBefore time.Time
	Limit         int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, refund *Refund) error
	FindByID(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Refund, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Refund, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, key string) (*Refund, error)
	ListByPayment(ctx context.Context, db *gorm.DB, restaurantID, paymentID snowflake.ID) ([]Refund, error)
	ListPending(ctx context.Context, db *gorm.DB, filter PendingFilter) ([]Refund, error)
	Totals(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (Totals, error)
	Update(ctx context.Context, db *gorm.DB, refund *Refund) error
}

// CreateRefundRequest is replayed safely when IdempotencyKey is set: a
// second request with the same key returns the first refund.
type CreateRefundRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Manual         bool   `json:"manual"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ReconcileResult struct {
	Scanned  int
	Resolved int
	Deferred int
}

type Service interface {
	Refund(ctx context.Context, paymentID string, req CreateRefundRequest) (*Refund, error)
	Confirm(ctx context.Context, id string) (*Refund, error)
	Fail(ctx context.Context, id string, reason string) (*Refund, error)
	Cancel(ctx context.Context, id string) (*Refund, error)
	List(ctx context.Context, paymentID string) ([]Refund, error)
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileResult, error)
}

var (
	ErrInvalidRestaurant      = errors.New("invalid_restaurant")
	ErrInvalidID              = errors.New("invalid_id")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrRefundExceedsAvailable = errors.New("refund_exceeds_available")
	ErrPaymentNotRefundable   = errors.New("payment_not_refundable")
	ErrRefundNotFound         = errors.New("refund_not_found")
	ErrRefundNotPending       = errors.New("refund_not_pending")
	ErrRefundSubmitted        = errors.New("refund_submitted_to_gateway")
	ErrIdempotencyKeyReused   = errors.New("idempotency_key_reused")
	ErrGatewayUnavailable     = errors.New("upstream_unavailable")
)
