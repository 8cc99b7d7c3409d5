package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Method string

const (
	MethodCash       Method = "CASH"
	MethodUPI        Method = "UPI"
	MethodCard       Method = "CARD"
	MethodWallet     Method = "WALLET"
	MethodQR         Method = "QR"
	MethodNetbanking Method = "NETBANKING"
	MethodEMI        Method = "EMI"
	MethodCredit     Method = "CREDIT"
)

// ParseMethod normalizes a method name. Unknown names return ErrInvalidMethod.
func ParseMethod(value string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(value))); m {
	case MethodCash, MethodUPI, MethodCard, MethodWallet, MethodQR, MethodNetbanking, MethodEMI, MethodCredit:
		return m, nil
	default:
		return "", ErrInvalidMethod
	}
}

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusSucceeded         Status = "SUCCEEDED"
	StatusFailed            Status = "FAILED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

// Captured reports whether money was taken, including payments later refunded.
func (s Status) Captured() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded || s == StatusRefunded
}

// Refundable reports whether a refund may be issued against the payment.
func (s Status) Refundable() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded
}

type Payment struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	RestaurantID     snowflake.ID      `json:"restaurant_id"`
	BillID           snowflake.ID      `json:"bill_id"`
	Method           Method            `json:"method"`
	Amount           int64             `json:"amount"`
	TipAmount        int64             `json:"tip_amount"`
	Status           Status            `json:"status"`
	GatewayOrderID   *string           `json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string           `json:"gateway_payment_id,omitempty"`
	SettlementID     *snowflake.ID     `json:"settlement_id,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata"`
	FailureReason    *string           `json:"failure_reason,omitempty"`
	SucceededAt      *time.Time        `json:"succeeded_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// GatewayBacked reports whether the payment has a gateway payment to refund against.
func (p Payment) GatewayBacked() bool {
	return p.Method != MethodCash && p.GatewayPaymentID != nil && *p.GatewayPaymentID != ""
}

// PendingFilter selects PENDING gateway payments for reconciliation.
type PendingFilter struct {
	CreatedBefore time.Time
	Limit         int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Payment, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Payment, error)
	FindByOrder(ctx context.Context, db *gorm.DB, billID snowflake.ID, gatewayOrderID string) (*Payment, error)
	ListByBill(ctx context.Context, db *gorm.DB, restaurantID, billID snowflake.ID) ([]Payment, error)
	ListPending(ctx context.Context, db *gorm.DB, filter PendingFilter) ([]Payment, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, payment *Payment) error

	InsertEvent(ctx context.Context, db *gorm.DB, event *GatewayEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*GatewayEvent, error)
	UpdateEventOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt *time.Time) error
}

type CreatePaymentRequest struct {
	Method         string         `json:"method"`
	Amount         int64          `json:"amount"`
	TipAmount      int64          `json:"tip_amount"`
	GatewayOrderID *string        `json:"gateway_order_id"`
	Manual         bool           `json:"manual"`
	Metadata       map[string]any `json:"metadata"`
}

type FailPaymentRequest struct {
	Reason string `json:"reason"`
}

// ReconcileResult summarizes one pass over PENDING payments.
type ReconcileResult struct {
	Scanned  int
	Resolved int
	Deferred int
}

type Service interface {
	Create(ctx context.Context, billID string, req CreatePaymentRequest) (*Payment, error)
	Get(ctx context.Context, id string) (*Payment, error)
	ListByBill(ctx context.Context, billID string) ([]Payment, error)
	Confirm(ctx context.Context, id string) (*Payment, error)
	Fail(ctx context.Context, id string, reason string) (*Payment, error)
	ApplyGatewaySuccess(ctx context.Context, event *Event) (Outcome, error)
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileResult, error)
}

var (
	ErrInvalidRestaurant  = errors.New("invalid_restaurant")
	ErrInvalidID          = errors.New("invalid_id")
	ErrInvalidMethod      = errors.New("invalid_method")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidTipAmount   = errors.New("invalid_tip_amount")
	ErrOverpayment        = errors.New("amount_exceeds_balance")
	ErrPaymentNotFound    = errors.New("payment_not_found")
	ErrPaymentNotPending  = errors.New("payment_not_pending")
	ErrPaymentFailed      = errors.New("payment_failed")
	ErrDuplicateOrder     = errors.New("duplicate_gateway_order")
	ErrAmountMismatch     = errors.New("amount_mismatch")
	ErrGatewayUnavailable = errors.New("upstream_unavailable")
)
