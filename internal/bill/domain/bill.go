package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/pkg/db/pagination"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Bill is the running tab for one table or order cycle. Amounts are minor units.
type Bill struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	RestaurantID      snowflake.ID `json:"restaurant_id"`
	TableRef          *string      `json:"table_ref,omitempty"`
	Subtotal          int64        `json:"subtotal"`
	TaxCGST           int64        `json:"tax_cgst" gorm:"column:tax_cgst"`
	TaxSGST           int64        `json:"tax_sgst" gorm:"column:tax_sgst"`
	Discount          int64        `json:"discount"`
	ServiceCharge     int64        `json:"service_charge"`
	Total             int64        `json:"total"`
	PaidAmount        int64        `json:"paid_amount"`
	Balance           int64        `json:"balance"`
	Status            Status       `json:"status"`
	ForceClosed       bool         `json:"force_closed"`
	ClosedAt          *time.Time   `json:"closed_at,omitempty"`
	DiscountSettledAt *time.Time   `json:"discount_settled_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Bill) TableName() string { return "bills" }

// Amounts are the inputs that determine a bill's total.
type Amounts struct {
	Subtotal      int64
	TaxCGST       int64
	TaxSGST       int64
	Discount      int64
	ServiceCharge int64
}

func (a Amounts) Validate() error {
	if a.Subtotal < 0 || a.TaxCGST < 0 || a.TaxSGST < 0 || a.Discount < 0 || a.ServiceCharge < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Total is subtotal plus taxes and service charge, less discount, floored at zero.
func (a Amounts) Total() int64 {
	total := a.Subtotal + a.TaxCGST + a.TaxSGST + a.ServiceCharge - a.Discount
	if total < 0 {
		return 0
	}
	return total
}

func (b Bill) Amounts() Amounts {
	return Amounts{
		Subtotal:      b.Subtotal,
		TaxCGST:       b.TaxCGST,
		TaxSGST:       b.TaxSGST,
		Discount:      b.Discount,
		ServiceCharge: b.ServiceCharge,
	}
}

// PaymentTotals summarises the payments recorded against a bill.
type PaymentTotals struct {
	Gross         int64
	Refunded      int64
	Succeeded     int64
	Pending       int64
	PendingAmount int64
}

// Paid is gross successful payments less succeeded refunds, floored at zero.
func (t PaymentTotals) Paid() int64 {
	paid := t.Gross - t.Refunded
	if paid < 0 {
		return 0
	}
	return paid
}

// Payable is what a new payment may still take from balance once pending
// attempts are reserved.
func (t PaymentTotals) Payable(balance int64) int64 {
	return balance - t.PendingAmount
}

type ReopenPolicy int

const (
	// KeepClosed leaves a closed bill closed when its balance becomes positive.
	KeepClosed ReopenPolicy = iota
	// ReopenOnShortfall reopens a closed, not force-closed bill whose balance becomes positive.
	ReopenOnShortfall
)

type RecomputeResult struct {
	Closed   bool
	Reopened bool
}

type BillCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	RestaurantID snowflake.ID
	Status       Status
	Cursor       *BillCursor
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, bill *Bill) error
	FindByID(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Bill, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (*Bill, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Bill, error)
	Update(ctx context.Context, db *gorm.DB, bill *Bill) error
	PaymentTotals(ctx context.Context, db *gorm.DB, billID snowflake.ID) (PaymentTotals, error)
	DeleteFailedPayments(ctx context.Context, db *gorm.DB, billID snowflake.ID) error
	Delete(ctx context.Context, db *gorm.DB, restaurantID, id snowflake.ID) (int64, error)
}

type CreateBillRequest struct {
	TableRef      *string `json:"table_ref"`
	Subtotal      int64   `json:"subtotal"`
	TaxCGST       int64   `json:"tax_cgst"`
	TaxSGST       int64   `json:"tax_sgst"`
	Discount      int64   `json:"discount"`
	ServiceCharge int64   `json:"service_charge"`
}

// UpdateBillRequest changes only the amounts that are set.
type UpdateBillRequest struct {
	Subtotal      *int64 `json:"subtotal"`
	TaxCGST       *int64 `json:"tax_cgst"`
	TaxSGST       *int64 `json:"tax_sgst"`
	Discount      *int64 `json:"discount"`
	ServiceCharge *int64 `json:"service_charge"`
}

type ListBillRequest struct {
	pagination.Pagination
	Status string `form:"status"`
}

type ListBillResponse struct {
	pagination.PageInfo
	Bills []Bill `json:"bills"`
}

type Service interface {
	Create(ctx context.Context, req CreateBillRequest) (*Bill, error)
	Get(ctx context.Context, id string) (*Bill, error)
	List(ctx context.Context, req ListBillRequest) (ListBillResponse, error)
	UpdateAmounts(ctx context.Context, id string, req UpdateBillRequest) (*Bill, error)
	ForceClose(ctx context.Context, id string, reason string) (*Bill, error)
	Reopen(ctx context.Context, id string, reason string) (*Bill, error)
	Delete(ctx context.Context, id string) error

	// Lock loads a bill with a row lock inside the caller's transaction.
	Lock(ctx context.Context, tx *gorm.DB, restaurantID, id snowflake.ID) (*Bill, error)
	// Totals sums the bill's payments inside the caller's transaction.
	Totals(ctx context.Context, tx *gorm.DB, billID snowflake.ID) (PaymentTotals, error)
	// Recompute derives paid amount, balance and status from the bill's payments and refunds.
	Recompute(ctx context.Context, tx *gorm.DB, bill *Bill, policy ReopenPolicy) (RecomputeResult, error)
}

var (
	ErrInvalidRestaurant = errors.New("invalid_restaurant")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrBillNotFound      = errors.New("bill_not_found")
	ErrBillClosed        = errors.New("bill_closed")
	ErrBillNotClosed     = errors.New("bill_not_closed")
	ErrBillHasPayments   = errors.New("bill_has_payments")
)
