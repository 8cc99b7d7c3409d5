package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BusinessDateLayout is the format of Settlement.BusinessDate.
const BusinessDateLayout = "2006-01-02"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
)

// Settlement is the per-restaurant, per-business-day aggregate of successful payments.
type Settlement struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	RestaurantID     snowflake.ID `json:"restaurant_id"`
	BusinessDate     string       `json:"business_date"`
	TotalSales       int64        `json:"total_sales"`
	Cash             int64        `json:"cash"`
	UPI              int64        `json:"upi" gorm:"column:upi"`
	Card             int64        `json:"card"`
	Wallet           int64        `json:"wallet"`
	QR               int64        `json:"qr" gorm:"column:qr"`
	Netbanking       int64        `json:"netbanking"`
	Other            int64        `json:"other"`
	Refunds          int64        `json:"refunds"`
	Tips             int64        `json:"tips"`
	Discounts        int64        `json:"discounts"`
	TransactionCount int64        `json:"transaction_count"`
	Status           Status       `json:"status"`
	CashCounted      *int64       `json:"cash_counted,omitempty"`
	CashVariance     int64        `json:"cash_variance"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (Settlement) TableName() string { return "settlements" }

// SuccessItem is one payment handed to the aggregator when it succeeds.
type SuccessItem struct {
	PaymentID snowflake.ID
	Method    string
	Amount    int64
	TipAmount int64
}

// RollbackItem reverses all or part of a previously aggregated payment.
type RollbackItem struct {
	PaymentID    snowflake.ID
	Method       string
	Amount       int64
	FullReversal bool
}

// Delta is a set of signed column increments applied in one statement.
type Delta struct {
	TotalSales       int64
	Buckets          map[string]int64
	Refunds          int64
	Tips             int64
	Discounts        int64
	TransactionCount int64
}

// AddMethod adds amount to the bucket for the payment method.
func (d *Delta) AddMethod(method string, amount int64) {
	if d.Buckets == nil {
		d.Buckets = map[string]int64{}
	}
	d.Buckets[BucketColumn(method)] += amount
}

func (d Delta) IsZero() bool {
	if d.TotalSales != 0 || d.Refunds != 0 || d.Tips != 0 || d.Discounts != 0 || d.TransactionCount != 0 {
		return false
	}
	for _, v := range d.Buckets {
		if v != 0 {
			return false
		}
	}
	return true
}

// bucketColumns maps payment methods to their settlement bucket.
var bucketColumns = map[string]string{
	"CASH":       "cash",
	"UPI":        "upi",
	"CARD":       "card",
	"WALLET":     "wallet",
	"QR":         "qr",
	"NETBANKING": "netbanking",
}

// BucketColumns lists every method bucket column in storage order.
var BucketColumns = []string{"cash", "upi", "card", "wallet", "qr", "netbanking", "other"}

// BucketColumn returns the bucket for method. EMI, CREDIT and unknown methods land in "other".
func BucketColumn(method string) string {
	if col, ok := bucketColumns[strings.ToUpper(strings.TrimSpace(method))]; ok {
		return col
	}
	return "other"
}

// Bucket returns the stored amount for a bucket column.
func (s Settlement) Bucket(column string) int64 {
	switch column {
	case "cash":
		return s.Cash
	case "upi":
		return s.UPI
	case "card":
		return s.Card
	case "wallet":
		return s.Wallet
	case "qr":
		return s.QR
	case "netbanking":
		return s.Netbanking
	default:
		return s.Other
	}
}

// LinkedPayment is a payment aggregated into a settlement day, with its refunded total.
type LinkedPayment struct {
	PaymentID snowflake.ID
	Method    string
	Amount    int64
	TipAmount int64
	Refunded  int64
}

// Totals are the values a settlement row is expected to hold.
type Totals struct {
	TotalSales       int64            `json:"total_sales"`
	Buckets          map[string]int64 `json:"buckets"`
	Refunds          int64            `json:"refunds"`
	Tips             int64            `json:"tips"`
	TransactionCount int64            `json:"transaction_count"`
}

// Drift is one column whose stored value differs from the recomputed value.
type Drift struct {
	Column   string `json:"column"`
	Stored   int64  `json:"stored"`
	Expected int64  `json:"expected"`
}

type VerifyResult struct {
	Settlement *Settlement `json:"settlement"`
	Expected   Totals      `json:"expected"`
	Drift      []Drift     `json:"drift"`
	Consistent bool        `json:"consistent"`
}

type ListFilter struct {
	RestaurantID snowflake.ID
	From         string
	To           string
	Status       Status
}

type Repository interface {
	// EnsureDay creates the day row if missing and returns its id.
	EnsureDay(ctx context.Context, db *gorm.DB, id, restaurantID snowflake.ID, businessDate string, now time.Time) (snowflake.ID, error)
	// LinkPayment sets the one-time back-reference; false means it was already set.
	LinkPayment(ctx context.Context, db *gorm.DB, settlementID, paymentID snowflake.ID) (bool, error)
	Increment(ctx context.Context, db *gorm.DB, settlementID snowflake.ID, delta Delta, now time.Time) error
	UpsertDelta(ctx context.Context, db *gorm.DB, id, restaurantID snowflake.ID, businessDate string, delta Delta, now time.Time) error
	FindPaymentSettlement(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*snowflake.ID, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Settlement, error)
	FindByDay(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID, businessDate string) (*Settlement, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Settlement, error)
	RecordCashCount(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID, businessDate string, counted int64, now time.Time) (int64, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	ClaimPendingBefore(ctx context.Context, db *gorm.DB, businessDate string, limit int) ([]*Settlement, error)
	ListLinkedPayments(ctx context.Context, db *gorm.DB, settlementID snowflake.ID) ([]LinkedPayment, error)
	RestaurantName(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID) (string, error)
}

var (
	ErrInvalidRestaurant   = errors.New("invalid_restaurant")
	ErrInvalidBusinessDate = errors.New("invalid_business_date")
	ErrInvalidDateRange    = errors.New("invalid_date_range")
	ErrInvalidCashCount    = errors.New("invalid_cash_count")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrSettlementNotFound  = errors.New("settlement_not_found")
	ErrDayNotOver          = errors.New("settlement_day_not_over")
)

// ParseBusinessDate validates a YYYY-MM-DD date string.
func ParseBusinessDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(BusinessDateLayout, value)
	if err != nil {
		return "", ErrInvalidBusinessDate
	}
	return parsed.Format(BusinessDateLayout), nil
}
