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
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
)

// RevenueShare is a partner's commission on one restaurant for one period.
type RevenueShare struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	PartnerID         snowflake.ID `json:"partner_id"`
	RestaurantID      snowflake.ID `json:"restaurant_id"`
	PeriodStart       string       `json:"period_start"`
	PeriodEnd         string       `json:"period_end"`
	GrossSales        int64        `json:"gross_sales"`
	CommissionRate    string       `json:"commission_rate"`
	CommissionAmount  int64        `json:"commission_amount"`
	PayoutStatus      Status       `json:"payout_status"`
	TransferReference *string      `json:"transfer_reference,omitempty"`
	PaidAt            *time.Time   `json:"paid_at,omitempty"`
	PaidBy            *string      `json:"paid_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (RevenueShare) TableName() string { return "revenue_shares" }

// Earner is a restaurant attributed to a partner.
type Earner struct {
	RestaurantID   snowflake.ID
	PartnerID      snowflake.ID
	CommissionRate string
}

// Scope restricts reads to one partner or restaurant. Zero fields are unrestricted.
type Scope struct {
	PartnerID    snowflake.ID
	RestaurantID snowflake.ID
}

type ListFilter struct {
	Scope
	Status Status
	Limit  int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, share *RevenueShare) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, scope Scope, id snowflake.ID) (*RevenueShare, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]RevenueShare, error)
	// MarkPaid flips PENDING to PAID and reports the rows changed.
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, transferReference, paidBy string, paidAt time.Time) (int64, error)
	ListEarners(ctx context.Context, db *gorm.DB) ([]Earner, error)
	GrossSales(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID, periodStart, periodEnd string) (int64, error)
	PartnerAccount(ctx context.Context, db *gorm.DB, partnerID snowflake.ID) (*string, error)
}

type ListRequest struct {
	PartnerID string `form:"partner_id"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
}

type ComputeRequest struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type ComputeResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

type MarkPaidRequest struct {
	TransferReference string `json:"transfer_reference"`
}

type Service interface {
	Get(ctx context.Context, id string) (*RevenueShare, error)
	List(ctx context.Context, req ListRequest) ([]RevenueShare, error)
	Compute(ctx context.Context, req ComputeRequest) (ComputeResult, error)
	MarkPaid(ctx context.Context, id string, req MarkPaidRequest) (*RevenueShare, error)
	Retry(ctx context.Context, id string) (*RevenueShare, error)
}

var (
	ErrInvalidID                = errors.New("invalid_id")
	ErrInvalidPeriod            = errors.New("invalid_period")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrInvalidTransferReference = errors.New("invalid_transfer_reference")
	ErrInvalidCommissionRate    = errors.New("invalid_commission_rate")
	ErrRevenueShareNotFound     = errors.New("revenue_share_not_found")
	ErrDuplicatePayout          = errors.New("duplicate")
	ErrPayoutNotPending         = errors.New("payout_not_pending")
	ErrStateChanged             = errors.New("payout_state_changed")
	ErrNotEligible              = errors.New("payout_not_eligible")
	ErrRetryInProgress          = errors.New("payout_retry_in_progress")
	ErrTransferUnavailable      = errors.New("transfer_unavailable")
	ErrTransferRejected         = errors.New("transfer_rejected")
	ErrUpstreamUnavailable      = errors.New("upstream_unavailable")
)
