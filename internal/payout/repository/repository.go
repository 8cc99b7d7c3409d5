package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/payout/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert writes share once per (restaurant, period); false means it already existed.
func (r *repo) Insert(ctx context.Context, conn *gorm.DB, share *domain.RevenueShare) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`INSERT INTO revenue_shares (
			id, partner_id, restaurant_id, period_start, period_end, gross_sales,
			commission_rate, commission_amount, payout_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (restaurant_id, period_start, period_end) DO NOTHING`,
		share.ID,
		share.PartnerID,
		share.RestaurantID,
		share.PeriodStart,
		share.PeriodEnd,
		share.GrossSales,
		share.CommissionRate,
		share.CommissionAmount,
		share.PayoutStatus,
		share.CreatedAt,
		share.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, scope domain.Scope, id snowflake.ID) (*domain.RevenueShare, error) {
	where, args := scopeClause(scope)
	query := `SELECT * FROM revenue_shares WHERE id = ?` + where
	var item domain.RevenueShare
	if err := conn.WithContext(ctx).Raw(query, append([]any{id}, args...)...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]domain.RevenueShare, error) {
	where, args := scopeClause(filter.Scope)
	query := `SELECT * FROM revenue_shares WHERE 1 = 1` + where
	if filter.Status != "" {
		query += ` AND payout_status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY period_start DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var items []domain.RevenueShare
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkPaid(ctx context.Context, conn *gorm.DB, id snowflake.ID, transferReference, paidBy string, paidAt time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE revenue_shares
		 SET payout_status = 'PAID', transfer_reference = ?, paid_at = ?, paid_by = ?, updated_at = ?
		 WHERE id = ? AND payout_status = 'PENDING'`,
		transferReference,
		paidAt,
		paidBy,
		paidAt,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListEarners(ctx context.Context, conn *gorm.DB) ([]domain.Earner, error) {
	var items []domain.Earner
	err := conn.WithContext(ctx).Raw(
		`SELECT id AS restaurant_id, partner_id, COALESCE(commission_rate, '') AS commission_rate
		 FROM restaurants
		 WHERE partner_id IS NOT NULL
		 ORDER BY id ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// GrossSales sums PROCESSED settlement days in [periodStart, periodEnd].
func (r *repo) GrossSales(ctx context.Context, conn *gorm.DB, restaurantID snowflake.ID, periodStart, periodEnd string) (int64, error) {
	var total int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_sales), 0)
		 FROM settlements
		 WHERE restaurant_id = ? AND status = ? AND business_date >= ? AND business_date <= ?`,
		restaurantID,
		settlementdomain.StatusProcessed,
		periodStart,
		periodEnd,
	).Scan(&total).Error
	return total, err
}

func (r *repo) PartnerAccount(ctx context.Context, conn *gorm.DB, partnerID snowflake.ID) (*string, error) {
	var row struct {
		PayoutAccountRef *string
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT payout_account_ref FROM partners WHERE id = ?`,
		partnerID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.PayoutAccountRef == nil || strings.TrimSpace(*row.PayoutAccountRef) == "" {
		return nil, nil
	}
	return row.PayoutAccountRef, nil
}

func scopeClause(scope domain.Scope) (string, []any) {
	var b strings.Builder
	var args []any
	if scope.PartnerID != 0 {
		b.WriteString(` AND partner_id = ?`)
		args = append(args, scope.PartnerID)
	}
	if scope.RestaurantID != 0 {
		b.WriteString(` AND restaurant_id = ?`)
		args = append(args, scope.RestaurantID)
	}
	return b.String(), args
}
