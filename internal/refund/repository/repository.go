package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/refund/domain"
	"github.com/smallbiznis/tablepay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, refund *domain.Refund) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO refunds (
			id, restaurant_id, payment_id, amount, status, reason,
			gateway_refund_id, idempotency_key, succeeded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID,
		refund.RestaurantID,
		refund.PaymentID,
		refund.Amount,
		refund.Status,
		refund.Reason,
		refund.GatewayRefundID,
		refund.IdempotencyKey,
		refund.SucceededAt,
		refund.CreatedAt,
		refund.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Refund, error) {
	return r.find(ctx, conn, `SELECT * FROM refunds WHERE restaurant_id = ? AND id = ?`, restaurantID, id)
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Refund, error) {
	return r.find(ctx, conn, db.ForUpdate(conn, `SELECT * FROM refunds WHERE restaurant_id = ? AND id = ?`), restaurantID, id)
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID, key string) (*domain.Refund, error) {
	return r.find(ctx, conn, `SELECT * FROM refunds WHERE payment_id = ? AND idempotency_key = ?`, paymentID, key)
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, query string, args ...any) (*domain.Refund, error) {
	var item domain.Refund
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByPayment(ctx context.Context, conn *gorm.DB, restaurantID, paymentID snowflake.ID) ([]domain.Refund, error) {
	var items []domain.Refund
	err := conn.WithContext(ctx).Raw(
		`SELECT * FROM refunds
		 WHERE restaurant_id = ? AND payment_id = ?
		 ORDER BY created_at ASC, id ASC`,
		restaurantID,
		paymentID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListPending(ctx context.Context, conn *gorm.DB, filter domain.PendingFilter) ([]domain.Refund, error) {
	var items []domain.Refund
	query := db.ForUpdateSkipLocked(conn,
		`SELECT * FROM refunds
		 WHERE status = 'PENDING' AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`)
	if err := conn.WithContext(ctx).Raw(query, filter.CreatedBefore, filter.Limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Totals(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) (domain.Totals, error) {
	var totals domain.Totals
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'SUCCEEDED' THEN amount ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN amount ELSE 0 END), 0) AS pending
		FROM refunds
		WHERE payment_id = ?`,
		paymentID,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, refund *domain.Refund) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE refunds SET
			status = ?, gateway_refund_id = ?, failure_reason = ?,
			submitted_at = ?, succeeded_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ?`,
		refund.Status,
		refund.GatewayRefundID,
		refund.FailureReason,
		refund.SubmittedAt,
		refund.SucceededAt,
		refund.FailedAt,
		refund.UpdatedAt,
		refund.ID,
	).Error
}
