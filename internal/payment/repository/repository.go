package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, p *domain.Payment) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, restaurant_id, bill_id, method, amount, tip_amount, status,
			gateway_order_id, gateway_payment_id, metadata, succeeded_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.RestaurantID,
		p.BillID,
		p.Method,
		p.Amount,
		p.TipAmount,
		p.Status,
		p.GatewayOrderID,
		p.GatewayPaymentID,
		p.Metadata,
		p.SucceededAt,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Payment, error) {
	return r.find(ctx, conn, `SELECT * FROM payments WHERE restaurant_id = ? AND id = ?`, restaurantID, id)
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Payment, error) {
	return r.find(ctx, conn, db.ForUpdate(conn, `SELECT * FROM payments WHERE restaurant_id = ? AND id = ?`), restaurantID, id)
}

func (r *repo) FindByOrder(ctx context.Context, conn *gorm.DB, billID snowflake.ID, gatewayOrderID string) (*domain.Payment, error) {
	return r.find(ctx, conn, `SELECT * FROM payments WHERE bill_id = ? AND gateway_order_id = ?`, billID, gatewayOrderID)
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var item domain.Payment
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByBill(ctx context.Context, conn *gorm.DB, restaurantID, billID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	err := conn.WithContext(ctx).Raw(
		`SELECT * FROM payments
		 WHERE restaurant_id = ? AND bill_id = ?
		 ORDER BY created_at ASC, id ASC`,
		restaurantID,
		billID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListPending(ctx context.Context, conn *gorm.DB, filter domain.PendingFilter) ([]domain.Payment, error) {
	var items []domain.Payment
	query := db.ForUpdateSkipLocked(conn,
		`SELECT * FROM payments
		 WHERE status = 'PENDING' AND gateway_order_id IS NOT NULL AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`)
	if err := conn.WithContext(ctx).Raw(query, filter.CreatedBefore, filter.Limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateStatus writes the mutable columns. Amount and settlement_id are never rewritten here.
func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, p *domain.Payment) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payments SET
			status = ?, gateway_payment_id = ?, failure_reason = ?,
			succeeded_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ?`,
		p.Status,
		p.GatewayPaymentID,
		p.FailureReason,
		p.SucceededAt,
		p.FailedAt,
		p.UpdatedAt,
		p.ID,
	).Error
}

func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *domain.GatewayEvent) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`INSERT INTO gateway_events (
			id, provider, event_id, event_type, bill_id, gateway_order_id,
			payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.BillID,
		event.GatewayOrderID,
		event.Payload,
		event.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, conn *gorm.DB, provider, eventID string) (*domain.GatewayEvent, error) {
	var item domain.GatewayEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, bill_id, gateway_order_id,
			payload, outcome, received_at, processed_at
		 FROM gateway_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpdateEventOutcome leaves a processed receipt untouched.
func (r *repo) UpdateEventOutcome(ctx context.Context, conn *gorm.DB, id snowflake.ID, outcome string, processedAt *time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE gateway_events
		 SET outcome = ?, processed_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		outcome,
		processedAt,
		id,
	).Error
}
