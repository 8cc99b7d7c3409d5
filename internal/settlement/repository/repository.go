package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/smallbiznis/tablepay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type column struct {
	name  string
	value int64
}

// deltaColumns flattens a delta into a fixed column order. Only whitelisted names are emitted.
func deltaColumns(delta domain.Delta) []column {
	cols := []column{{name: "total_sales", value: delta.TotalSales}}
	for _, bucket := range domain.BucketColumns {
		cols = append(cols, column{name: bucket, value: delta.Buckets[bucket]})
	}
	return append(cols,
		column{name: "refunds", value: delta.Refunds},
		column{name: "tips", value: delta.Tips},
		column{name: "discounts", value: delta.Discounts},
		column{name: "transaction_count", value: delta.TransactionCount},
	)
}

func (r *repo) EnsureDay(ctx context.Context, conn *gorm.DB, id, restaurantID snowflake.ID, businessDate string, now time.Time) (snowflake.ID, error) {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO settlements (id, restaurant_id, business_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (restaurant_id, business_date) DO NOTHING`,
		id, restaurantID, businessDate, domain.StatusPending, now, now,
	).Error
	if err != nil {
		return 0, err
	}

	var row struct {
		ID snowflake.ID
	}
	err = conn.WithContext(ctx).Raw(
		`SELECT id FROM settlements WHERE restaurant_id = ? AND business_date = ?`,
		restaurantID, businessDate,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.ID == 0 {
		return 0, domain.ErrSettlementNotFound
	}
	return row.ID, nil
}

func (r *repo) LinkPayment(ctx context.Context, conn *gorm.DB, settlementID, paymentID snowflake.ID) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payments SET settlement_id = ? WHERE id = ? AND settlement_id IS NULL`,
		settlementID, paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Increment(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID, delta domain.Delta, now time.Time) error {
	cols := deltaColumns(delta)
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		if col.value == 0 {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s + ?", col.name, col.name))
		args = append(args, col.value)
	}
	if len(sets) == 0 {
		return nil
	}
	if cash := delta.Buckets["cash"]; cash != 0 {
		// SET expressions read the pre-update row, so the variance uses cash + delta.
		sets = append(sets, "cash_variance = CASE WHEN cash_counted IS NULL THEN cash_variance ELSE cash_counted - (cash + ?) END")
		args = append(args, cash)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, settlementID)

	res := conn.WithContext(ctx).Exec(
		`UPDATE settlements SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSettlementNotFound
	}
	return nil
}

func (r *repo) UpsertDelta(ctx context.Context, conn *gorm.DB, id, restaurantID snowflake.ID, businessDate string, delta domain.Delta, now time.Time) error {
	cols := deltaColumns(delta)
	names := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols)+1)
	args := []any{id, restaurantID, businessDate}
	for _, col := range cols {
		names = append(names, col.name)
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%s = settlements.%s + EXCLUDED.%s", col.name, col.name, col.name))
		args = append(args, col.value)
	}
	updates = append(updates,
		"cash_variance = CASE WHEN settlements.cash_counted IS NULL THEN settlements.cash_variance ELSE settlements.cash_counted - (settlements.cash + EXCLUDED.cash) END",
		"updated_at = EXCLUDED.updated_at",
	)
	args = append(args, domain.StatusPending, now, now)

	query := fmt.Sprintf(
		`INSERT INTO settlements (id, restaurant_id, business_date, %s, status, created_at, updated_at)
		VALUES (?, ?, ?, %s, ?, ?, ?)
		ON CONFLICT (restaurant_id, business_date) DO UPDATE SET %s`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	return conn.WithContext(ctx).Exec(query, args...).Error
}

func (r *repo) FindPaymentSettlement(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) (*snowflake.ID, error) {
	var row struct {
		SettlementID *snowflake.ID
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT settlement_id FROM payments WHERE id = ?`,
		paymentID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return row.SettlementID, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Settlement, error) {
	var s domain.Settlement
	err := conn.WithContext(ctx).Raw(`SELECT * FROM settlements WHERE id = ?`, id).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) FindByDay(ctx context.Context, conn *gorm.DB, restaurantID snowflake.ID, businessDate string) (*domain.Settlement, error) {
	var s domain.Settlement
	err := conn.WithContext(ctx).Raw(
		`SELECT * FROM settlements WHERE restaurant_id = ? AND business_date = ?`,
		restaurantID, businessDate,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.Settlement, error) {
	var items []*domain.Settlement
	stmt := conn.WithContext(ctx).Model(&domain.Settlement{}).
		Where("restaurant_id = ?", filter.RestaurantID)
	if filter.From != "" {
		stmt = stmt.Where("business_date >= ?", filter.From)
	}
	if filter.To != "" {
		stmt = stmt.Where("business_date <= ?", filter.To)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if err := stmt.Order("business_date desc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) RecordCashCount(ctx context.Context, conn *gorm.DB, restaurantID snowflake.ID, businessDate string, counted int64, now time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE settlements
		SET cash_counted = ?, cash_variance = ? - cash, updated_at = ?
		WHERE restaurant_id = ? AND business_date = ?`,
		counted, counted, now, restaurantID, businessDate,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkProcessed(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE settlements
		SET status = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.StatusProcessed, now, now, id, domain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ClaimPendingBefore(ctx context.Context, conn *gorm.DB, businessDate string, limit int) ([]*domain.Settlement, error) {
	if limit <= 0 {
		return nil, errors.New("claim limit must be positive")
	}
	var items []*domain.Settlement
	query := db.ForUpdateSkipLocked(conn, `SELECT * FROM settlements
		WHERE status = ? AND business_date < ?
		ORDER BY business_date ASC, id ASC
		LIMIT ?`)
	err := conn.WithContext(ctx).Raw(query, domain.StatusPending, businessDate, limit).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListLinkedPayments(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID) ([]domain.LinkedPayment, error) {
	var rows []domain.LinkedPayment
	err := conn.WithContext(ctx).Raw(
		`SELECT p.id AS payment_id, p.method, p.amount, p.tip_amount,
			COALESCE((
				SELECT SUM(r.amount) FROM refunds r
				WHERE r.payment_id = p.id AND r.status = 'SUCCEEDED'
			), 0) AS refunded
		FROM payments p
		WHERE p.settlement_id = ?
		ORDER BY p.id ASC`,
		settlementID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) RestaurantName(ctx context.Context, conn *gorm.DB, restaurantID snowflake.ID) (string, error) {
	var row struct {
		Name string
	}
	err := conn.WithContext(ctx).Raw(`SELECT name FROM restaurants WHERE id = ?`, restaurantID).Scan(&row).Error
	return row.Name, err
}
