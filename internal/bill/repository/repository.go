package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, bill *domain.Bill) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO bills (
			id, restaurant_id, table_ref, subtotal, tax_cgst, tax_sgst, discount,
			service_charge, total, paid_amount, balance, status, force_closed,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bill.ID,
		bill.RestaurantID,
		bill.TableRef,
		bill.Subtotal,
		bill.TaxCGST,
		bill.TaxSGST,
		bill.Discount,
		bill.ServiceCharge,
		bill.Total,
		bill.PaidAmount,
		bill.Balance,
		bill.Status,
		bill.ForceClosed,
		bill.CreatedAt,
		bill.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Bill, error) {
	return r.find(ctx, conn, `SELECT * FROM bills WHERE restaurant_id = ? AND id = ?`, restaurantID, id)
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (*domain.Bill, error) {
	return r.find(ctx, conn, db.ForUpdate(conn, `SELECT * FROM bills WHERE restaurant_id = ? AND id = ?`), restaurantID, id)
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, query string, args ...any) (*domain.Bill, error) {
	var bill domain.Bill
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&bill).Error; err != nil {
		return nil, err
	}
	if bill.ID == 0 {
		return nil, nil
	}
	return &bill, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.Bill, error) {
	var bills []*domain.Bill
	stmt := conn.WithContext(ctx).Model(&domain.Bill{}).
		Where("restaurant_id = ?", filter.RestaurantID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ? OR (created_at = ? AND id < ?))",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&bills).Error; err != nil {
		return nil, err
	}
	return bills, nil
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, bill *domain.Bill) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE bills SET
			subtotal = ?, tax_cgst = ?, tax_sgst = ?, discount = ?, service_charge = ?,
			total = ?, paid_amount = ?, balance = ?, status = ?, force_closed = ?,
			closed_at = ?, discount_settled_at = ?, updated_at = ?
		WHERE id = ?`,
		bill.Subtotal,
		bill.TaxCGST,
		bill.TaxSGST,
		bill.Discount,
		bill.ServiceCharge,
		bill.Total,
		bill.PaidAmount,
		bill.Balance,
		bill.Status,
		bill.ForceClosed,
		bill.ClosedAt,
		bill.DiscountSettledAt,
		bill.UpdatedAt,
		bill.ID,
	).Error
}

func (r *repo) PaymentTotals(ctx context.Context, conn *gorm.DB, billID snowflake.ID) (domain.PaymentTotals, error) {
	var totals domain.PaymentTotals
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN status IN ('SUCCEEDED', 'PARTIALLY_REFUNDED', 'REFUNDED') THEN amount ELSE 0 END), 0) AS gross,
			COALESCE(SUM(CASE WHEN status IN ('SUCCEEDED', 'PARTIALLY_REFUNDED', 'REFUNDED') THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN amount ELSE 0 END), 0) AS pending_amount
		FROM payments
		WHERE bill_id = ?`,
		billID,
	).Scan(&totals).Error
	if err != nil {
		return domain.PaymentTotals{}, err
	}

	var refunded struct {
		Total int64
	}
	err = conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(r.amount), 0) AS total
		FROM refunds r
		JOIN payments p ON p.id = r.payment_id
		WHERE p.bill_id = ? AND r.status = 'SUCCEEDED'`,
		billID,
	).Scan(&refunded).Error
	if err != nil {
		return domain.PaymentTotals{}, err
	}
	totals.Refunded = refunded.Total
	return totals, nil
}

func (r *repo) DeleteFailedPayments(ctx context.Context, conn *gorm.DB, billID snowflake.ID) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM payments WHERE bill_id = ? AND status = 'FAILED'`,
		billID,
	).Error
}

func (r *repo) Delete(ctx context.Context, conn *gorm.DB, restaurantID, id snowflake.ID) (int64, error) {
	res := conn.WithContext(ctx).Exec(`DELETE FROM bills WHERE restaurant_id = ? AND id = ?`, restaurantID, id)
	return res.RowsAffected, res.Error
}
