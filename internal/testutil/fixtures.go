package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func InsertPartner(t *testing.T, db *gorm.DB, id snowflake.ID, name string, accountRef *string) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO partners (id, name, payout_account_ref, created_at) VALUES (?, ?, ?, ?)`,
		id, name, accountRef, time.Now().UTC(),
	).Error)
}

func InsertRestaurant(t *testing.T, db *gorm.DB, id snowflake.ID, partnerID *snowflake.ID, name, commissionRate string) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO restaurants (id, partner_id, name, commission_rate, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, partnerID, name, commissionRate, time.Now().UTC(),
	).Error)
}

// BillRow is a minimal bill fixture; Total and Balance default to Subtotal.
type BillRow struct {
	ID           snowflake.ID
	RestaurantID snowflake.ID
	Subtotal     int64
	Total        int64
	Paid         int64
	Balance      int64
	Status       string
}

func InsertBill(t *testing.T, db *gorm.DB, row BillRow) {
	t.Helper()
	if row.Total == 0 {
		row.Total = row.Subtotal
	}
	if row.Balance == 0 && row.Paid == 0 {
		row.Balance = row.Total
	}
	if row.Status == "" {
		row.Status = "OPEN"
	}
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO bills (id, restaurant_id, subtotal, total, paid_amount, balance, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RestaurantID, row.Subtotal, row.Total, row.Paid, row.Balance, row.Status, now, now,
	).Error)
}

type PaymentRow struct {
	ID             snowflake.ID
	RestaurantID   snowflake.ID
	BillID         snowflake.ID
	Method         string
	Amount         int64
	TipAmount      int64
	Status         string
	GatewayOrderID *string
	SettlementID   *snowflake.ID
}

func InsertPayment(t *testing.T, db *gorm.DB, row PaymentRow) {
	t.Helper()
	if row.Status == "" {
		row.Status = "SUCCEEDED"
	}
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO payments (id, restaurant_id, bill_id, method, amount, tip_amount, status, gateway_order_id, settlement_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		row.ID, row.RestaurantID, row.BillID, row.Method, row.Amount, row.TipAmount, row.Status, row.GatewayOrderID, row.SettlementID, now, now,
	).Error)
}

func InsertRefund(t *testing.T, db *gorm.DB, id, restaurantID, paymentID snowflake.ID, amount int64, status string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO refunds (id, restaurant_id, payment_id, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, restaurantID, paymentID, amount, status, now, now,
	).Error)
}

func StringPtr(v string) *string { return &v }

func IDPtr(v snowflake.ID) *snowflake.ID { return &v }

type SettlementRow struct {
	ID           snowflake.ID
	RestaurantID snowflake.ID
	BusinessDate string
	TotalSales   int64
	Cash         int64
	Status       string
}

func InsertSettlement(t *testing.T, db *gorm.DB, row SettlementRow) {
	t.Helper()
	if row.Status == "" {
		row.Status = "PENDING"
	}
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO settlements (id, restaurant_id, business_date, total_sales, cash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RestaurantID, row.BusinessDate, row.TotalSales, row.Cash, row.Status, now, now,
	).Error)
}
