package service_test

import (
	"testing"
	"time"

	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	"github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/testutil/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCashPaymentClosesBillAndSettles(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)

	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{
		Method:    "cash",
		Amount:    1000,
		TipAmount: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, payment.Status)
	assert.Equal(t, domain.MethodCash, payment.Method)
	require.NotNil(t, payment.SucceededAt)

	bill := s.Bill(t, billID)
	assert.Equal(t, billdomain.StatusClosed, bill.Status)
	assert.Equal(t, int64(1000), bill.PaidAmount)
	assert.Equal(t, int64(0), bill.Balance)

	day := s.Day(t)
	assert.Equal(t, int64(1000), day.TotalSales)
	assert.Equal(t, int64(1000), day.Cash)
	assert.Equal(t, int64(50), day.Tips)
	assert.Equal(t, int64(1), day.TransactionCount)

	stored := s.Payment(t, payment.ID)
	require.NotNil(t, stored.SettlementID)
	assert.Equal(t, day.ID, *stored.SettlementID)
	assert.Contains(t, s.AuditActions(t), "payment.create")
	assert.Empty(t, s.Gateway.Orders)
}

func TestCreatePartialPaymentsKeepBillOpen(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)

	_, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 400})
	require.NoError(t, err)

	bill := s.Bill(t, billID)
	assert.Equal(t, billdomain.StatusOpen, bill.Status)
	assert.Equal(t, int64(600), bill.Balance)

	_, err = s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CARD", Amount: 600, Manual: true})
	require.NoError(t, err)

	bill = s.Bill(t, billID)
	assert.Equal(t, billdomain.StatusClosed, bill.Status)
	assert.Equal(t, int64(1000), bill.PaidAmount)

	day := s.Day(t)
	assert.Equal(t, int64(400), day.Cash)
	assert.Equal(t, int64(600), day.Card)
	assert.Equal(t, int64(2), day.TransactionCount)
}

func TestCreateValidation(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)

	tests := []struct {
		name string
		req  domain.CreatePaymentRequest
		want error
	}{
		{name: "unknown method", req: domain.CreatePaymentRequest{Method: "barter", Amount: 100}, want: domain.ErrInvalidMethod},
		{name: "zero amount", req: domain.CreatePaymentRequest{Method: "CASH"}, want: domain.ErrInvalidAmount},
		{name: "negative amount", req: domain.CreatePaymentRequest{Method: "CASH", Amount: -5}, want: domain.ErrInvalidAmount},
		{name: "tip above amount", req: domain.CreatePaymentRequest{Method: "CASH", Amount: 100, TipAmount: 101}, want: domain.ErrInvalidTipAmount},
		{name: "overpayment", req: domain.CreatePaymentRequest{Method: "CASH", Amount: 1002}, want: domain.ErrOverpayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Payments.Create(s.Ctx, billID.String(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := s.Payments.Create(s.Ctx, "not-an-id", domain.CreatePaymentRequest{Method: "CASH", Amount: 100})
	require.Error(t, err)

	payments, err := s.Payments.ListByBill(s.Ctx, billID.String())
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestCreateAllowsEpsilonOverpayment(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)

	_, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 1001})
	require.NoError(t, err)

	bill := s.Bill(t, billID)
	assert.Equal(t, billdomain.StatusClosed, bill.Status)
	assert.Equal(t, int64(0), bill.Balance)
}

func TestCreateRejectsClosedBill(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 500)

	_, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 500})
	require.NoError(t, err)

	_, err = s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 1})
	require.ErrorIs(t, err, billdomain.ErrBillClosed)
	conflict, ok := ledgererr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, string(billdomain.StatusClosed), conflict.CurrentStatus)
}

func TestCreateGatewayPaymentStaysPending(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)

	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, payment.Status)
	require.NotNil(t, payment.GatewayOrderID)
	assert.Equal(t, "order_1", *payment.GatewayOrderID)

	require.Len(t, s.Gateway.Orders, 1)
	order := s.Gateway.Orders[0]
	assert.Equal(t, int64(1000), order.Amount)
	assert.Equal(t, "INR", order.Currency)
	assert.Equal(t, billID.String(), order.Notes["bill_id"])
	assert.Equal(t, payment.ID.String(), order.Receipt)

	bill := s.Bill(t, billID)
	assert.Equal(t, billdomain.StatusOpen, bill.Status)
	assert.Equal(t, int64(1000), bill.Balance)
}

func TestCreateGatewayPaymentWithClientOrderID(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	orderID := "order_from_app"

	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{
		Method:         "UPI",
		Amount:         300,
		GatewayOrderID: &orderID,
	})
	require.NoError(t, err)
	assert.Equal(t, orderID, *payment.GatewayOrderID)
	assert.Empty(t, s.Gateway.Orders)

	_, err = s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{
		Method:         "UPI",
		Amount:         300,
		GatewayOrderID: &orderID,
	})
	require.ErrorIs(t, err, domain.ErrDuplicateOrder)
}

func TestCreateWithoutGateway(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{NoGateway: true})
	billID := s.OpenBill(t, 1000)

	_, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, payment.Status)
}

func TestCreateGatewayOutageWritesNothing(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	s.Gateway.OrderFunc = func(req gateway.CreateOrderRequest) (*gateway.Order, error) {
		return nil, gateway.ErrUnavailable
	}
	billID := s.OpenBill(t, 1000)

	_, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CARD", Amount: 1000})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	payments, err := s.Payments.ListByBill(s.Ctx, billID.String())
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, []alertdomain.Kind{alertdomain.KindGatewayError}, s.Alerts.Observed())
}

func TestConfirmIsIdempotent(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)

	confirmed, err := s.Payments.Confirm(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, confirmed.Status)

	again, err := s.Payments.Confirm(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, again.Status)

	day := s.Day(t)
	assert.Equal(t, int64(1000), day.UPI)
	assert.Equal(t, int64(1), day.TransactionCount)
	assert.Equal(t, billdomain.StatusClosed, s.Bill(t, billID).Status)
}

func TestConfirmFailedPaymentConflicts(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)

	failed, err := s.Payments.Fail(s.Ctx, payment.ID.String(), " card declined ")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "card declined", *failed.FailureReason)

	_, err = s.Payments.Confirm(s.Ctx, payment.ID.String())
	require.ErrorIs(t, err, domain.ErrPaymentFailed)
	conflict, ok := ledgererr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, string(domain.StatusFailed), conflict.CurrentStatus)
}

func TestFailTransitions(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	pending, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 400})
	require.NoError(t, err)

	_, err = s.Payments.Fail(s.Ctx, pending.ID.String(), "timeout")
	require.NoError(t, err)
	again, err := s.Payments.Fail(s.Ctx, pending.ID.String(), "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, again.Status)

	cash, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 400})
	require.NoError(t, err)
	_, err = s.Payments.Fail(s.Ctx, cash.ID.String(), "oops")
	require.ErrorIs(t, err, domain.ErrPaymentNotPending)

	_, err = s.Payments.Fail(s.Ctx, "12345", "missing")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestCreateReservesPendingAttempts(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 500)

	upi, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, upi.Status)

	_, err = s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CARD", Amount: 500})
	require.ErrorIs(t, err, domain.ErrOverpayment)
	_, err = s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CASH", Amount: 2})
	require.ErrorIs(t, err, domain.ErrOverpayment)

	_, err = s.Payments.Fail(s.Ctx, upi.ID.String(), "customer walked away")
	require.NoError(t, err)

	card, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "CARD", Amount: 500})
	require.NoError(t, err)
	_, err = s.Payments.Confirm(s.Ctx, card.ID.String())
	require.NoError(t, err)

	bill := s.Bill(t, billID)
	assert.Equal(t, int64(500), bill.PaidAmount)
	assert.Equal(t, billdomain.StatusClosed, bill.Status)
	assert.Equal(t, int64(500), s.Day(t).TotalSales)
}

func TestReconcilePendingCapturesAndFails(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billA := s.OpenBill(t, 1000)
	billB := s.OpenBill(t, 700)

	captured, err := s.Payments.Create(s.Ctx, billA.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)
	declined, err := s.Payments.Create(s.Ctx, billB.String(), domain.CreatePaymentRequest{Method: "CARD", Amount: 700})
	require.NoError(t, err)

	s.Gateway.OrderPaymentsFunc = func(orderID string) ([]gateway.Payment, error) {
		switch orderID {
		case *captured.GatewayOrderID:
			return []gateway.Payment{
				{ID: "pay_failed", OrderID: orderID, Amount: 1000, Status: gateway.PaymentStatusFailed},
				{ID: "pay_ok", OrderID: orderID, Amount: 1000, Status: gateway.PaymentStatusCaptured},
			}, nil
		default:
			return []gateway.Payment{{ID: "pay_declined", OrderID: orderID, Amount: 700, Status: gateway.PaymentStatusFailed}}, nil
		}
	}

	result, err := s.Payments.ReconcilePending(s.Ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	s.Clock.Advance(10 * time.Minute)
	result, err = s.Payments.ReconcilePending(s.Ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{Scanned: 2, Resolved: 2}, result)

	ok := s.Payment(t, captured.ID)
	assert.Equal(t, domain.StatusSucceeded, ok.Status)
	require.NotNil(t, ok.GatewayPaymentID)
	assert.Equal(t, "pay_ok", *ok.GatewayPaymentID)
	assert.Equal(t, billdomain.StatusClosed, s.Bill(t, billA).Status)

	assert.Equal(t, domain.StatusFailed, s.Payment(t, declined.ID).Status)
	assert.Equal(t, billdomain.StatusOpen, s.Bill(t, billB).Status)
}

func TestReconcilePendingDefersOnOutage(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)

	s.Gateway.OrderPaymentsFunc = func(orderID string) ([]gateway.Payment, error) {
		return nil, gateway.ErrUnavailable
	}
	s.Clock.Advance(time.Hour)

	result, err := s.Payments.ReconcilePending(s.Ctx, 5*time.Minute, 10)
	require.Error(t, err)
	assert.Equal(t, domain.ReconcileResult{Scanned: 1, Deferred: 1}, result)
	assert.Equal(t, domain.StatusPending, s.Payment(t, payment.ID).Status)
}
