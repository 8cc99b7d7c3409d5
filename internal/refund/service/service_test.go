package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	"github.com/smallbiznis/tablepay/internal/payment/adapters/hmacgateway"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/refund/domain"
	"github.com/smallbiznis/tablepay/internal/testutil/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cashPayment(t *testing.T, s *ledgertest.Stack, amount int64) *paymentdomain.Payment {
	t.Helper()
	billID := s.OpenBill(t, amount)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), paymentdomain.CreatePaymentRequest{Method: "CASH", Amount: amount})
	require.NoError(t, err)
	return payment
}

// gatewayPayment captures a UPI payment through a signed webhook.
func gatewayPayment(t *testing.T, s *ledgertest.Stack, amount int64) *paymentdomain.Payment {
	t.Helper()
	billID := s.OpenBill(t, amount)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), paymentdomain.CreatePaymentRequest{Method: "UPI", Amount: amount})
	require.NoError(t, err)

	payload, headers := s.Signed(t, ledgertest.WebhookDelivery{
		EventID:   "evt_" + payment.ID.String(),
		EventType: paymentdomain.EventTypePaymentCaptured,
		BillID:    billID,
		OrderID:   *payment.GatewayOrderID,
		PaymentID: "pay_" + payment.ID.String(),
		Amount:    amount,
	})
	outcome, err := s.Webhooks.IngestWebhook(context.Background(), hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeApplied, outcome)
	return s.Payment(t, payment.ID)
}

func TestManualFullRefundReopensBill(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := cashPayment(t, s, 1000)
	require.Equal(t, billdomain.StatusClosed, s.Bill(t, payment.BillID).Status)

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000, Reason: "wrong table"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, refund.Status)
	require.NotNil(t, refund.Reason)
	assert.Equal(t, "wrong table", *refund.Reason)

	assert.Equal(t, paymentdomain.StatusRefunded, s.Payment(t, payment.ID).Status)

	bill := s.Bill(t, payment.BillID)
	assert.Equal(t, billdomain.StatusOpen, bill.Status)
	assert.Equal(t, int64(0), bill.PaidAmount)
	assert.Equal(t, int64(1000), bill.Balance)

	day := s.Day(t)
	assert.Equal(t, int64(0), day.TotalSales)
	assert.Equal(t, int64(0), day.Cash)
	assert.Equal(t, int64(1000), day.Refunds)
	assert.Equal(t, int64(0), day.TransactionCount)
	assert.Contains(t, s.AuditActions(t), "refund.create")
}

func TestPartialRefundsRespectAvailable(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := cashPayment(t, s, 1000)

	_, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPartiallyRefunded, s.Payment(t, payment.ID).Status)
	assert.Equal(t, int64(1), s.Day(t).TransactionCount)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 701})
	require.ErrorIs(t, err, domain.ErrRefundExceedsAvailable)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 700})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRefunded, s.Payment(t, payment.ID).Status)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1})
	require.ErrorIs(t, err, domain.ErrRefundExceedsAvailable)

	day := s.Day(t)
	assert.Equal(t, int64(1000), day.Refunds)
	assert.Equal(t, int64(0), day.Cash)
	assert.Equal(t, int64(0), day.TransactionCount)

	refunds, err := s.Refunds.List(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
}

func TestRefundKeepsBillClosedWithoutAutoReopen(t *testing.T) {
	ledger := config.DefaultLedgerConfig()
	ledger.AutoReopenOnRefund = false
	s := ledgertest.New(t, ledgertest.Options{Ledger: &ledger})
	payment := cashPayment(t, s, 1000)

	_, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 300})
	require.NoError(t, err)

	bill := s.Bill(t, payment.BillID)
	assert.Equal(t, billdomain.StatusClosed, bill.Status)
	assert.Equal(t, int64(700), bill.PaidAmount)
	assert.Equal(t, int64(300), bill.Balance)
}

func TestRefundValidation(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := cashPayment(t, s, 1000)

	_, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 0})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = s.Refunds.Refund(s.Ctx, "nope", domain.CreateRefundRequest{Amount: 10})
	require.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = s.Refunds.Refund(s.Ctx, "4242", domain.CreateRefundRequest{Amount: 10})
	require.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
	_, err = s.Refunds.Refund(context.Background(), payment.ID.String(), domain.CreateRefundRequest{Amount: 10})
	require.ErrorIs(t, err, domain.ErrInvalidRestaurant)
}

func TestRefundRejectsPendingPayment(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	pending, err := s.Payments.Create(s.Ctx, billID.String(), paymentdomain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)

	_, err = s.Refunds.Refund(s.Ctx, pending.ID.String(), domain.CreateRefundRequest{Amount: 100})
	require.ErrorIs(t, err, domain.ErrPaymentNotRefundable)
	conflict, ok := ledgererr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, string(paymentdomain.StatusPending), conflict.CurrentStatus)
}

func TestGatewayRefundProcessed(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, refund.Status)
	require.NotNil(t, refund.GatewayRefundID)

	calls := s.Gateway.RefundCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, refund.ID.String(), calls[0].IdempotencyKey)
	assert.Equal(t, *payment.GatewayPaymentID, calls[0].GatewayPaymentID)
	assert.Equal(t, int64(400), calls[0].Amount)

	assert.Equal(t, paymentdomain.StatusPartiallyRefunded, s.Payment(t, payment.ID).Status)
	day := s.Day(t)
	assert.Equal(t, int64(600), day.UPI)
	assert.Equal(t, int64(400), day.Refunds)
}

func TestManualRefundOfGatewayPaymentSkipsGateway(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000, Manual: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, refund.Status)
	assert.Nil(t, refund.GatewayRefundID)
	assert.Empty(t, s.Gateway.RefundCalls())
}

func TestGatewayRefundPendingReservesHeadroom(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return &gateway.Refund{ID: "rfnd_pending", Amount: req.Amount, Status: gateway.RefundStatusPending}, nil
	}

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 600})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, refund.Status)
	require.NotNil(t, refund.GatewayRefundID)
	assert.Equal(t, "rfnd_pending", *refund.GatewayRefundID)
	assert.Equal(t, paymentdomain.StatusSucceeded, s.Payment(t, payment.ID).Status)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 401})
	require.ErrorIs(t, err, domain.ErrRefundExceedsAvailable)

	_, err = s.Refunds.Cancel(s.Ctx, refund.ID.String())
	require.ErrorIs(t, err, domain.ErrRefundSubmitted)

	confirmed, err := s.Refunds.Confirm(s.Ctx, refund.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, confirmed.Status)

	again, err := s.Refunds.Confirm(s.Ctx, refund.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, again.Status)
	assert.Equal(t, int64(600), s.Day(t).Refunds)
}

func TestGatewayRefundRejectedReleasesHeadroom(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return nil, &gateway.APIError{StatusCode: 400, Code: "BAD_REQUEST_ERROR"}
	}

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, refund.Status)
	require.NotNil(t, refund.FailureReason)
	assert.Equal(t, paymentdomain.StatusSucceeded, s.Payment(t, payment.ID).Status)

	s.Gateway.RefundFunc = nil
	retried, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, retried.Status)
	assert.Equal(t, paymentdomain.StatusRefunded, s.Payment(t, payment.ID).Status)
}

func TestGatewayRefundTimeoutIsReconciled(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return nil, fmt.Errorf("create refund: %w", context.DeadlineExceeded)
	}

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, refund.Status)
	assert.NotNil(t, refund.SubmittedAt)
	assert.Nil(t, refund.GatewayRefundID)
	assert.Contains(t, s.Alerts.Observed(), alertdomain.KindGatewayError)
	assert.Equal(t, paymentdomain.StatusSucceeded, s.Payment(t, payment.ID).Status)

	s.Gateway.RefundFunc = nil
	s.Clock.Advance(15 * time.Minute)
	result, err := s.Refunds.ReconcilePending(context.Background(), 10*time.Minute, 50)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{Scanned: 1, Resolved: 1}, result)

	calls := s.Gateway.RefundCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, refund.ID.String(), calls[0].IdempotencyKey)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	refunds, err := s.Refunds.List(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, domain.StatusSucceeded, refunds[0].Status)
	assert.Equal(t, int64(250), s.Day(t).Refunds)
	assert.Equal(t, paymentdomain.StatusPartiallyRefunded, s.Payment(t, payment.ID).Status)
}

func TestRefundReplayWithIdempotencyKey(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return nil, fmt.Errorf("create refund: %w", context.DeadlineExceeded)
	}
	req := domain.CreateRefundRequest{Amount: 250, IdempotencyKey: "pos-77-refund"}

	first, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, first.Status)

	again, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, s.Gateway.RefundCalls(), 1)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 300, IdempotencyKey: "pos-77-refund"})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)

	refunds, err := s.Refunds.List(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.NotNil(t, refunds[0].IdempotencyKey)
	assert.Equal(t, "pos-77-refund", *refunds[0].IdempotencyKey)
}

func TestCancelRefusedAfterGatewayTimeout(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return nil, fmt.Errorf("create refund: %w", context.DeadlineExceeded)
	}

	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, refund.Status)

	_, err = s.Refunds.Cancel(s.Ctx, refund.ID.String())
	require.ErrorIs(t, err, domain.ErrRefundSubmitted)
	conflict, ok := ledgererr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, string(domain.StatusPending), conflict.CurrentStatus)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000, Manual: true})
	require.ErrorIs(t, err, domain.ErrRefundExceedsAvailable)
	assert.Len(t, s.Gateway.RefundCalls(), 1)
}

func TestReconcilePollsSubmittedRefunds(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	s.Gateway.RefundFunc = func(req gateway.RefundRequest) (*gateway.Refund, error) {
		return &gateway.Refund{ID: "rfnd_slow", Status: gateway.RefundStatusPending}, nil
	}
	refund, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000})
	require.NoError(t, err)

	s.Gateway.GetRefundFunc = func(gatewayPaymentID, refundID string) (*gateway.Refund, error) {
		assert.Equal(t, "rfnd_slow", refundID)
		return &gateway.Refund{ID: refundID, Status: gateway.RefundStatusFailed}, nil
	}
	s.Clock.Advance(time.Hour)

	result, err := s.Refunds.ReconcilePending(context.Background(), 10*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{Scanned: 1, Resolved: 1}, result)

	refunds, err := s.Refunds.List(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, refund.ID, refunds[0].ID)
	assert.Equal(t, domain.StatusFailed, refunds[0].Status)
	assert.Equal(t, paymentdomain.StatusSucceeded, s.Payment(t, payment.ID).Status)
}

// unsubmittedRefund reserves a PENDING refund that never reached the gateway.
func unsubmittedRefund(t *testing.T, s *ledgertest.Stack, payment *paymentdomain.Payment, amount int64) *domain.Refund {
	t.Helper()
	now := s.Clock.Now()
	refund := &domain.Refund{
		ID:           s.Node.Generate(),
		RestaurantID: ledgertest.RestaurantID,
		PaymentID:    payment.ID,
		Amount:       amount,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.RefundRepo.Insert(s.Ctx, s.DB, refund))
	return refund
}

func TestCancelAndFailTransitions(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	id := unsubmittedRefund(t, s, payment, 500).ID.String()

	_, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 501, Manual: true})
	require.ErrorIs(t, err, domain.ErrRefundExceedsAvailable)

	cancelled, err := s.Refunds.Cancel(s.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	again, err := s.Refunds.Cancel(s.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)

	_, err = s.Refunds.Fail(s.Ctx, id, "late")
	require.ErrorIs(t, err, domain.ErrRefundNotPending)
	_, err = s.Refunds.Confirm(s.Ctx, id)
	require.ErrorIs(t, err, domain.ErrRefundNotPending)

	_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 1000, Manual: true})
	require.NoError(t, err)
	assert.Empty(t, s.Gateway.RefundCalls())

	_, err = s.Refunds.Confirm(s.Ctx, "99999")
	require.ErrorIs(t, err, domain.ErrRefundNotFound)
}

func TestReconcileSubmitsReservedRefund(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment := gatewayPayment(t, s, 1000)
	refund := unsubmittedRefund(t, s, payment, 400)
	s.Clock.Advance(time.Hour)

	result, err := s.Refunds.ReconcilePending(context.Background(), 10*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{Scanned: 1, Resolved: 1}, result)

	refunds, err := s.Refunds.List(s.Ctx, payment.ID.String())
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, refund.ID, refunds[0].ID)
	assert.Equal(t, domain.StatusSucceeded, refunds[0].Status)
	assert.NotNil(t, refunds[0].SubmittedAt)
}

func TestReconcileWithoutGatewayIsNoop(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{NoGateway: true})
	payment := cashPayment(t, s, 1000)
	_, err := s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 100})
	require.NoError(t, err)

	result, err := s.Refunds.ReconcilePending(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{}, result)
}

func TestRefundRacingCaptureWebhook(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	billID := s.OpenBill(t, 1000)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), paymentdomain.CreatePaymentRequest{Method: "UPI", Amount: 1000})
	require.NoError(t, err)
	payload, headers := s.Signed(t, ledgertest.WebhookDelivery{
		EventID:   "evt_race",
		EventType: paymentdomain.EventTypePaymentCaptured,
		BillID:    billID,
		OrderID:   *payment.GatewayOrderID,
		PaymentID: "pay_race",
		Amount:    1000,
	})

	var (
		wg        sync.WaitGroup
		refundErr error
		hookErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, hookErr = s.Webhooks.IngestWebhook(context.Background(), hmacgateway.ProviderName, payload, headers)
	}()
	go func() {
		defer wg.Done()
		_, refundErr = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 300})
	}()
	wg.Wait()
	require.NoError(t, hookErr)

	if refundErr != nil {
		require.ErrorIs(t, refundErr, domain.ErrPaymentNotRefundable)
		_, err = s.Refunds.Refund(s.Ctx, payment.ID.String(), domain.CreateRefundRequest{Amount: 300})
		require.NoError(t, err)
	}

	calls := s.Gateway.RefundCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pay_race", calls[0].GatewayPaymentID)

	stored := s.Payment(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusPartiallyRefunded, stored.Status)
	require.NotNil(t, stored.SettlementID)

	var linked int64
	require.NoError(t, s.DB.Raw(`SELECT COUNT(*) FROM payments WHERE settlement_id IS NOT NULL`).Scan(&linked).Error)
	assert.Equal(t, int64(1), linked)

	day := s.Day(t)
	assert.Equal(t, int64(700), day.TotalSales)
	assert.Equal(t, int64(700), day.UPI)
	assert.Equal(t, int64(300), day.Refunds)
	assert.Equal(t, int64(1), day.TransactionCount)

	result, err := s.Settlement.Verify(s.Ctx, ledgertest.RestaurantID, s.Settlement.BusinessDate(ledgertest.Start))
	require.NoError(t, err)
	assert.True(t, result.Consistent, "drift: %+v", result.Drift)
}
