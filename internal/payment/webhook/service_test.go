package webhook_test

import (
	"net/http"
	"sync"
	"testing"
	"time"

	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/payment/adapters/hmacgateway"
	"github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/testutil/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRow struct {
	EventType   string
	Outcome     *string
	ProcessedAt *time.Time
}

func loadEvent(t *testing.T, s *ledgertest.Stack, eventID string) eventRow {
	t.Helper()
	var row eventRow
	require.NoError(t, s.DB.Raw(
		`SELECT event_type, outcome, processed_at FROM gateway_events WHERE provider = ? AND event_id = ?`,
		hmacgateway.ProviderName, eventID,
	).Scan(&row).Error)
	return row
}

func countEvents(t *testing.T, s *ledgertest.Stack) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB.Raw(`SELECT COUNT(*) FROM gateway_events`).Scan(&n).Error)
	return n
}

func pendingPayment(t *testing.T, s *ledgertest.Stack, total int64) (*domain.Payment, ledgertest.WebhookDelivery) {
	t.Helper()
	billID := s.OpenBill(t, total)
	payment, err := s.Payments.Create(s.Ctx, billID.String(), domain.CreatePaymentRequest{Method: "UPI", Amount: total})
	require.NoError(t, err)
	return payment, ledgertest.WebhookDelivery{
		EventID:   "evt_1",
		EventType: domain.EventTypePaymentCaptured,
		BillID:    billID,
		OrderID:   *payment.GatewayOrderID,
		PaymentID: "pay_123",
		Amount:    total,
	}
}

func TestIngestWebhookAppliesOnce(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	payload, headers := s.Signed(t, delivery)

	outcome, err := s.Webhooks.IngestWebhook(s.Ctx, "Gateway", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)

	stored := s.Payment(t, payment.ID)
	assert.Equal(t, domain.StatusSucceeded, stored.Status)
	require.NotNil(t, stored.GatewayPaymentID)
	assert.Equal(t, "pay_123", *stored.GatewayPaymentID)
	assert.Equal(t, billdomain.StatusClosed, s.Bill(t, delivery.BillID).Status)

	outcome, err = s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)

	day := s.Day(t)
	assert.Equal(t, int64(1000), day.UPI)
	assert.Equal(t, int64(1), day.TransactionCount)
	assert.Equal(t, int64(1), countEvents(t, s))

	row := loadEvent(t, s, "evt_1")
	require.NotNil(t, row.Outcome)
	assert.Equal(t, string(domain.OutcomeApplied), *row.Outcome)
	assert.NotNil(t, row.ProcessedAt)
}

func TestIngestWebhookSecondEventForCapturedPayment(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	_, delivery := pendingPayment(t, s, 1000)

	payload, headers := s.Signed(t, delivery)
	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)

	delivery.EventID = "evt_2"
	delivery.EventType = domain.EventTypeOrderPaid
	payload, headers = s.Signed(t, delivery)
	outcome, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)
	assert.Equal(t, int64(1), s.Day(t).TransactionCount)
	assert.Equal(t, int64(2), countEvents(t, s))
}

func TestIngestWebhookRejectsBadSignature(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	payload, headers := s.Signed(t, delivery)
	headers.Set(hmacgateway.HeaderSignature, "deadbeef")

	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	assert.Equal(t, int64(0), countEvents(t, s))
	assert.Equal(t, domain.StatusPending, s.Payment(t, payment.ID).Status)
	assert.Equal(t, []alertdomain.Kind{alertdomain.KindSignatureFailure}, s.Alerts.Observed())

	_, err = s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, http.Header{})
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestIngestWebhookUnknownProvider(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	_, err := s.Webhooks.IngestWebhook(s.Ctx, "paypal", []byte(`{}`), http.Header{})
	require.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = s.Webhooks.IngestWebhook(s.Ctx, " ", []byte(`{}`), http.Header{})
	require.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestIngestWebhookIgnoresOtherEventTypes(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	delivery.EventType = "payment.authorized"
	payload, headers := s.Signed(t, delivery)

	outcome, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
	assert.Equal(t, domain.StatusPending, s.Payment(t, payment.ID).Status)

	row := loadEvent(t, s, "evt_1")
	assert.Equal(t, "payment.authorized", row.EventType)
	require.NotNil(t, row.Outcome)
	assert.Equal(t, string(domain.OutcomeIgnored), *row.Outcome)
}

func TestIngestWebhookAmountMismatch(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	delivery.Amount = 999
	payload, headers := s.Signed(t, delivery)

	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.ErrorIs(t, err, domain.ErrAmountMismatch)
	assert.Equal(t, domain.StatusPending, s.Payment(t, payment.ID).Status)

	row := loadEvent(t, s, "evt_1")
	require.NotNil(t, row.Outcome)
	assert.Equal(t, domain.ErrAmountMismatch.Error(), *row.Outcome)
	assert.Nil(t, row.ProcessedAt)
}

func TestIngestWebhookUnknownPairing(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	_, delivery := pendingPayment(t, s, 1000)
	delivery.OrderID = "order_elsewhere"
	payload, headers := s.Signed(t, delivery)

	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.Nil(t, loadEvent(t, s, "evt_1").ProcessedAt)
}

func TestIngestWebhookRetriesUnprocessedDelivery(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	wrong := delivery
	wrong.OrderID = "order_elsewhere"
	payload, headers := s.Signed(t, wrong)
	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.Error(t, err)

	payload, headers = s.Signed(t, delivery)
	outcome, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, domain.StatusSucceeded, s.Payment(t, payment.ID).Status)
}

func TestIngestWebhookForFailedPaymentAlerts(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	_, err := s.Payments.Fail(s.Ctx, payment.ID.String(), "abandoned")
	require.NoError(t, err)

	payload, headers := s.Signed(t, delivery)
	outcome, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailedPayment, outcome)
	assert.Equal(t, domain.StatusFailed, s.Payment(t, payment.ID).Status)
	assert.Equal(t, billdomain.StatusOpen, s.Bill(t, delivery.BillID).Status)

	alerts := s.Alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alertdomain.KindCaptureAfterFail, alerts[0].Kind)
	assert.Equal(t, alertdomain.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, payment.ID.String(), alerts[0].Fields["payment_id"])
}

func TestIngestWebhookMalformedPayload(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	_, delivery := pendingPayment(t, s, 1000)
	delivery.EventID = ""
	payload, headers := s.Signed(t, delivery)

	_, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Equal(t, int64(0), countEvents(t, s))
}

func TestConcurrentRedeliveryAppliesOnce(t *testing.T) {
	s := ledgertest.New(t, ledgertest.Options{})
	payment, delivery := pendingPayment(t, s, 1000)
	payload, headers := s.Signed(t, delivery)

	const deliveries = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[domain.Outcome]int{}
		errs     = make(chan error, deliveries)
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.Webhooks.IngestWebhook(s.Ctx, hmacgateway.ProviderName, payload, headers.Clone())
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, outcomes[domain.OutcomeApplied])
	assert.Equal(t, deliveries-1, outcomes[domain.OutcomeDuplicate])
	assert.Equal(t, int64(1), countEvents(t, s))

	row := loadEvent(t, s, "evt_1")
	require.NotNil(t, row.Outcome)
	assert.Equal(t, string(domain.OutcomeApplied), *row.Outcome)

	stored := s.Payment(t, payment.ID)
	assert.Equal(t, domain.StatusSucceeded, stored.Status)
	require.NotNil(t, stored.SettlementID)

	var linked int64
	require.NoError(t, s.DB.Raw(`SELECT COUNT(*) FROM payments WHERE settlement_id IS NOT NULL`).Scan(&linked).Error)
	assert.Equal(t, int64(1), linked)

	day := s.Day(t)
	assert.Equal(t, int64(1000), day.UPI)
	assert.Equal(t, int64(1), day.TransactionCount)

	result, err := s.Settlement.Verify(s.Ctx, ledgertest.RestaurantID, s.Settlement.BusinessDate(ledgertest.Start))
	require.NoError(t, err)
	assert.True(t, result.Consistent, "drift: %+v", result.Drift)
}
