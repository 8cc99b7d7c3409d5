package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(config.GatewayConfig{
		BaseURL:   srv.URL + "/",
		KeyID:     "key_test",
		KeySecret: "secret_test",
		Timeout:   timeout,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	return client
}

func TestCreateOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key_test", user)
		assert.Equal(t, "secret_test", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "corr-1", r.Header.Get(correlation.HeaderName))

		var body CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(50000), body.Amount)
		assert.Equal(t, "INR", body.Currency)

		_ = json.NewEncoder(w).Encode(Order{ID: "order_1", Amount: body.Amount, Status: "created"})
	}, time.Second)

	ctx := correlation.WithID(context.Background(), "corr-1")
	order, err := client.CreateOrder(ctx, CreateOrderRequest{Amount: 50000, Receipt: "bill-1"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
}

func TestErrorClassification(t *testing.T) {
	rejected := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"refund exceeds amount"}}`))
	}, time.Second)
	_, err := rejected.CreateRefund(context.Background(), RefundRequest{GatewayPaymentID: "pay_1", Amount: 10})
	require.ErrorIs(t, err, ErrRejected)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "BAD_REQUEST_ERROR", apiErr.Code)

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)
	_, err = down.GetRefund(context.Background(), "pay_1", "rfnd_1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := client.ListOrderPayments(context.Background(), "order_1")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "timeout", outcome(err))
}

func TestCreateRefundRequiresGatewayPaymentID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, time.Second)
	_, err := client.CreateRefund(context.Background(), RefundRequest{Amount: 10})
	require.ErrorIs(t, err, ErrRejected)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(config.GatewayConfig{}, zap.NewNop(), nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreateRefundSendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_1/refund", r.URL.Path)
		assert.Equal(t, "rfnd-local-1", r.Header.Get(HeaderIdempotencyKey))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rfnd_1","payment_id":"pay_1","amount":10,"status":"processed"}`))
	}, time.Second)

	refund, err := client.CreateRefund(context.Background(), RefundRequest{
		GatewayPaymentID: "pay_1",
		IdempotencyKey:   "rfnd-local-1",
		Amount:           10,
	})
	require.NoError(t, err)
	assert.Equal(t, RefundStatusProcessed, refund.Status)
}
