package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/observability/tracing"
	"github.com/smallbiznis/tablepay/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	maxResponseBytes = 1 << 20

	HeaderIdempotencyKey = "Idempotency-Key"
)

type HTTPClient struct {
	baseURL   string
	keyID     string
	keySecret string
	timeout   time.Duration
	http      *http.Client
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
}

// NewHTTPClient builds a client from the gateway config. It returns ErrNotConfigured
// without a base URL.
func NewHTTPClient(cfg config.GatewayConfig, log *zap.Logger, metrics *obsmetrics.Metrics) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		timeout:   timeout,
		http:      &http.Client{Timeout: 2 * timeout},
		log:       log.Named("gateway.client"),
		metrics:   metrics,
	}, nil
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.Currency == "" {
		req.Currency = "INR"
	}
	var out Order
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create order: empty order id: %w", ErrUnavailable)
	}
	return &out, nil
}

func (c *HTTPClient) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if strings.TrimSpace(req.GatewayPaymentID) == "" {
		return nil, fmt.Errorf("refund requires a gateway payment id: %w", ErrRejected)
	}
	var out Refund
	path := "/v1/payments/" + url.PathEscape(req.GatewayPaymentID) + "/refund"
	if err := c.do(ctx, "create_refund", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetRefund(ctx context.Context, gatewayPaymentID, refundID string) (*Refund, error) {
	var out Refund
	path := "/v1/payments/" + url.PathEscape(gatewayPaymentID) + "/refunds/" + url.PathEscape(refundID)
	if err := c.do(ctx, "get_refund", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	var out struct {
		Items []Payment `json:"items"`
	}
	path := "/v1/orders/" + url.PathEscape(orderID) + "/payments"
	if err := c.do(ctx, "list_order_payments", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.Currency == "" {
		req.Currency = "INR"
	}
	var out Transfer
	if err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body any, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordGatewayCall(ctx, operation, outcome(err), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if keyed, ok := body.(interface{ idempotencyKey() string }); ok && keyed.idempotencyKey() != "" {
		req.Header.Set(HeaderIdempotencyKey, keyed.idempotencyKey())
	}
	if id := correlation.FromContext(ctx); id != "" {
		req.Header.Set(correlation.HeaderName, id)
	}
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("gateway call failed", zap.String("operation", operation), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w: %w", operation, ErrUnavailable, context.DeadlineExceeded)
		}
		return fmt.Errorf("%s: %w: %v", operation, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w: %v", operation, ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Description = envelope.Error.Description
		}
		c.log.Warn("gateway returned error",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w: %v", operation, ErrUnavailable, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
