// Package gateway is the outbound client for the external payment gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConfigured = errors.New("gateway_not_configured")
	ErrUnavailable   = errors.New("upstream_unavailable")
	ErrRejected      = errors.New("gateway_rejected")
)

// APIError is a non-2xx gateway response. 4xx unwraps to ErrRejected, everything else to ErrUnavailable.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("gateway %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("gateway %d %s", e.StatusCode, e.Code)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429 {
		return ErrRejected
	}
	return ErrUnavailable
}

const (
	RefundStatusPending   = "pending"
	RefundStatusProcessed = "processed"
	RefundStatusFailed    = "failed"

	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusFailed     = "failed"

	TransferStatusProcessed = "processed"
	TransferStatusPending   = "pending"
	TransferStatusFailed    = "failed"
)

type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type Order struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// RefundRequest is resubmitted with the same IdempotencyKey when a previous
// attempt timed out.
type RefundRequest struct {
	GatewayPaymentID string            `json:"-"`
	IdempotencyKey   string            `json:"-"`
	Amount           int64             `json:"amount"`
	Notes            map[string]string `json:"notes,omitempty"`
}

type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type Payment struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type TransferRequest struct {
	IdempotencyKey string `json:"-"`

	AccountRef string            `json:"account"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Reference  string            `json:"reference"`
	Notes      map[string]string `json:"notes,omitempty"`
}

type Transfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	UTR    string `json:"utr,omitempty"`
}

func (r RefundRequest) idempotencyKey() string   { return r.IdempotencyKey }
func (r TransferRequest) idempotencyKey() string { return r.IdempotencyKey }

// Client covers the gateway calls the ledger makes. Every call is bounded by the configured timeout.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)
	GetRefund(ctx context.Context, gatewayPaymentID, refundID string) (*Refund, error)
	ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error)
}

// TransferClient moves commission to partner accounts.
type TransferClient interface {
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// IsTimeout reports whether err came from the call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
