package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/tablepay/internal/gateway"
)

// FakeGateway is an in-memory gateway.Client and gateway.TransferClient.
// Hooks left nil return a successful response.
type FakeGateway struct {
	mu sync.Mutex

	OrderFunc         func(req gateway.CreateOrderRequest) (*gateway.Order, error)
	RefundFunc        func(req gateway.RefundRequest) (*gateway.Refund, error)
	GetRefundFunc     func(gatewayPaymentID, refundID string) (*gateway.Refund, error)
	OrderPaymentsFunc func(orderID string) ([]gateway.Payment, error)
	TransferFunc      func(req gateway.TransferRequest) (*gateway.Transfer, error)

	Orders    []gateway.CreateOrderRequest
	Refunds   []gateway.RefundRequest
	Transfers []gateway.TransferRequest
	seq       int
}

func (g *FakeGateway) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Orders = append(g.Orders, req)
	if g.OrderFunc != nil {
		return g.OrderFunc(req)
	}
	g.seq++
	return &gateway.Order{ID: fmt.Sprintf("order_%d", g.seq), Amount: req.Amount, Status: "created"}, nil
}

func (g *FakeGateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Refunds = append(g.Refunds, req)
	if g.RefundFunc != nil {
		return g.RefundFunc(req)
	}
	g.seq++
	return &gateway.Refund{
		ID:        fmt.Sprintf("rfnd_%d", g.seq),
		PaymentID: req.GatewayPaymentID,
		Amount:    req.Amount,
		Status:    gateway.RefundStatusProcessed,
	}, nil
}

func (g *FakeGateway) GetRefund(ctx context.Context, gatewayPaymentID, refundID string) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.GetRefundFunc != nil {
		return g.GetRefundFunc(gatewayPaymentID, refundID)
	}
	return &gateway.Refund{ID: refundID, PaymentID: gatewayPaymentID, Status: gateway.RefundStatusProcessed}, nil
}

func (g *FakeGateway) ListOrderPayments(ctx context.Context, orderID string) ([]gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.OrderPaymentsFunc != nil {
		return g.OrderPaymentsFunc(orderID)
	}
	return nil, nil
}

func (g *FakeGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Transfers = append(g.Transfers, req)
	if g.TransferFunc != nil {
		return g.TransferFunc(req)
	}
	g.seq++
	return &gateway.Transfer{ID: fmt.Sprintf("trf_%d", g.seq), Status: gateway.TransferStatusProcessed}, nil
}

// RefundCalls returns the refund requests seen so far.
func (g *FakeGateway) RefundCalls() []gateway.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.RefundRequest(nil), g.Refunds...)
}

func (g *FakeGateway) TransferCalls() []gateway.TransferRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.TransferRequest(nil), g.Transfers...)
}
