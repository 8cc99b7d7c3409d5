package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("method", "UPI"),
		attribute.String("bill_id", "456"),
		attribute.String("status", "SUCCEEDED"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "method" && attrs[1].Key != "method" {
		t.Fatalf("expected method to be retained")
	}
	if attrs[0].Key != "status" && attrs[1].Key != "status" {
		t.Fatalf("expected status to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordPayment(context.Background(), "CASH", "SUCCEEDED")
	m.RecordGatewayCall(context.Background(), "create_order", "ok", time.Second)

	noop := NewNoop()
	if noop == nil {
		t.Fatalf("expected noop metrics")
	}
	noop.RecordSettlementMutation(context.Background(), "rollback", "CASH", -500)
}
