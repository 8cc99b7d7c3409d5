package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger instruments.
type Metrics struct {
	payments            metric.Int64Counter
	refunds             metric.Int64Counter
	webhookEvents       metric.Int64Counter
	settlementMutations metric.Int64Counter
	settlementAmount    metric.Int64Counter
	payoutTransitions   metric.Int64Counter
	gatewayCalls        metric.Int64Counter
	gatewayCallDuration metric.Float64Histogram
	auditFailures       metric.Int64Counter
	alertsRaised        metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the ledger metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tablepay"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.payments, err = meter.Int64Counter("tablepay_payment_transitions_total"); err != nil {
		return nil, err
	}
	if m.refunds, err = meter.Int64Counter("tablepay_refund_transitions_total"); err != nil {
		return nil, err
	}
	if m.webhookEvents, err = meter.Int64Counter("tablepay_webhook_events_total"); err != nil {
		return nil, err
	}
	if m.settlementMutations, err = meter.Int64Counter("tablepay_settlement_mutations_total"); err != nil {
		return nil, err
	}
	if m.settlementAmount, err = meter.Int64Counter("tablepay_settlement_amount_minor_total"); err != nil {
		return nil, err
	}
	if m.payoutTransitions, err = meter.Int64Counter("tablepay_payout_transitions_total"); err != nil {
		return nil, err
	}
	if m.gatewayCalls, err = meter.Int64Counter("tablepay_gateway_calls_total"); err != nil {
		return nil, err
	}
	if m.gatewayCallDuration, err = meter.Float64Histogram("tablepay_gateway_call_duration_seconds"); err != nil {
		return nil, err
	}
	if m.auditFailures, err = meter.Int64Counter("tablepay_audit_write_failures_total"); err != nil {
		return nil, err
	}
	if m.alertsRaised, err = meter.Int64Counter("tablepay_alerts_raised_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNoop returns instruments bound to a no-op provider, for tests and CLI tools.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordPayment counts payment status transitions.
func (m *Metrics) RecordPayment(ctx context.Context, method, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.payments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund counts refund status transitions.
func (m *Metrics) RecordRefund(ctx context.Context, path, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("path", strings.TrimSpace(path)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts webhook deliveries by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlementMutation counts settlement increments and decrements and the amount moved.
func (m *Metrics) RecordSettlementMutation(ctx context.Context, kind, method string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("method", strings.TrimSpace(method)),
	)
	m.settlementMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount < 0 {
		amount = -amount
	}
	m.settlementAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordPayoutTransition counts payout outcomes such as paid, duplicate or state_changed.
func (m *Metrics) RecordPayoutTransition(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.payoutTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall counts outbound gateway calls and their latency.
func (m *Metrics) RecordGatewayCall(ctx context.Context, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.gatewayCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAuditFailure counts audit records that could not be written.
func (m *Metrics) RecordAuditFailure(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAlert counts alerts handed to the notifier.
func (m *Metrics) RecordAlert(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.alertsRaised.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"method":     {},
	"status":     {},
	"path":       {},
	"provider":   {},
	"event_type": {},
	"outcome":    {},
	"kind":       {},
	"operation":  {},
	"action":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
