package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	PaymentSvc paymentdomain.Service
	Adapters   *adapters.Registry
	Alerts     alertdomain.Service `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	paymentSvc paymentdomain.Service
	adapters   *adapters.Registry
	alerts     alertdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		repo:       p.Repo,
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		alerts:     p.Alerts,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, logs and applies one gateway delivery. Nothing is
// written before the signature checks out.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return "", err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, "", "rejected_signature")
		s.log.Warn("webhook verification failed", zap.String("provider", provider), zap.Error(err))
		if s.alerts != nil {
			s.alerts.Observe(ctx, alertdomain.KindSignatureFailure, map[string]string{"provider": provider})
		}
		return "", err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, "", "rejected_payload")
		return "", err
	}
	event.Provider = provider

	record, duplicate, err := s.recordReceipt(ctx, event, payload)
	if err != nil {
		return "", err
	}
	if duplicate {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Type, string(paymentdomain.OutcomeDuplicate))
		return paymentdomain.OutcomeDuplicate, nil
	}

	outcome := paymentdomain.OutcomeIgnored
	if paymentdomain.IsPaymentSuccess(event.Type) {
		outcome, err = s.paymentSvc.ApplyGatewaySuccess(ctx, event)
		if err != nil {
			s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Type, "error")
			s.noteFailure(ctx, record, err)
			return "", err
		}
	}

	now := s.clock.Now()
	if err := s.repo.UpdateEventOutcome(ctx, s.db, record.ID, string(outcome), &now); err != nil {
		return "", err
	}
	s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Type, string(outcome))
	s.log.Info("webhook processed",
		zap.String("provider", provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// recordReceipt inserts the receipt row once per (provider, event_id). A
// previously received but unprocessed delivery is processed again.
func (s *Service) recordReceipt(ctx context.Context, event *paymentdomain.Event, payload []byte) (*paymentdomain.GatewayEvent, bool, error) {
	record := &paymentdomain.GatewayEvent{
		ID:         s.genID.Generate(),
		Provider:   event.Provider,
		EventID:    event.EventID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: s.clock.Now(),
	}
	if event.BillID != 0 {
		billID := event.BillID
		record.BillID = &billID
	}
	if event.GatewayOrderID != "" {
		orderID := event.GatewayOrderID
		record.GatewayOrderID = &orderID
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, false, nil
	}

	stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.EventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, paymentdomain.ErrInvalidEvent
	}
	return stored, stored.ProcessedAt != nil, nil
}

// noteFailure keeps the rejection reason on the receipt without marking it processed.
func (s *Service) noteFailure(ctx context.Context, record *paymentdomain.GatewayEvent, cause error) {
	outcome := "error"
	known := []error{
		paymentdomain.ErrPaymentNotFound,
		paymentdomain.ErrAmountMismatch,
		paymentdomain.ErrMissingCorrelation,
	}
	for _, target := range known {
		if errors.Is(cause, target) {
			outcome = target.Error()
			break
		}
	}
	if err := s.repo.UpdateEventOutcome(ctx, s.db, record.ID, outcome, nil); err != nil {
		s.log.Warn("failed to record webhook outcome", zap.String("event_id", record.EventID), zap.Error(err))
	}
	s.log.Warn("webhook not applied",
		zap.String("provider", record.Provider),
		zap.String("event_id", record.EventID),
		zap.String("outcome", outcome),
	)
}
