package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/providers/email"
	"github.com/smallbiznis/tablepay/internal/providers/slack"
	"github.com/smallbiznis/tablepay/internal/providers/sms"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const deliveryTimeout = 10 * time.Second

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	Ledger     *config.LedgerConfigHolder `optional:"true"`
	Storm      domain.StormDetector
	Slack      slack.Provider      `optional:"true"`
	SMS        sms.Provider        `optional:"true"`
	Email      email.Provider      `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	cfg        config.AlertConfig
	ledger     *config.LedgerConfigHolder
	storm      domain.StormDetector
	slack      slack.Provider
	sms        sms.Provider
	email      email.Provider
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	wg sync.WaitGroup
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	svc := &Service{
		log:        p.Log.Named("alert.service"),
		cfg:        p.Config.Alert,
		ledger:     p.Ledger,
		storm:      p.Storm,
		slack:      p.Slack,
		sms:        p.SMS,
		email:      p.Email,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
	if svc.slack == nil {
		svc.slack = slack.Disabled{}
	}
	if svc.sms == nil {
		svc.sms = sms.Disabled{}
	}
	if svc.email == nil {
		svc.email = email.Disabled{}
	}
	return svc
}

var _ domain.Service = (*Service)(nil)

func (s *Service) Notify(ctx context.Context, alert domain.Alert) {
	if alert.Severity == "" {
		alert.Severity = domain.SeverityWarning
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = s.clock.Now()
	}
	s.obsMetrics.RecordAlert(ctx, string(alert.Kind))
	s.log.Warn("ledger alert raised",
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
	)

	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(detached, alert)
	}()
}

func (s *Service) Observe(ctx context.Context, kind domain.Kind, fields map[string]string) {
	policy := s.ledger.Get()
	threshold := thresholdFor(policy.StormThresholds, kind)
	if threshold <= 0 {
		return
	}

	count, err := s.storm.Hit(ctx, kind, policy.StormWindow)
	if err != nil {
		s.log.Warn("storm detector unavailable", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if count != threshold {
		return
	}

	s.Notify(ctx, domain.Alert{
		Kind:     kind,
		Severity: domain.SeverityCritical,
		Title:    fmt.Sprintf("%s storm", kind),
		Message:  fmt.Sprintf("%d occurrences of %s within %s", count, kind, policy.StormWindow),
		Fields:   fields,
	})
}

// Close waits for in-flight deliveries.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) deliver(ctx context.Context, alert domain.Alert) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	text := formatText(alert)
	if err := s.slack.PostMessage(ctx, s.cfg.SlackChannel, text); err != nil {
		s.log.Warn("slack alert failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
	}

	if alert.Severity == domain.SeverityCritical && strings.TrimSpace(s.cfg.TwilioTo) != "" {
		if err := s.sms.Send(ctx, s.cfg.TwilioTo, text); err != nil {
			s.log.Warn("sms alert failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}

	recipients := splitRecipients(s.cfg.SMTPTo)
	if alert.Severity != domain.SeverityInfo && len(recipients) > 0 {
		data := map[string]any{
			"subject":  fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
			"title":    alert.Title,
			"severity": string(alert.Severity),
			"kind":     string(alert.Kind),
			"message":  alert.Message,
			"fields":   alert.Fields,
		}
		if err := s.email.SendTemplate(ctx, recipients, "ledger_alert", data); err != nil {
			s.log.Warn("email alert failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}
}

func thresholdFor(cfg config.StormConfig, kind domain.Kind) int64 {
	switch kind {
	case domain.KindSignatureFailure:
		return cfg.SignatureFailures
	case domain.KindPayoutConflict:
		return cfg.PayoutConflicts
	case domain.KindGatewayError:
		return cfg.GatewayErrors
	default:
		return 1
	}
}

func formatText(alert domain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	if alert.Message != "" {
		b.WriteString("\n")
		b.WriteString(alert.Message)
	}
	if alert.RestaurantID != "" {
		fmt.Fprintf(&b, "\nrestaurant_id=%s", alert.RestaurantID)
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, alert.Fields[k])
	}
	return b.String()
}

func splitRecipients(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
