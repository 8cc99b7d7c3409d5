package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/alert/storm"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	slack  []string
	sms    []string
	emails []map[string]any
}

func (r *recorder) PostMessage(ctx context.Context, channel string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slack = append(r.slack, message)
	return nil
}

func (r *recorder) smsProvider() *smsRecorder { return &smsRecorder{r} }
func (r *recorder) emailProvider() *emailRecorder { return &emailRecorder{r} }

type smsRecorder struct{ r *recorder }

func (s *smsRecorder) Send(ctx context.Context, to string, body string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.sms = append(s.r.sms, to)
	return nil
}

type emailRecorder struct{ r *recorder }

func (e *emailRecorder) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (e *emailRecorder) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.r.emails = append(e.r.emails, data)
	return nil
}

func newTestService(t *testing.T, policy config.LedgerConfig) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		Log: zap.NewNop(),
		Config: config.Config{Alert: config.AlertConfig{
			SlackChannel: "#ledger-alerts",
			TwilioTo:     "+919800000000",
			SMTPTo:       "ops@tablepay.local, finance@tablepay.local",
		}},
		Ledger: config.NewStaticLedgerConfig(policy),
		Storm:  storm.NewMemory(clk),
		Slack:  rec,
		SMS:    rec.smsProvider(),
		Email:  rec.emailProvider(),
		Clock:  clk,
	})
	return svc, rec
}

func TestNotifyRoutesBySeverity(t *testing.T) {
	svc, rec := newTestService(t, config.DefaultLedgerConfig())
	ctx := context.Background()

	svc.Notify(ctx, domain.Alert{Kind: domain.KindSettlementDrift, Severity: domain.SeverityInfo, Title: "drift"})
	svc.Notify(ctx, domain.Alert{
		Kind:     domain.KindCaptureAfterFail,
		Severity: domain.SeverityCritical,
		Title:    "capture on failed payment",
		Fields:   map[string]string{"payment_id": "7"},
	})
	svc.Close()

	assert.Len(t, rec.slack, 2)
	assert.Equal(t, []string{"+919800000000"}, rec.sms)
	require.Len(t, rec.emails, 1)
	assert.Equal(t, "[critical] capture on failed payment", rec.emails[0]["subject"])
}

func TestObserveAlertsOncePerWindow(t *testing.T) {
	policy := config.DefaultLedgerConfig()
	policy.StormThresholds.PayoutConflicts = 3
	svc, rec := newTestService(t, policy)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.Observe(ctx, domain.KindPayoutConflict, map[string]string{"revenue_share_id": "1"})
	}
	svc.Close()

	require.Len(t, rec.slack, 1)
	assert.Contains(t, rec.slack[0], "payout.conflict storm")
	assert.Contains(t, rec.slack[0], "revenue_share_id=1")
}

func TestObserveDisabledThreshold(t *testing.T) {
	policy := config.DefaultLedgerConfig()
	policy.StormThresholds.SignatureFailures = 0
	svc, rec := newTestService(t, policy)

	svc.Observe(context.Background(), domain.KindSignatureFailure, nil)
	svc.Close()
	assert.Empty(t, rec.slack)
}

func TestFormatText(t *testing.T) {
	text := formatText(domain.Alert{
		Severity:     domain.SeverityWarning,
		Title:        "gateway errors",
		Message:      "10 failures",
		RestaurantID: "99",
		Fields:       map[string]string{"b": "2", "a": "1"},
	})
	assert.Equal(t, "[WARNING] gateway errors\n10 failures\nrestaurant_id=99\na=1\nb=2", text)
}

type mockStorm struct {
	mock.Mock
}

func (m *mockStorm) Hit(ctx context.Context, kind domain.Kind, window time.Duration) (int64, error) {
	args := m.Called(ctx, kind, window)
	return args.Get(0).(int64), args.Error(1)
}

func TestObserveSkipsAlertWhenDetectorFails(t *testing.T) {
	policy := config.DefaultLedgerConfig()
	policy.StormThresholds.GatewayErrors = 1
	rec := &recorder{}
	detector := &mockStorm{}
	detector.On("Hit", mock.Anything, domain.KindGatewayError, policy.StormWindow).
		Return(int64(0), errors.New("redis down")).Once()

	svc := NewService(Params{
		Log:    zap.NewNop(),
		Ledger: config.NewStaticLedgerConfig(policy),
		Storm:  detector,
		Slack:  rec,
		SMS:    rec.smsProvider(),
		Email:  rec.emailProvider(),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	})

	svc.Observe(context.Background(), domain.KindGatewayError, nil)
	svc.Close()

	detector.AssertExpectations(t)
	assert.Empty(t, rec.slack)
}
