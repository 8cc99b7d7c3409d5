// Package ledgertest wires the ledger services against an in-memory database
// for cross-package service tests.
package ledgertest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/tablepay/internal/audit/repository"
	auditservice "github.com/smallbiznis/tablepay/internal/audit/service"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	billrepo "github.com/smallbiznis/tablepay/internal/bill/repository"
	billservice "github.com/smallbiznis/tablepay/internal/bill/service"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/payment/adapters"
	"github.com/smallbiznis/tablepay/internal/payment/adapters/hmacgateway"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/tablepay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tablepay/internal/payment/service"
	"github.com/smallbiznis/tablepay/internal/payment/webhook"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	payoutrepo "github.com/smallbiznis/tablepay/internal/payout/repository"
	payoutservice "github.com/smallbiznis/tablepay/internal/payout/service"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
	refundrepo "github.com/smallbiznis/tablepay/internal/refund/repository"
	refundservice "github.com/smallbiznis/tablepay/internal/refund/service"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	settlementrepo "github.com/smallbiznis/tablepay/internal/settlement/repository"
	settlementservice "github.com/smallbiznis/tablepay/internal/settlement/service"
	"github.com/smallbiznis/tablepay/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	RestaurantID  = snowflake.ID(101)
	WebhookSecret = "whsec_test"
	Timezone      = "Asia/Kolkata"
)

// Start is 13:30 IST, so the business date is 2024-03-01.
var Start = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type Options struct {
	// NoGateway leaves the gateway client unset.
	NoGateway bool
	Ledger    *config.LedgerConfig
}

type Stack struct {
	DB      *gorm.DB
	Node    *snowflake.Node
	Clock   *clock.FakeClock
	Gateway *FakeGateway
	Ledger  *config.LedgerConfigHolder
	Alerts  *RecordingAlerts
	Ctx     context.Context

	Audit       auditdomain.Service
	Settlement  settlementdomain.Service
	Bills       billdomain.Service
	PaymentRepo paymentdomain.Repository
	Payments    paymentdomain.Service
	Webhooks    paymentdomain.WebhookService
	RefundRepo  refunddomain.Repository
	Refunds     refunddomain.Service
	Payouts     payoutdomain.Service
}

func New(t *testing.T, opts Options) *Stack {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(Start)
	log := zap.NewNop()
	cfg := config.Config{SettlementTimezone: Timezone, Currency: "INR"}

	ledgerCfg := config.DefaultLedgerConfig()
	if opts.Ledger != nil {
		ledgerCfg = *opts.Ledger
	}
	ledger := config.NewStaticLedgerConfig(ledgerCfg)

	s := &Stack{
		DB:     db,
		Node:   node,
		Clock:  clk,
		Ledger: ledger,
		Alerts: &RecordingAlerts{},
		Ctx:    orgcontext.WithRestaurantID(context.Background(), RestaurantID),
	}

	var client gateway.Client
	var transfers gateway.TransferClient
	if !opts.NoGateway {
		s.Gateway = &FakeGateway{}
		client = s.Gateway
		transfers = s.Gateway
	}

	s.Audit = auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	s.Settlement = settlementservice.NewService(settlementservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Repo:   settlementrepo.Provide(),
		Config: cfg,
		Clock:  clk,
	})
	s.Bills = billservice.NewService(billservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       billrepo.Provide(),
		AuditSvc:   s.Audit,
		Settlement: s.Settlement,
		Clock:      clk,
	})

	s.PaymentRepo = paymentrepo.Provide()
	s.Payments = paymentservice.NewService(paymentservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       s.PaymentRepo,
		Bills:      s.Bills,
		Settlement: s.Settlement,
		AuditSvc:   s.Audit,
		Config:     cfg,
		Ledger:     ledger,
		Gateway:    client,
		Alerts:     s.Alerts,
		Clock:      clk,
	})

	registry := adapters.NewRegistry(hmacgateway.NewFactory(hmacgateway.ProviderName))
	require.NoError(t, registry.Configure(paymentdomain.AdapterConfig{
		Provider: hmacgateway.ProviderName,
		Secret:   WebhookSecret,
		Now:      clk.Now,
	}))
	s.Webhooks = webhook.NewService(webhook.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       s.PaymentRepo,
		PaymentSvc: s.Payments,
		Adapters:   registry,
		Alerts:     s.Alerts,
		Clock:      clk,
	})

	s.RefundRepo = refundrepo.Provide()
	s.Refunds = refundservice.NewService(refundservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       s.RefundRepo,
		Payments:   s.PaymentRepo,
		Bills:      s.Bills,
		Settlement: s.Settlement,
		AuditSvc:   s.Audit,
		Ledger:     ledger,
		Gateway:    client,
		Alerts:     s.Alerts,
		Clock:      clk,
	})

	s.Payouts = payoutservice.NewService(payoutservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      payoutrepo.Provide(),
		AuditSvc:  s.Audit,
		Config:    cfg,
		Ledger:    ledger,
		Transfers: transfers,
		Alerts:    s.Alerts,
		Clock:     clk,
	})

	testutil.InsertRestaurant(t, db, RestaurantID, nil, "Dosa Corner", "10")
	return s
}

// OpenBill inserts an OPEN bill for RestaurantID with total as its subtotal.
func (s *Stack) OpenBill(t *testing.T, total int64) snowflake.ID {
	t.Helper()
	id := s.Node.Generate()
	testutil.InsertBill(t, s.DB, testutil.BillRow{ID: id, RestaurantID: RestaurantID, Subtotal: total})
	return id
}

func (s *Stack) Bill(t *testing.T, id snowflake.ID) *billdomain.Bill {
	t.Helper()
	bill, err := s.Bills.Get(s.Ctx, id.String())
	require.NoError(t, err)
	return bill
}

func (s *Stack) Payment(t *testing.T, id snowflake.ID) *paymentdomain.Payment {
	t.Helper()
	payment, err := s.Payments.Get(s.Ctx, id.String())
	require.NoError(t, err)
	return payment
}

// Day returns the settlement for the business date of Start.
func (s *Stack) Day(t *testing.T) *settlementdomain.Settlement {
	t.Helper()
	day, err := s.Settlement.GetDaily(s.Ctx, s.Settlement.BusinessDate(Start))
	require.NoError(t, err)
	return day
}

// AuditActions lists recorded audit actions in insertion order.
func (s *Stack) AuditActions(t *testing.T) []string {
	t.Helper()
	var actions []string
	require.NoError(t, s.DB.Raw(`SELECT action FROM audit_logs ORDER BY id`).Scan(&actions).Error)
	return actions
}

// RecordingAlerts captures alerts and storm observations.
type RecordingAlerts struct {
	mu       sync.Mutex
	alerts   []alertdomain.Alert
	observed []alertdomain.Kind
}

func (r *RecordingAlerts) Notify(ctx context.Context, alert alertdomain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *RecordingAlerts) Observe(ctx context.Context, kind alertdomain.Kind, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, kind)
}

func (r *RecordingAlerts) Alerts() []alertdomain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alertdomain.Alert(nil), r.alerts...)
}

func (r *RecordingAlerts) Observed() []alertdomain.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alertdomain.Kind(nil), r.observed...)
}

// WebhookDelivery is a signed gateway delivery.
type WebhookDelivery struct {
	EventID   string
	EventType string
	BillID    snowflake.ID
	OrderID   string
	PaymentID string
	Amount    int64
}

// Signed encodes d in the gateway envelope and signs it with WebhookSecret.
func (s *Stack) Signed(t *testing.T, d WebhookDelivery) ([]byte, http.Header) {
	t.Helper()
	body := map[string]any{
		"id":         d.EventID,
		"event":      d.EventType,
		"created_at": s.Clock.Now().Unix(),
		"payload": map[string]any{
			"order_id":   d.OrderID,
			"payment_id": d.PaymentID,
			"amount":     d.Amount,
			"method":     "upi",
			"notes":      map[string]string{"bill_id": d.BillID.String()},
		},
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	timestamp := strconv.FormatInt(s.Clock.Now().Unix(), 10)
	headers := http.Header{}
	headers.Set(hmacgateway.HeaderTimestamp, timestamp)
	headers.Set(hmacgateway.HeaderSignature, hmacgateway.Sign([]byte(WebhookSecret), timestamp, payload))
	return payload, headers
}
