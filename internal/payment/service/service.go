package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/payment/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/smallbiznis/tablepay/pkg/db"
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
	Repo       domain.Repository
	Bills      billdomain.Service
	Settlement settlementdomain.Service
	AuditSvc   auditdomain.Service
	Config     config.Config
	Ledger     *config.LedgerConfigHolder `optional:"true"`
	Gateway    gateway.Client             `optional:"true"`
	Alerts     alertdomain.Service        `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	bills      billdomain.Service
	settlement settlementdomain.Service
	auditSvc   auditdomain.Service
	currency   string
	ledger     *config.LedgerConfigHolder
	gateway    gateway.Client
	alerts     alertdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	currency := strings.TrimSpace(p.Config.Currency)
	if currency == "" {
		currency = "INR"
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		bills:      p.Bills,
		settlement: p.Settlement,
		auditSvc:   p.AuditSvc,
		currency:   currency,
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		alerts:     p.Alerts,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// Create records a payment attempt. Manual payments succeed immediately;
// gateway payments stay PENDING until confirmed or announced by webhook.
func (s *Service) Create(ctx context.Context, billID string, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	method, err := domain.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.TipAmount < 0 || req.TipAmount > req.Amount {
		return nil, domain.ErrInvalidTipAmount
	}

	bill, err := s.bills.Get(ctx, billID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPayable(ctx, s.db, bill, req.Amount); err != nil {
		return nil, err
	}

	manual := method == domain.MethodCash || req.Manual
	paymentID := s.genID.Generate()
	orderID := normalizePointer(req.GatewayOrderID)
	if !manual && orderID == nil {
		order, err := s.createOrder(ctx, bill, paymentID, req.Amount)
		if err != nil {
			return nil, err
		}
		orderID = &order.ID
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	now := s.clock.Now()
	payment := &domain.Payment{
		ID:             paymentID,
		RestaurantID:   restaurantID,
		BillID:         bill.ID,
		Method:         method,
		Amount:         req.Amount,
		TipAmount:      req.TipAmount,
		Status:         domain.StatusPending,
		GatewayOrderID: orderID,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if manual {
		payment.Status = domain.StatusSucceeded
		payment.SucceededAt = &now
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.bills.Lock(ctx, tx, restaurantID, bill.ID)
		if err != nil {
			return err
		}
		if err := s.checkPayable(ctx, tx, locked, req.Amount); err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ledgererr.Conflict(domain.ErrDuplicateOrder, "")
			}
			return err
		}
		if !manual {
			return nil
		}
		return s.applySuccess(ctx, tx, locked, payment, now)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPayment(ctx, string(payment.Method), string(payment.Status))
	s.audit(ctx, payment, "payment.create", map[string]any{
		"amount": payment.Amount,
		"method": string(payment.Method),
		"manual": manual,
	})
	return payment, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	payment, err := s.repo.FindByID(ctx, s.db, restaurantID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) ListByBill(ctx context.Context, billID string) ([]domain.Payment, error) {
	bill, err := s.bills.Get(ctx, billID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByBill(ctx, s.db, bill.RestaurantID, bill.ID)
}

// Confirm marks a PENDING payment SUCCEEDED. Confirming a captured payment is a no-op.
func (s *Service) Confirm(ctx context.Context, id string) (*domain.Payment, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	confirmed, applied, err := s.succeed(ctx, payment.RestaurantID, payment.BillID, payment.ID, "")
	if err != nil {
		return nil, err
	}
	if applied {
		s.obsMetrics.RecordPayment(ctx, string(confirmed.Method), string(confirmed.Status))
		s.audit(ctx, confirmed, "payment.confirm", map[string]any{"amount": confirmed.Amount})
	}
	return confirmed, nil
}

// Fail abandons a PENDING payment. Failing a FAILED payment is a no-op.
func (s *Service) Fail(ctx context.Context, id string, reason string) (*domain.Payment, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	failed, changed, err := s.fail(ctx, payment.RestaurantID, payment.ID, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		s.obsMetrics.RecordPayment(ctx, string(failed.Method), string(failed.Status))
		s.audit(ctx, failed, "payment.fail", map[string]any{"reason": strings.TrimSpace(reason)})
	}
	return failed, nil
}

// ApplyGatewaySuccess applies a verified success event. Re-deliveries and
// events for captured payments change nothing.
func (s *Service) ApplyGatewaySuccess(ctx context.Context, event *domain.Event) (domain.Outcome, error) {
	if event == nil || event.BillID == 0 || strings.TrimSpace(event.GatewayOrderID) == "" {
		return "", domain.ErrMissingCorrelation
	}

	payment, err := s.repo.FindByOrder(ctx, s.db, event.BillID, event.GatewayOrderID)
	if err != nil {
		return "", err
	}
	if payment == nil {
		return "", domain.ErrPaymentNotFound
	}
	if event.Amount != payment.Amount {
		s.log.Warn("gateway amount does not match payment",
			zap.String("payment_id", payment.ID.String()),
			zap.Int64("expected", payment.Amount),
			zap.Int64("received", event.Amount),
		)
		return "", domain.ErrAmountMismatch
	}

	switch {
	case payment.Status.Captured():
		return domain.OutcomeDuplicate, nil
	case payment.Status == domain.StatusFailed:
		s.alertCaptureAfterFail(ctx, payment, event)
		return domain.OutcomeFailedPayment, nil
	}

	ctx = withGatewayActor(ctx, event.Provider)
	confirmed, applied, err := s.succeed(ctx, payment.RestaurantID, payment.BillID, payment.ID, event.GatewayPaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentFailed) {
			s.alertCaptureAfterFail(ctx, payment, event)
			return domain.OutcomeFailedPayment, nil
		}
		return "", err
	}
	if !applied {
		return domain.OutcomeDuplicate, nil
	}

	s.obsMetrics.RecordPayment(ctx, string(confirmed.Method), string(confirmed.Status))
	s.audit(ctx, confirmed, "payment.gateway_success", map[string]any{
		"amount":   confirmed.Amount,
		"event_id": event.EventID,
	})
	return domain.OutcomeApplied, nil
}

// ReconcilePending polls the gateway for PENDING payments older than olderThan
// and resolves those the gateway reports as captured or failed.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult
	if s.gateway == nil {
		return result, nil
	}
	if limit <= 0 {
		limit = 100
	}

	claimStart := time.Now()
	pending, err := s.repo.ListPending(ctx, s.db, domain.PendingFilter{
		CreatedBefore: s.clock.Now().Add(-olderThan),
		Limit:         limit,
	})
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourcePendingPayments, time.Since(claimStart))
	if err != nil {
		return result, err
	}
	result.Scanned = len(pending)

	ctx = withSchedulerActor(ctx)
	var lastErr error
	for i := range pending {
		item := &pending[i]
		resolved, err := s.reconcileOne(ctx, item)
		if err != nil {
			lastErr = err
			result.Deferred++
			continue
		}
		if resolved {
			result.Resolved++
		} else {
			result.Deferred++
		}
	}
	if lastErr != nil && result.Resolved == 0 && result.Deferred == result.Scanned {
		return result, lastErr
	}
	return result, nil
}

func (s *Service) reconcileOne(ctx context.Context, payment *domain.Payment) (bool, error) {
	attempts, err := s.gateway.ListOrderPayments(ctx, *payment.GatewayOrderID)
	if err != nil {
		s.observeGatewayError(ctx, "list_order_payments", err)
		s.log.Warn("gateway poll failed",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: %v", obsmetrics.ErrUpstream, err)
	}

	inFlight := false
	for _, attempt := range attempts {
		switch attempt.Status {
		case gateway.PaymentStatusCaptured:
			if attempt.Amount != payment.Amount {
				continue
			}
			confirmed, applied, err := s.succeed(ctx, payment.RestaurantID, payment.BillID, payment.ID, attempt.ID)
			if err != nil {
				return false, err
			}
			if applied {
				s.obsMetrics.RecordPayment(ctx, string(confirmed.Method), string(confirmed.Status))
				s.audit(ctx, confirmed, "payment.reconcile_success", map[string]any{"gateway_payment_id": attempt.ID})
			}
			return true, nil
		case gateway.PaymentStatusFailed:
		default:
			inFlight = true
		}
	}

	if inFlight || len(attempts) == 0 {
		return false, nil
	}
	failed, changed, err := s.fail(ctx, payment.RestaurantID, payment.ID, "gateway reported failure")
	if err != nil {
		return false, err
	}
	if changed {
		s.obsMetrics.RecordPayment(ctx, string(failed.Method), string(failed.Status))
		s.audit(ctx, failed, "payment.reconcile_failed", nil)
	}
	return true, nil
}

// succeed moves a payment to SUCCEEDED together with the bill recompute and
// the settlement increment. applied is false when it was already captured.
func (s *Service) succeed(ctx context.Context, restaurantID, billID, paymentID snowflake.ID, gatewayPaymentID string) (*domain.Payment, bool, error) {
	var result *domain.Payment
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.Lock(ctx, tx, restaurantID, billID)
		if err != nil {
			return err
		}
		payment, err := s.repo.FindForUpdate(ctx, tx, restaurantID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrPaymentNotFound
		}
		result = payment

		switch {
		case payment.Status.Captured():
			return nil
		case payment.Status == domain.StatusFailed:
			return ledgererr.Conflict(domain.ErrPaymentFailed, string(payment.Status))
		}

		now := s.clock.Now()
		payment.Status = domain.StatusSucceeded
		payment.SucceededAt = &now
		payment.UpdatedAt = now
		if id := strings.TrimSpace(gatewayPaymentID); id != "" {
			payment.GatewayPaymentID = &id
		}
		if err := s.repo.UpdateStatus(ctx, tx, payment); err != nil {
			return err
		}
		applied = true
		return s.applySuccess(ctx, tx, bill, payment, now)
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// applySuccess recomputes the locked bill and feeds the settlement day of now.
func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, bill *billdomain.Bill, payment *domain.Payment, now time.Time) error {
	if _, err := s.bills.Recompute(ctx, tx, bill, billdomain.KeepClosed); err != nil {
		return err
	}
	linked, err := s.settlement.RecordSuccess(ctx, tx, payment.RestaurantID, s.settlement.BusinessDate(now), []settlementdomain.SuccessItem{{
		PaymentID: payment.ID,
		Method:    string(payment.Method),
		Amount:    payment.Amount,
		TipAmount: payment.TipAmount,
	}})
	if err != nil {
		return err
	}
	if linked == 0 {
		s.log.Warn("payment already linked to a settlement",
			zap.String("payment_id", payment.ID.String()),
		)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, restaurantID, paymentID snowflake.ID, reason string) (*domain.Payment, bool, error) {
	var result *domain.Payment
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindForUpdate(ctx, tx, restaurantID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrPaymentNotFound
		}
		result = payment

		switch payment.Status {
		case domain.StatusFailed:
			return nil
		case domain.StatusPending:
		default:
			return ledgererr.Conflict(domain.ErrPaymentNotPending, string(payment.Status))
		}

		now := s.clock.Now()
		payment.Status = domain.StatusFailed
		payment.FailedAt = &now
		payment.UpdatedAt = now
		payment.FailureReason = normalizePointer(&reason)
		changed = true
		return s.repo.UpdateStatus(ctx, tx, payment)
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// checkPayable rejects amounts beyond the balance left after pending attempts.
func (s *Service) checkPayable(ctx context.Context, conn *gorm.DB, bill *billdomain.Bill, amount int64) error {
	if bill.Status != billdomain.StatusOpen {
		return ledgererr.Conflict(billdomain.ErrBillClosed, string(bill.Status))
	}
	totals, err := s.bills.Totals(ctx, conn, bill.ID)
	if err != nil {
		return err
	}
	if amount > totals.Payable(bill.Balance)+s.ledger.Get().OverpayEpsilon {
		return domain.ErrOverpayment
	}
	return nil
}

func (s *Service) createOrder(ctx context.Context, bill *billdomain.Bill, paymentID snowflake.ID, amount int64) (*gateway.Order, error) {
	if s.gateway == nil {
		return nil, domain.ErrGatewayUnavailable
	}
	order, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   amount,
		Currency: s.currency,
		Receipt:  paymentID.String(),
		Notes: map[string]string{
			"bill_id":       bill.ID.String(),
			"payment_id":    paymentID.String(),
			"restaurant_id": bill.RestaurantID.String(),
		},
	})
	if err != nil {
		s.observeGatewayError(ctx, "create_order", err)
		s.log.Warn("gateway order creation failed",
			zap.String("bill_id", bill.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return nil, domain.ErrGatewayUnavailable
	}
	return order, nil
}

func (s *Service) observeGatewayError(ctx context.Context, operation string, err error) {
	if s.alerts == nil {
		return
	}
	s.alerts.Observe(ctx, alertdomain.KindGatewayError, map[string]string{
		"operation": operation,
		"error":     err.Error(),
	})
}

func (s *Service) alertCaptureAfterFail(ctx context.Context, payment *domain.Payment, event *domain.Event) {
	s.log.Error("gateway captured a locally failed payment",
		zap.String("payment_id", payment.ID.String()),
		zap.String("event_id", event.EventID),
	)
	if s.alerts == nil {
		return
	}
	s.alerts.Notify(ctx, alertdomain.Alert{
		Kind:         alertdomain.KindCaptureAfterFail,
		Severity:     alertdomain.SeverityCritical,
		Title:        "Gateway captured a failed payment",
		Message:      "Manual reconciliation required: the gateway reports success for a payment marked FAILED.",
		RestaurantID: payment.RestaurantID.String(),
		Fields: map[string]string{
			"payment_id":         payment.ID.String(),
			"bill_id":            payment.BillID.String(),
			"event_id":           event.EventID,
			"gateway_payment_id": event.GatewayPaymentID,
		},
	})
}

func (s *Service) restaurantID(ctx context.Context) (snowflake.ID, error) {
	id, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return 0, domain.ErrInvalidRestaurant
	}
	return id, nil
}

func (s *Service) audit(ctx context.Context, payment *domain.Payment, action string, metadata map[string]any) {
	if s.auditSvc == nil || payment == nil {
		return
	}
	targetID := payment.ID.String()
	restaurantID := payment.RestaurantID
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["status"] = string(payment.Status)
	metadata["bill_id"] = payment.BillID.String()
	if err := s.auditSvc.AuditLog(ctx, &restaurantID, "", nil, action, "payment", &targetID, metadata); err != nil {
		s.obsMetrics.RecordAuditFailure(ctx, action)
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
