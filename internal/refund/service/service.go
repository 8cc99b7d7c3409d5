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
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	"github.com/smallbiznis/tablepay/internal/refund/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	pathManual  = "manual"
	pathGateway = "gateway"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Payments   paymentdomain.Repository
	Bills      billdomain.Service
	Settlement settlementdomain.Service
	AuditSvc   auditdomain.Service
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
	payments   paymentdomain.Repository
	bills      billdomain.Service
	settlement settlementdomain.Service
	auditSvc   auditdomain.Service
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
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refund.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		payments:   p.Payments,
		bills:      p.Bills,
		settlement: p.Settlement,
		auditSvc:   p.AuditSvc,
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		alerts:     p.Alerts,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// Refund reverses amount of a captured payment. Manual refunds settle in one
// transaction; gateway refunds are reserved as PENDING before the gateway call
// and come back PENDING when the gateway outcome is unknown.
func (s *Service) Refund(ctx context.Context, paymentID string, req domain.CreateRefundRequest) (*domain.Refund, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := parseID(paymentID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	payment, err := s.payments.FindByID(ctx, s.db, restaurantID, pid)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	viaGateway := payment.GatewayBacked() && !req.Manual
	if viaGateway && s.gateway == nil {
		return nil, domain.ErrGatewayUnavailable
	}

	now := s.clock.Now()
	refund := &domain.Refund{
		ID:             s.genID.Generate(),
		RestaurantID:   restaurantID,
		PaymentID:      payment.ID,
		Amount:         req.Amount,
		Status:         domain.StatusPending,
		Reason:         normalizePointer(&req.Reason),
		IdempotencyKey: normalizePointer(&req.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var (
		reopened bool
		replayed *domain.Refund
		captured *paymentdomain.Payment
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.Lock(ctx, tx, restaurantID, payment.BillID)
		if err != nil {
			return err
		}
		locked, err := s.payments.FindForUpdate(ctx, tx, restaurantID, payment.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		captured = locked
		if refund.IdempotencyKey != nil {
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, locked.ID, *refund.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Amount != refund.Amount {
					return domain.ErrIdempotencyKeyReused
				}
				replayed = existing
				return nil
			}
		}
		if !locked.Status.Refundable() {
			return ledgererr.Conflict(domain.ErrPaymentNotRefundable, string(locked.Status))
		}
		viaGateway = locked.GatewayBacked() && !req.Manual
		if viaGateway && s.gateway == nil {
			return domain.ErrGatewayUnavailable
		}
		totals, err := s.repo.Totals(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if refund.Amount > totals.Available(locked.Amount) {
			return domain.ErrRefundExceedsAvailable
		}
		if err := s.repo.Insert(ctx, tx, refund); err != nil {
			return err
		}
		if viaGateway {
			return nil
		}
		reopened, err = s.finalize(ctx, tx, bill, locked, refund, "", now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	path := pathManual
	if viaGateway {
		path = pathGateway
	}
	s.obsMetrics.RecordRefund(ctx, path, string(refund.Status))
	s.audit(ctx, refund, "refund.create", map[string]any{
		"amount":      refund.Amount,
		"path":        path,
		"bill_reopen": reopened,
	})
	if !viaGateway {
		return refund, nil
	}
	return s.submit(ctx, refund, captured)
}

// Confirm finalizes a PENDING refund. Confirming a SUCCEEDED refund is a no-op.
func (s *Service) Confirm(ctx context.Context, id string) (*domain.Refund, error) {
	refund, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, refund, "")
}

func (s *Service) Fail(ctx context.Context, id string, reason string) (*domain.Refund, error) {
	refund, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.markFailed(ctx, refund, reason)
}

// Cancel releases the headroom of a PENDING refund that was never sent to the gateway.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Refund, error) {
	refund, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, refund)
		if err != nil {
			return err
		}
		refund = locked
		switch {
		case locked.Status == domain.StatusCancelled:
			return nil
		case locked.Status != domain.StatusPending:
			return ledgererr.Conflict(domain.ErrRefundNotPending, string(locked.Status))
		case locked.Submitted():
			return ledgererr.Conflict(domain.ErrRefundSubmitted, string(locked.Status))
		}
		locked.Status = domain.StatusCancelled
		locked.UpdatedAt = s.clock.Now()
		changed = true
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.obsMetrics.RecordRefund(ctx, pathManual, string(refund.Status))
		s.audit(ctx, refund, "refund.cancel", nil)
	}
	return refund, nil
}

func (s *Service) List(ctx context.Context, paymentID string) ([]domain.Refund, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := parseID(paymentID)
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.FindByID(ctx, s.db, restaurantID, pid)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return s.repo.ListByPayment(ctx, s.db, restaurantID, payment.ID)
}

// ReconcilePending polls the gateway for PENDING refunds. Refunds the gateway
// never acknowledged are resubmitted under the same idempotency key.
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
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourcePendingRefunds, time.Since(claimStart))
	if err != nil {
		return result, err
	}
	result.Scanned = len(pending)

	if actorType, _ := auditcontext.ActorFromContext(ctx); actorType == "" {
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "reconciler")
	}

	var lastErr error
	for i := range pending {
		refund := &pending[i]
		resolved, err := s.reconcileOne(ctx, refund)
		switch {
		case err != nil:
			lastErr = err
			result.Deferred++
		case resolved:
			result.Resolved++
		default:
			result.Deferred++
		}
	}
	if lastErr != nil && result.Resolved == 0 {
		return result, lastErr
	}
	return result, nil
}

func (s *Service) reconcileOne(ctx context.Context, refund *domain.Refund) (bool, error) {
	payment, err := s.payments.FindByID(ctx, s.db, refund.RestaurantID, refund.PaymentID)
	if err != nil {
		return false, err
	}
	if payment == nil || !payment.GatewayBacked() {
		s.log.Warn("pending refund has no gateway payment", zap.String("refund_id", refund.ID.String()))
		return false, nil
	}

	var remote *gateway.Refund
	if refund.GatewayRefundID == nil {
		refund, err = s.markSubmitted(ctx, refund)
		if err != nil || refund.Status != domain.StatusPending {
			return err == nil, err
		}
		remote, err = s.gateway.CreateRefund(ctx, s.refundRequest(refund, payment))
	} else {
		remote, err = s.gateway.GetRefund(ctx, *payment.GatewayPaymentID, *refund.GatewayRefundID)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) && refund.GatewayRefundID == nil {
			_, err = s.markFailed(ctx, refund, err.Error())
			return err == nil, err
		}
		s.observeGatewayError(ctx, err)
		return false, fmt.Errorf("%w: %v", obsmetrics.ErrUpstream, err)
	}

	switch remote.Status {
	case gateway.RefundStatusProcessed:
		_, err = s.complete(ctx, refund, remote.ID)
		return err == nil, err
	case gateway.RefundStatusFailed:
		_, err = s.markFailed(ctx, refund, "gateway reported failure")
		return err == nil, err
	default:
		if refund.GatewayRefundID == nil && remote.ID != "" {
			return false, s.attachGatewayID(ctx, refund, remote.ID)
		}
		return false, nil
	}
}

// submit sends a reserved refund to the gateway. A timeout or transport error
// leaves the refund PENDING for the reconciler and is not reported as an error.
func (s *Service) submit(ctx context.Context, refund *domain.Refund, payment *paymentdomain.Payment) (*domain.Refund, error) {
	refund, err := s.markSubmitted(ctx, refund)
	if err != nil {
		return nil, err
	}
	if refund.Status != domain.StatusPending {
		return refund, nil
	}

	remote, err := s.gateway.CreateRefund(ctx, s.refundRequest(refund, payment))
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return s.markFailed(ctx, refund, err.Error())
		}
		s.observeGatewayError(ctx, err)
		s.log.Warn("gateway refund unresolved, left pending",
			zap.String("refund_id", refund.ID.String()),
			zap.Error(err),
		)
		return refund, nil
	}

	switch remote.Status {
	case gateway.RefundStatusProcessed:
		return s.complete(ctx, refund, remote.ID)
	case gateway.RefundStatusFailed:
		return s.markFailed(ctx, refund, "gateway reported failure")
	default:
		if err := s.attachGatewayID(ctx, refund, remote.ID); err != nil {
			return nil, err
		}
		return refund, nil
	}
}

func (s *Service) refundRequest(refund *domain.Refund, payment *paymentdomain.Payment) gateway.RefundRequest {
	return gateway.RefundRequest{
		GatewayPaymentID: *payment.GatewayPaymentID,
		IdempotencyKey:   refund.ID.String(),
		Amount:           refund.Amount,
		Notes: map[string]string{
			"refund_id":  refund.ID.String(),
			"payment_id": payment.ID.String(),
		},
	}
}

// complete moves a PENDING refund to SUCCEEDED in one transaction with the
// payment, settlement and bill updates.
func (s *Service) complete(ctx context.Context, refund *domain.Refund, gatewayRefundID string) (*domain.Refund, error) {
	payment, err := s.payments.FindByID(ctx, s.db, refund.RestaurantID, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}

	applied := false
	reopened := false
	var result *domain.Refund
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.Lock(ctx, tx, refund.RestaurantID, payment.BillID)
		if err != nil {
			return err
		}
		lockedPayment, err := s.payments.FindForUpdate(ctx, tx, refund.RestaurantID, payment.ID)
		if err != nil {
			return err
		}
		if lockedPayment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		locked, err := s.lock(ctx, tx, refund)
		if err != nil {
			return err
		}
		result = locked

		switch locked.Status {
		case domain.StatusSucceeded:
			return nil
		case domain.StatusPending:
		default:
			return ledgererr.Conflict(domain.ErrRefundNotPending, string(locked.Status))
		}

		reopened, err = s.finalize(ctx, tx, bill, lockedPayment, locked, gatewayRefundID, s.clock.Now())
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.obsMetrics.RecordRefund(ctx, pathGateway, string(result.Status))
		s.audit(ctx, result, "refund.succeed", map[string]any{
			"amount":      result.Amount,
			"bill_reopen": reopened,
		})
	}
	return result, nil
}

// finalize books a refund as SUCCEEDED. The bill, payment and refund rows
// must be locked in tx.
func (s *Service) finalize(
	ctx context.Context,
	tx *gorm.DB,
	bill *billdomain.Bill,
	payment *paymentdomain.Payment,
	refund *domain.Refund,
	gatewayRefundID string,
	now time.Time,
) (bool, error) {
	refund.Status = domain.StatusSucceeded
	refund.SucceededAt = &now
	refund.UpdatedAt = now
	if id := strings.TrimSpace(gatewayRefundID); id != "" {
		refund.GatewayRefundID = &id
	}
	if err := s.repo.Update(ctx, tx, refund); err != nil {
		return false, err
	}

	totals, err := s.repo.Totals(ctx, tx, payment.ID)
	if err != nil {
		return false, err
	}
	if totals.Succeeded > payment.Amount {
		return false, domain.ErrRefundExceedsAvailable
	}
	full := totals.Succeeded == payment.Amount

	payment.Status = paymentdomain.StatusPartiallyRefunded
	if full {
		payment.Status = paymentdomain.StatusRefunded
	}
	payment.UpdatedAt = now
	if err := s.payments.UpdateStatus(ctx, tx, payment); err != nil {
		return false, err
	}

	err = s.settlement.Rollback(ctx, tx, []settlementdomain.RollbackItem{{
		PaymentID:    payment.ID,
		Method:       string(payment.Method),
		Amount:       refund.Amount,
		FullReversal: full,
	}}, true)
	if err != nil {
		return false, err
	}

	policy := billdomain.KeepClosed
	if s.ledger.Get().AutoReopenOnRefund {
		policy = billdomain.ReopenOnShortfall
	}
	result, err := s.bills.Recompute(ctx, tx, bill, policy)
	if err != nil {
		return false, err
	}
	return result.Reopened, nil
}

func (s *Service) markFailed(ctx context.Context, refund *domain.Refund, reason string) (*domain.Refund, error) {
	changed := false
	var result *domain.Refund
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, refund)
		if err != nil {
			return err
		}
		result = locked
		switch locked.Status {
		case domain.StatusFailed:
			return nil
		case domain.StatusPending:
		default:
			return ledgererr.Conflict(domain.ErrRefundNotPending, string(locked.Status))
		}
		now := s.clock.Now()
		locked.Status = domain.StatusFailed
		locked.FailedAt = &now
		locked.UpdatedAt = now
		locked.FailureReason = normalizePointer(&reason)
		changed = true
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.obsMetrics.RecordRefund(ctx, pathGateway, string(result.Status))
		s.audit(ctx, result, "refund.fail", map[string]any{"reason": strings.TrimSpace(reason)})
	}
	return result, nil
}

// markSubmitted stamps submitted_at before a gateway call so the refund can no
// longer be cancelled. It returns the locked row, which may have left PENDING.
func (s *Service) markSubmitted(ctx context.Context, refund *domain.Refund) (*domain.Refund, error) {
	var result *domain.Refund
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, refund)
		if err != nil {
			return err
		}
		result = locked
		if locked.Status != domain.StatusPending || locked.SubmittedAt != nil {
			return nil
		}
		now := s.clock.Now()
		locked.SubmittedAt = &now
		locked.UpdatedAt = now
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) attachGatewayID(ctx context.Context, refund *domain.Refund, gatewayRefundID string) error {
	gatewayRefundID = strings.TrimSpace(gatewayRefundID)
	if gatewayRefundID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, refund)
		if err != nil {
			return err
		}
		if locked.Status != domain.StatusPending || locked.GatewayRefundID != nil {
			return nil
		}
		locked.GatewayRefundID = &gatewayRefundID
		locked.UpdatedAt = s.clock.Now()
		refund.GatewayRefundID = locked.GatewayRefundID
		return s.repo.Update(ctx, tx, locked)
	})
}

func (s *Service) get(ctx context.Context, id string) (*domain.Refund, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	refundID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	refund, err := s.repo.FindByID(ctx, s.db, restaurantID, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, domain.ErrRefundNotFound
	}
	return refund, nil
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, refund *domain.Refund) (*domain.Refund, error) {
	locked, err := s.repo.FindForUpdate(ctx, tx, refund.RestaurantID, refund.ID)
	if err != nil {
		return nil, err
	}
	if locked == nil {
		return nil, domain.ErrRefundNotFound
	}
	return locked, nil
}

func (s *Service) observeGatewayError(ctx context.Context, err error) {
	if s.alerts == nil {
		return
	}
	s.alerts.Observe(ctx, alertdomain.KindGatewayError, map[string]string{
		"operation": "refund",
		"error":     err.Error(),
	})
}

func (s *Service) restaurantID(ctx context.Context) (snowflake.ID, error) {
	id, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return 0, domain.ErrInvalidRestaurant
	}
	return id, nil
}

func (s *Service) audit(ctx context.Context, refund *domain.Refund, action string, metadata map[string]any) {
	if s.auditSvc == nil || refund == nil {
		return
	}
	targetID := refund.ID.String()
	restaurantID := refund.RestaurantID
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["status"] = string(refund.Status)
	metadata["payment_id"] = refund.PaymentID.String()
	if err := s.auditSvc.AuditLog(ctx, &restaurantID, "", nil, action, "refund", &targetID, metadata); err != nil {
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
