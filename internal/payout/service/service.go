package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/payout/domain"
	"github.com/smallbiznis/tablepay/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	retryLockTTL     = 30 * time.Second
	defaultListLimit = 50
	maxListLimit     = 200
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	AuditSvc   auditdomain.Service
	Config     config.Config
	Ledger     *config.LedgerConfigHolder `optional:"true"`
	Transfers  gateway.TransferClient     `optional:"true"`
	Locker     *ratelimit.Locker          `optional:"true"`
	Alerts     alertdomain.Service        `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	auditSvc   auditdomain.Service
	currency   string
	ledger     *config.LedgerConfigHolder
	transfers  gateway.TransferClient
	locker     *ratelimit.Locker
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
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		currency:   currency,
		ledger:     p.Ledger,
		transfers:  p.Transfers,
		locker:     p.Locker,
		alerts:     p.Alerts,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.RevenueShare, error) {
	shareID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	share, err := s.repo.FindByID(ctx, s.db, scopeFromContext(ctx), shareID)
	if err != nil {
		return nil, err
	}
	if share == nil {
		return nil, domain.ErrRevenueShareNotFound
	}
	return share, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.RevenueShare, error) {
	filter := domain.ListFilter{Scope: scopeFromContext(ctx)}
	if partner := strings.TrimSpace(req.PartnerID); partner != "" && filter.PartnerID == 0 {
		id, err := parseID(partner)
		if err != nil {
			return nil, err
		}
		filter.PartnerID = id
	}
	if status := strings.ToUpper(strings.TrimSpace(req.Status)); status != "" {
		switch domain.Status(status) {
		case domain.StatusPending, domain.StatusPaid:
			filter.Status = domain.Status(status)
		default:
			return nil, domain.ErrInvalidStatus
		}
	}
	filter.Limit = req.Limit
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.repo.List(ctx, s.db, filter)
}

// Compute records one revenue share per partnered restaurant for the period.
// Shares that already exist are left untouched.
func (s *Service) Compute(ctx context.Context, req domain.ComputeRequest) (domain.ComputeResult, error) {
	var result domain.ComputeResult
	start, end, err := parsePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return result, err
	}

	earners, err := s.repo.ListEarners(ctx, s.db)
	if err != nil {
		return result, err
	}

	defaultRate := s.ledger.Get().DefaultCommissionRate
	for _, earner := range earners {
		rateText := strings.TrimSpace(earner.CommissionRate)
		if rateText == "" {
			rateText = defaultRate
		}
		rate, err := parseRate(rateText)
		if err != nil {
			s.log.Warn("skipping restaurant with invalid commission rate",
				zap.String("restaurant_id", earner.RestaurantID.String()),
				zap.String("commission_rate", rateText),
			)
			result.Skipped++
			continue
		}

		gross, err := s.repo.GrossSales(ctx, s.db, earner.RestaurantID, start, end)
		if err != nil {
			return result, err
		}

		now := s.clock.Now()
		share := &domain.RevenueShare{
			ID:               s.genID.Generate(),
			PartnerID:        earner.PartnerID,
			RestaurantID:     earner.RestaurantID,
			PeriodStart:      start,
			PeriodEnd:        end,
			GrossSales:       gross,
			CommissionRate:   rate.String(),
			CommissionAmount: Commission(gross, rate),
			PayoutStatus:     domain.StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		inserted, err := s.repo.Insert(ctx, s.db, share)
		if err != nil {
			return result, err
		}
		if !inserted {
			result.Skipped++
			continue
		}
		result.Created++
		s.audit(ctx, share, "revenue_share.create", map[string]any{
			"gross_sales":       share.GrossSales,
			"commission_amount": share.CommissionAmount,
		})
	}

	s.log.Info("revenue shares computed",
		zap.String("period_start", start),
		zap.String("period_end", end),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// MarkPaid records an out-of-band transfer. Only the first caller wins.
func (s *Service) MarkPaid(ctx context.Context, id string, req domain.MarkPaidRequest) (*domain.RevenueShare, error) {
	reference := strings.TrimSpace(req.TransferReference)
	if reference == "" {
		return nil, domain.ErrInvalidTransferReference
	}
	share, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, share, reference, "manual")
}

// Retry pushes the commission through the transfer API and marks the share
// PAID once the gateway reports the transfer processed.
func (s *Service) Retry(ctx context.Context, id string) (*domain.RevenueShare, error) {
	share, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPending(share); err != nil {
		return nil, err
	}
	if s.transfers == nil {
		return nil, domain.ErrTransferUnavailable
	}
	if share.CommissionAmount <= 0 {
		return nil, domain.ErrNotEligible
	}
	account, err := s.repo.PartnerAccount(ctx, s.db, share.PartnerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotEligible
	}

	var result *domain.RevenueShare
	run := func(ctx context.Context) error {
		var err error
		result, err = s.transfer(ctx, share, *account)
		return err
	}

	if s.locker.Enabled() {
		err = s.locker.WithLock(ctx, "payout:retry:"+share.ID.String(), retryLockTTL, run)
	} else {
		s.log.Debug("payout retry running without a distributed lock", zap.String("revenue_share_id", share.ID.String()))
		err = run(ctx)
	}
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return nil, domain.ErrRetryInProgress
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) transfer(ctx context.Context, share *domain.RevenueShare, account string) (*domain.RevenueShare, error) {
	transfer, err := s.transfers.Transfer(ctx, gateway.TransferRequest{
		IdempotencyKey: "payout:" + share.ID.String(),
		AccountRef:     account,
		Amount:         share.CommissionAmount,
		Currency:       s.currency,
		Reference:      share.ID.String(),
		Notes: map[string]string{
			"restaurant_id": share.RestaurantID.String(),
			"period_start":  share.PeriodStart,
			"period_end":    share.PeriodEnd,
		},
	})
	if err != nil {
		s.obsMetrics.RecordPayoutTransition(ctx, "transfer_error")
		s.observeGatewayError(ctx, err)
		s.log.Warn("payout transfer unresolved",
			zap.String("revenue_share_id", share.ID.String()),
			zap.Error(err),
		)
		if errors.Is(err, gateway.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransferRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	switch transfer.Status {
	case gateway.TransferStatusProcessed:
		reference := strings.TrimSpace(transfer.UTR)
		if reference == "" {
			reference = transfer.ID
		}
		return s.markPaid(ctx, share, reference, "transfer")
	case gateway.TransferStatusFailed:
		s.obsMetrics.RecordPayoutTransition(ctx, "transfer_failed")
		return nil, domain.ErrTransferRejected
	default:
		s.obsMetrics.RecordPayoutTransition(ctx, "transfer_pending")
		s.log.Info("payout transfer still processing",
			zap.String("revenue_share_id", share.ID.String()),
			zap.String("transfer_id", transfer.ID),
		)
		return share, nil
	}
}

func (s *Service) markPaid(ctx context.Context, share *domain.RevenueShare, reference, via string) (*domain.RevenueShare, error) {
	if err := checkPending(share); err != nil {
		s.obsMetrics.RecordPayoutTransition(ctx, "duplicate")
		return nil, err
	}

	paidBy := actorName(ctx)
	now := s.clock.Now()
	rows, err := s.repo.MarkPaid(ctx, s.db, share.ID, reference, paidBy, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		s.obsMetrics.RecordPayoutTransition(ctx, "state_changed")
		if s.alerts != nil {
			s.alerts.Observe(ctx, alertdomain.KindPayoutConflict, map[string]string{
				"revenue_share_id": share.ID.String(),
			})
		}
		current := string(share.PayoutStatus)
		if stored, err := s.repo.FindByID(ctx, s.db, domain.Scope{}, share.ID); err == nil && stored != nil {
			current = string(stored.PayoutStatus)
		}
		return nil, ledgererr.RetryableConflict(domain.ErrStateChanged, current)
	}

	share.PayoutStatus = domain.StatusPaid
	share.TransferReference = &reference
	share.PaidAt = &now
	share.PaidBy = &paidBy
	share.UpdatedAt = now

	s.obsMetrics.RecordPayoutTransition(ctx, "paid")
	s.audit(ctx, share, "revenue_share.mark_paid", map[string]any{
		"transfer_reference": reference,
		"paid_by":            paidBy,
		"via":                via,
	})
	return share, nil
}

func (s *Service) observeGatewayError(ctx context.Context, err error) {
	if s.alerts == nil {
		return
	}
	s.alerts.Observe(ctx, alertdomain.KindGatewayError, map[string]string{
		"operation": "transfer",
		"error":     err.Error(),
	})
}

func (s *Service) audit(ctx context.Context, share *domain.RevenueShare, action string, metadata map[string]any) {
	if s.auditSvc == nil || share == nil {
		return
	}
	targetID := share.ID.String()
	restaurantID := share.RestaurantID
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["payout_status"] = string(share.PayoutStatus)
	metadata["partner_id"] = share.PartnerID.String()
	if err := s.auditSvc.AuditLog(ctx, &restaurantID, "", nil, action, "revenue_share", &targetID, metadata); err != nil {
		s.obsMetrics.RecordAuditFailure(ctx, action)
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// Commission is gross × rate / 100, rounded half-up to minor units.
func Commission(gross int64, rate decimal.Decimal) int64 {
	if gross <= 0 || rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(gross).Mul(rate).Div(hundred).Round(0).IntPart()
}

func parseRate(value string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil || rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, domain.ErrInvalidCommissionRate
	}
	return rate, nil
}

func parsePeriod(start, end string) (string, string, error) {
	from, err := settlementdomain.ParseBusinessDate(start)
	if err != nil {
		return "", "", domain.ErrInvalidPeriod
	}
	to, err := settlementdomain.ParseBusinessDate(end)
	if err != nil {
		return "", "", domain.ErrInvalidPeriod
	}
	if to < from {
		return "", "", domain.ErrInvalidPeriod
	}
	return from, to, nil
}

func checkPending(share *domain.RevenueShare) error {
	switch share.PayoutStatus {
	case domain.StatusPending:
		return nil
	case domain.StatusPaid:
		return ledgererr.Conflict(domain.ErrDuplicatePayout, string(share.PayoutStatus))
	default:
		return ledgererr.Conflict(domain.ErrPayoutNotPending, string(share.PayoutStatus))
	}
}

func scopeFromContext(ctx context.Context) domain.Scope {
	var scope domain.Scope
	if id, ok := orgcontext.PartnerIDFromContext(ctx); ok {
		scope.PartnerID = id
	}
	if id, ok := orgcontext.RestaurantIDFromContext(ctx); ok {
		scope.RestaurantID = id
	}
	return scope
}

func actorName(ctx context.Context) string {
	actorType, actorID := auditcontext.ActorFromContext(ctx)
	switch {
	case actorID != "":
		return actorID
	case actorType != "":
		return actorType
	default:
		return string(auditdomain.ActorTypeSystem)
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
