package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/providers/pdf"
	"github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/smallbiznis/tablepay/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Config     config.Config
	Clock      clock.Clock         `optional:"true"`
	PDF        pdf.Provider        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	location   *time.Location
	clock      clock.Clock
	pdf        pdf.Provider
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		location:   p.Config.Location(),
		clock:      clk,
		pdf:        p.PDF,
		obsMetrics: p.ObsMetrics,
	}
}

// BusinessDate returns the settlement day t falls on in the settlement timezone.
func (s *Service) BusinessDate(t time.Time) string {
	return t.In(s.location).Format(domain.BusinessDateLayout)
}

func (s *Service) RecordSuccess(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, businessDate string, items []domain.SuccessItem) (int, error) {
	if restaurantID == 0 {
		return 0, domain.ErrInvalidRestaurant
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	for _, item := range items {
		if item.PaymentID == 0 || item.Amount <= 0 || item.TipAmount < 0 || item.TipAmount > item.Amount {
			return 0, domain.ErrInvalidAmount
		}
	}

	var linked []domain.SuccessItem
	err = s.inTx(ctx, tx, func(tx *gorm.DB) error {
		now := s.clock.Now()
		settlementID, err := s.repo.EnsureDay(ctx, tx, s.genID.Generate(), restaurantID, date, now)
		if err != nil {
			return err
		}

		var delta domain.Delta
		for _, item := range items {
			ok, err := s.repo.LinkPayment(ctx, tx, settlementID, item.PaymentID)
			if err != nil {
				return err
			}
			if !ok {
				s.log.Debug("payment already aggregated",
					zap.String("payment_id", item.PaymentID.String()),
					zap.String("settlement_id", settlementID.String()),
				)
				continue
			}
			delta.TotalSales += item.Amount
			delta.AddMethod(item.Method, item.Amount)
			delta.Tips += item.TipAmount
			delta.TransactionCount++
			linked = append(linked, item)
		}
		if delta.IsZero() {
			return nil
		}
		return s.repo.Increment(ctx, tx, settlementID, delta, now)
	})
	if err != nil {
		return 0, err
	}

	for _, item := range linked {
		s.obsMetrics.RecordSettlementMutation(ctx, "success", item.Method, item.Amount)
	}
	return len(linked), nil
}

func (s *Service) Rollback(ctx context.Context, tx *gorm.DB, items []domain.RollbackItem, incrementRefunds bool) error {
	for _, item := range items {
		if item.PaymentID == 0 || item.Amount <= 0 {
			return domain.ErrInvalidAmount
		}
	}
	if len(items) == 0 {
		return nil
	}

	var applied []domain.RollbackItem
	err := s.inTx(ctx, tx, func(tx *gorm.DB) error {
		deltas := map[snowflake.ID]*domain.Delta{}
		for _, item := range items {
			settlementID, err := s.repo.FindPaymentSettlement(ctx, tx, item.PaymentID)
			if err != nil {
				return err
			}
			if settlementID == nil {
				s.log.Debug("rollback skipped for unlinked payment", zap.String("payment_id", item.PaymentID.String()))
				continue
			}

			delta, ok := deltas[*settlementID]
			if !ok {
				delta = &domain.Delta{}
				deltas[*settlementID] = delta
			}
			delta.TotalSales -= item.Amount
			delta.AddMethod(item.Method, -item.Amount)
			if incrementRefunds {
				delta.Refunds += item.Amount
			}
			if item.FullReversal {
				delta.TransactionCount--
			}
			applied = append(applied, item)
		}

		// Days are updated in id order.
		ids := make([]snowflake.ID, 0, len(deltas))
		for id := range deltas {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		now := s.clock.Now()
		for _, id := range ids {
			if err := s.repo.Increment(ctx, tx, id, *deltas[id], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, item := range applied {
		s.obsMetrics.RecordSettlementMutation(ctx, "rollback", item.Method, item.Amount)
	}
	return nil
}

func (s *Service) RecordDiscount(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, businessDate string, amount int64) error {
	if amount < 0 {
		return domain.ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	if restaurantID == 0 {
		return domain.ErrInvalidRestaurant
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, tx, func(tx *gorm.DB) error {
		return s.repo.UpsertDelta(ctx, tx, s.genID.Generate(), restaurantID, date, domain.Delta{Discounts: amount}, s.clock.Now())
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordSettlementMutation(ctx, "discount", "", amount)
	return nil
}

func (s *Service) GetDaily(ctx context.Context, businessDate string) (*domain.Settlement, error) {
	restaurantID, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidRestaurant
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	return s.findDay(ctx, restaurantID, date)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Settlement, error) {
	restaurantID, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidRestaurant
	}

	filter := domain.ListFilter{RestaurantID: restaurantID}
	if strings.TrimSpace(req.From) != "" {
		from, err := domain.ParseBusinessDate(req.From)
		if err != nil {
			return nil, err
		}
		filter.From = from
	}
	if strings.TrimSpace(req.To) != "" {
		to, err := domain.ParseBusinessDate(req.To)
		if err != nil {
			return nil, err
		}
		filter.To = to
	}
	if filter.From != "" && filter.To != "" && filter.From > filter.To {
		return nil, domain.ErrInvalidDateRange
	}
	switch status := domain.Status(strings.ToUpper(strings.TrimSpace(req.Status))); status {
	case "", domain.StatusPending, domain.StatusProcessed:
		filter.Status = status
	default:
		return nil, domain.ErrInvalidStatus
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Settlement, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

// RecordCashCount stores the drawer count and its variance against the cash bucket.
func (s *Service) RecordCashCount(ctx context.Context, businessDate string, counted int64) (*domain.Settlement, error) {
	restaurantID, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidRestaurant
	}
	if counted < 0 {
		return nil, domain.ErrInvalidCashCount
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.RecordCashCount(ctx, s.db, restaurantID, date, counted, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrSettlementNotFound
	}
	return s.findDay(ctx, restaurantID, date)
}

func (s *Service) CloseDay(ctx context.Context, businessDate string) (*domain.Settlement, error) {
	restaurantID, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidRestaurant
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	if date >= s.BusinessDate(s.clock.Now()) {
		return nil, domain.ErrDayNotOver
	}

	existing, err := s.findDay(ctx, restaurantID, date)
	if err != nil {
		return nil, err
	}
	if existing.Status == domain.StatusProcessed {
		return existing, nil
	}
	if _, err := s.repo.MarkProcessed(ctx, s.db, existing.ID, s.clock.Now()); err != nil {
		return nil, err
	}
	s.log.Info("settlement day closed",
		zap.String("restaurant_id", restaurantID.String()),
		zap.String("business_date", date),
	)
	return s.findDay(ctx, restaurantID, date)
}

// ClosePastDays marks up to limit PENDING days before today as PROCESSED.
func (s *Service) ClosePastDays(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	today := s.BusinessDate(s.clock.Now())

	closed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimStart := time.Now()
		items, err := s.repo.ClaimPendingBefore(ctx, tx, today, limit)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSettlementDays, time.Since(claimStart))
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, item := range items {
			rows, err := s.repo.MarkProcessed(ctx, tx, item.ID, now)
			if err != nil {
				return err
			}
			closed += int(rows)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}

// Verify recomputes a day from its linked payments and refunds and reports drift.
func (s *Service) Verify(ctx context.Context, restaurantID snowflake.ID, businessDate string) (*domain.VerifyResult, error) {
	if restaurantID == 0 {
		return nil, domain.ErrInvalidRestaurant
	}
	date, err := domain.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	stored, err := s.findDay(ctx, restaurantID, date)
	if err != nil {
		return nil, err
	}

	linked, err := s.repo.ListLinkedPayments(ctx, s.db, stored.ID)
	if err != nil {
		return nil, err
	}

	expected := domain.Totals{Buckets: map[string]int64{}}
	for _, bucket := range domain.BucketColumns {
		expected.Buckets[bucket] = 0
	}
	for _, p := range linked {
		net := p.Amount - p.Refunded
		expected.TotalSales += net
		expected.Buckets[domain.BucketColumn(p.Method)] += net
		expected.Refunds += p.Refunded
		expected.Tips += p.TipAmount
		if p.Refunded < p.Amount {
			expected.TransactionCount++
		}
	}

	var drift []domain.Drift
	check := func(column string, storedValue, expectedValue int64) {
		if storedValue != expectedValue {
			drift = append(drift, domain.Drift{Column: column, Stored: storedValue, Expected: expectedValue})
		}
	}
	check("total_sales", stored.TotalSales, expected.TotalSales)
	for _, bucket := range domain.BucketColumns {
		check(bucket, stored.Bucket(bucket), expected.Buckets[bucket])
	}
	check("refunds", stored.Refunds, expected.Refunds)
	check("tips", stored.Tips, expected.Tips)
	check("transaction_count", stored.TransactionCount, expected.TransactionCount)

	if len(drift) > 0 {
		s.log.Warn("settlement drift detected",
			zap.String("restaurant_id", restaurantID.String()),
			zap.String("business_date", date),
			zap.Int("columns", len(drift)),
		)
	}
	return &domain.VerifyResult{
		Settlement: stored,
		Expected:   expected,
		Drift:      drift,
		Consistent: len(drift) == 0,
	}, nil
}

var bucketLabels = map[string]string{
	"cash":       "Cash",
	"upi":        "UPI",
	"card":       "Card",
	"wallet":     "Wallet",
	"qr":         "QR",
	"netbanking": "Netbanking",
	"other":      "Other (EMI, credit)",
}

func (s *Service) Statement(ctx context.Context, businessDate string) (*domain.Statement, error) {
	if s.pdf == nil {
		return nil, errors.New("statement renderer is not configured")
	}
	day, err := s.GetDaily(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	name, err := s.repo.RestaurantName(ctx, s.db, day.RestaurantID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = "restaurant-" + day.RestaurantID.String()
	}

	data := pdf.StatementData{
		RestaurantName:   name,
		BusinessDate:     day.BusinessDate,
		Status:           string(day.Status),
		GeneratedAt:      s.clock.Now().In(s.location).Format(time.RFC3339),
		TotalSales:       money.FormatINR(day.TotalSales),
		Refunds:          money.FormatINR(day.Refunds),
		Tips:             money.FormatINR(day.Tips),
		Discounts:        money.FormatINR(day.Discounts),
		TransactionCount: strconv.FormatInt(day.TransactionCount, 10),
	}
	for _, bucket := range domain.BucketColumns {
		data.Lines = append(data.Lines, pdf.StatementLine{
			Label:  bucketLabels[bucket],
			Amount: money.FormatINR(day.Bucket(bucket)),
		})
	}
	if day.CashCounted != nil {
		data.CashCounted = money.FormatINR(*day.CashCounted)
		data.CashVariance = money.FormatINR(day.CashVariance)
	}

	content, err := s.pdf.GenerateSettlementStatement(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("render statement: %w", err)
	}
	return &domain.Statement{
		FileName: slug.Make(name+" settlement "+day.BusinessDate) + ".pdf",
		Content:  content,
	}, nil
}

func (s *Service) findDay(ctx context.Context, restaurantID snowflake.ID, date string) (*domain.Settlement, error) {
	item, err := s.repo.FindByDay(ctx, s.db, restaurantID, date)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrSettlementNotFound
	}
	return item, nil
}

func (s *Service) inTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}
