package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/smallbiznis/tablepay/pkg/db/pagination"
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
	AuditSvc   auditdomain.Service
	Settlement settlementdomain.Service
	Clock      clock.Clock `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	auditSvc   auditdomain.Service
	settlement settlementdomain.Service
	clock      clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("bill.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		settlement: p.Settlement,
		clock:      clk,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateBillRequest) (*domain.Bill, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}

	amounts := domain.Amounts{
		Subtotal:      req.Subtotal,
		TaxCGST:       req.TaxCGST,
		TaxSGST:       req.TaxSGST,
		Discount:      req.Discount,
		ServiceCharge: req.ServiceCharge,
	}
	if err := amounts.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	bill := &domain.Bill{
		ID:            s.genID.Generate(),
		RestaurantID:  restaurantID,
		TableRef:      normalizePointer(req.TableRef),
		Subtotal:      amounts.Subtotal,
		TaxCGST:       amounts.TaxCGST,
		TaxSGST:       amounts.TaxSGST,
		Discount:      amounts.Discount,
		ServiceCharge: amounts.ServiceCharge,
		Total:         amounts.Total(),
		Balance:       amounts.Total(),
		Status:        domain.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, bill); err != nil {
		return nil, err
	}

	s.audit(ctx, bill, "bill.create", map[string]any{"total": bill.Total})
	return bill, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Bill, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	billID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	bill, err := s.repo.FindByID(ctx, s.db, restaurantID, billID)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, domain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) List(ctx context.Context, req domain.ListBillRequest) (domain.ListBillResponse, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return domain.ListBillResponse{}, err
	}

	filter := domain.ListFilter{RestaurantID: restaurantID, Limit: req.Limit()}
	switch status := domain.Status(strings.ToUpper(strings.TrimSpace(req.Status))); status {
	case "", domain.StatusOpen, domain.StatusClosed:
		filter.Status = status
	default:
		return domain.ListBillResponse{}, domain.ErrInvalidStatus
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListBillResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return domain.ListBillResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil || id == 0 {
			return domain.ListBillResponse{}, domain.ErrInvalidPageToken
		}
		filter.Cursor = &domain.BillCursor{ID: id, CreatedAt: createdAt}
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListBillResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, filter.Limit, func(b *domain.Bill) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        b.ID.String(),
			CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(items) > filter.Limit {
		items = items[:filter.Limit]
	}

	bills := make([]domain.Bill, 0, len(items))
	for _, item := range items {
		bills = append(bills, *item)
	}
	return domain.ListBillResponse{PageInfo: *pageInfo, Bills: bills}, nil
}

// UpdateAmounts adjusts an open bill. A total at or below the paid amount closes it.
func (s *Service) UpdateAmounts(ctx context.Context, id string, req domain.UpdateBillRequest) (*domain.Bill, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	billID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var updated *domain.Bill
	var result domain.RecomputeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.Lock(ctx, tx, restaurantID, billID)
		if err != nil {
			return err
		}
		if bill.Status != domain.StatusOpen {
			return ledgererr.Conflict(domain.ErrBillClosed, string(bill.Status))
		}

		amounts := bill.Amounts()
		applyInt64(&amounts.Subtotal, req.Subtotal)
		applyInt64(&amounts.TaxCGST, req.TaxCGST)
		applyInt64(&amounts.TaxSGST, req.TaxSGST)
		applyInt64(&amounts.Discount, req.Discount)
		applyInt64(&amounts.ServiceCharge, req.ServiceCharge)
		if err := amounts.Validate(); err != nil {
			return err
		}

		bill.Subtotal = amounts.Subtotal
		bill.TaxCGST = amounts.TaxCGST
		bill.TaxSGST = amounts.TaxSGST
		bill.Discount = amounts.Discount
		bill.ServiceCharge = amounts.ServiceCharge
		bill.Total = amounts.Total()

		result, err = s.Recompute(ctx, tx, bill, domain.KeepClosed)
		if err != nil {
			return err
		}
		updated = bill
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, updated, "bill.update", map[string]any{
		"total":  updated.Total,
		"closed": result.Closed,
	})
	return updated, nil
}

func (s *Service) ForceClose(ctx context.Context, id string, reason string) (*domain.Bill, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	billID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var closed *domain.Bill
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.Lock(ctx, tx, restaurantID, billID)
		if err != nil {
			return err
		}
		closed = bill
		if bill.Status == domain.StatusClosed {
			return nil
		}

		now := s.clock.Now()
		bill.Status = domain.StatusClosed
		bill.ForceClosed = true
		bill.ClosedAt = &now
		bill.UpdatedAt = now
		if err := s.settleDiscount(ctx, tx, bill, now); err != nil {
			return err
		}
		changed = true
		return s.repo.Update(ctx, tx, bill)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.audit(ctx, closed, "bill.force_close", map[string]any{
			"reason":  strings.TrimSpace(reason),
			"balance": closed.Balance,
		})
	}
	return closed, nil
}

func (s *Service) Reopen(ctx context.Context, id string, reason string) (*domain.Bill, error) {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return nil, err
	}
	billID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var reopened *domain.Bill
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.Lock(ctx, tx, restaurantID, billID)
		if err != nil {
			return err
		}
		if bill.Status != domain.StatusClosed {
			return ledgererr.Conflict(domain.ErrBillNotClosed, string(bill.Status))
		}

		bill.Status = domain.StatusOpen
		bill.ForceClosed = false
		bill.ClosedAt = nil
		bill.UpdatedAt = s.clock.Now()
		reopened = bill
		return s.repo.Update(ctx, tx, bill)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, reopened, "bill.reopen", map[string]any{"reason": strings.TrimSpace(reason)})
	return reopened, nil
}

// Delete removes a bill that never took money. Failed attempts are removed with it.
func (s *Service) Delete(ctx context.Context, id string) error {
	restaurantID, err := s.restaurantID(ctx)
	if err != nil {
		return err
	}
	billID, err := parseID(id)
	if err != nil {
		return err
	}

	var deleted *domain.Bill
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.Lock(ctx, tx, restaurantID, billID)
		if err != nil {
			return err
		}
		totals, err := s.repo.PaymentTotals(ctx, tx, bill.ID)
		if err != nil {
			return err
		}
		if totals.Succeeded > 0 || totals.Pending > 0 {
			return ledgererr.Conflict(domain.ErrBillHasPayments, string(bill.Status))
		}
		if err := s.repo.DeleteFailedPayments(ctx, tx, bill.ID); err != nil {
			return err
		}
		rows, err := s.repo.Delete(ctx, tx, restaurantID, bill.ID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrBillNotFound
		}
		deleted = bill
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, deleted, "bill.delete", nil)
	return nil
}

func (s *Service) Lock(ctx context.Context, tx *gorm.DB, restaurantID, id snowflake.ID) (*domain.Bill, error) {
	if restaurantID == 0 {
		return nil, domain.ErrInvalidRestaurant
	}
	bill, err := s.repo.FindForUpdate(ctx, tx, restaurantID, id)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, domain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) Totals(ctx context.Context, tx *gorm.DB, billID snowflake.ID) (domain.PaymentTotals, error) {
	return s.repo.PaymentTotals(ctx, tx, billID)
}

// Recompute persists the paid amount, balance and status implied by the bill's
// payments. The bill must already be locked in tx.
func (s *Service) Recompute(ctx context.Context, tx *gorm.DB, bill *domain.Bill, policy domain.ReopenPolicy) (domain.RecomputeResult, error) {
	var result domain.RecomputeResult

	totals, err := s.repo.PaymentTotals(ctx, tx, bill.ID)
	if err != nil {
		return result, err
	}

	now := s.clock.Now()
	bill.PaidAmount = totals.Paid()
	bill.Balance = bill.Total - bill.PaidAmount
	if bill.Balance < 0 {
		bill.Balance = 0
	}

	switch {
	case bill.Status == domain.StatusOpen && bill.Balance == 0 && totals.Succeeded > 0:
		bill.Status = domain.StatusClosed
		bill.ClosedAt = &now
		result.Closed = true
		if err := s.settleDiscount(ctx, tx, bill, now); err != nil {
			return result, err
		}
	case bill.Status == domain.StatusClosed && bill.Balance > 0 && !bill.ForceClosed:
		if policy == domain.ReopenOnShortfall {
			bill.Status = domain.StatusOpen
			bill.ClosedAt = nil
			result.Reopened = true
		} else {
			s.log.Warn("closed bill has outstanding balance",
				zap.String("bill_id", bill.ID.String()),
				zap.Int64("balance", bill.Balance),
			)
		}
	}

	bill.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, bill); err != nil {
		return result, err
	}
	return result, nil
}

// settleDiscount books the bill's discount into the day's settlement the first time it closes.
func (s *Service) settleDiscount(ctx context.Context, tx *gorm.DB, bill *domain.Bill, now time.Time) error {
	if bill.DiscountSettledAt != nil || bill.Discount <= 0 || s.settlement == nil {
		return nil
	}
	if err := s.settlement.RecordDiscount(ctx, tx, bill.RestaurantID, s.settlement.BusinessDate(now), bill.Discount); err != nil {
		return err
	}
	bill.DiscountSettledAt = &now
	return nil
}

func (s *Service) restaurantID(ctx context.Context) (snowflake.ID, error) {
	id, ok := orgcontext.RestaurantIDFromContext(ctx)
	if !ok {
		return 0, domain.ErrInvalidRestaurant
	}
	return id, nil
}

func (s *Service) audit(ctx context.Context, bill *domain.Bill, action string, metadata map[string]any) {
	if s.auditSvc == nil || bill == nil {
		return
	}
	targetID := bill.ID.String()
	restaurantID := bill.RestaurantID
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["status"] = string(bill.Status)
	if err := s.auditSvc.AuditLog(ctx, &restaurantID, "", nil, action, "bill", &targetID, metadata); err != nil {
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

func applyInt64(dst *int64, value *int64) {
	if value != nil {
		*dst = *value
	}
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
