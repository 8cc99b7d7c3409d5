package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	"go.uber.org/zap"
)

const businessDateLayout = "2006-01-02"

// ReconcilePaymentsJob resolves gateway payments left PENDING past the configured age.
func (s *Scheduler) ReconcilePaymentsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	res, err := s.payments.ReconcilePending(ctx, s.cfg.PendingPaymentAge, s.cfg.BatchSize)
	s.recordBatch(ctx, JobReconcilePayments, "payment", res.Scanned, res.Resolved, res.Deferred)
	run.AddProcessed(res.Resolved)
	return err
}

// ReconcileRefundsJob resubmits or polls refunds left PENDING past the configured age.
func (s *Scheduler) ReconcileRefundsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	res, err := s.refunds.ReconcilePending(ctx, s.cfg.PendingRefundAge, s.cfg.BatchSize)
	s.recordBatch(ctx, JobReconcileRefunds, "refund", res.Scanned, res.Resolved, res.Deferred)
	run.AddProcessed(res.Resolved)
	return err
}

// CloseSettlementsJob marks every PENDING settlement day before today as
// PROCESSED, one batch at a time.
func (s *Scheduler) CloseSettlementsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		closed, err := s.settlement.ClosePastDays(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		run.AddProcessed(closed)
		schedMetrics.AddBatchProcessed(JobCloseSettlements, "settlement", closed)
		if closed < s.cfg.BatchSize {
			return nil
		}
	}
}

// ComputeRevenueSharesJob computes commission for the previous calendar month.
// Reruns skip restaurants that already have a record for the period.
func (s *Scheduler) ComputeRevenueSharesJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	start, end := previousMonth(s.clock.Now(), s.cfg.Location)
	res, err := s.payouts.Compute(ctx, payoutdomain.ComputeRequest{
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return err
	}
	run.AddProcessed(res.Created)
	obsmetrics.Scheduler().AddBatchProcessed(JobComputeRevenueShare, "revenue_share", res.Created)
	s.logger(ctx).Info("revenue shares computed",
		zap.String("period_start", start),
		zap.String("period_end", end),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
	)
	return nil
}

func (s *Scheduler) recordBatch(ctx context.Context, job, resource string, scanned, resolved, deferred int) {
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(job, resource, resolved)
	if deferred > 0 {
		schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonStillPending)
	}
	if scanned == 0 {
		return
	}
	s.logger(ctx).Info("pending rows reconciled",
		zap.String("job", job),
		zap.Int("scanned", scanned),
		zap.Int("resolved", resolved),
		zap.Int("deferred", deferred),
	)
}

// previousMonth returns the first and last business dates of the month
// before the one now falls in.
func previousMonth(now time.Time, loc *time.Location) (string, string) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	firstOfMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	start := firstOfMonth.AddDate(0, -1, 0)
	end := firstOfMonth.AddDate(0, 0, -1)
	return start.Format(businessDateLayout), end.Format(businessDateLayout)
}
