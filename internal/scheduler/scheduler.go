package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	"github.com/smallbiznis/tablepay/internal/clock"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	"github.com/smallbiznis/tablepay/internal/ratelimit"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockSlack = 30 * time.Second

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Config     Config
	Payments   paymentdomain.Service
	Refunds    refunddomain.Service
	Settlement settlementdomain.Service
	Payouts    payoutdomain.Service
	Locker     *ratelimit.Locker   `optional:"true"`
	Alerts     alertdomain.Service `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	cfg    Config
	genID  *snowflake.Node
	clock  clock.Clock
	locker *ratelimit.Locker
	alerts alertdomain.Service

	payments   paymentdomain.Service
	refunds    refunddomain.Service
	settlement settlementdomain.Service
	payouts    payoutdomain.Service

	jobs []job
}

// job is either interval driven (spec empty) or cron driven.
type job struct {
	name      string
	spec      string
	batchSize int
	timeout   time.Duration
	run       func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	cfg := p.Config.withDefaults()
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	s := &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      clk,
		locker:     p.Locker,
		alerts:     p.Alerts,
		payments:   p.Payments,
		refunds:    p.Refunds,
		settlement: p.Settlement,
		payouts:    p.Payouts,
	}
	s.jobs = []job{
		{name: JobReconcilePayments, batchSize: cfg.BatchSize, timeout: 2 * time.Minute, run: s.ReconcilePaymentsJob},
		{name: JobReconcileRefunds, batchSize: cfg.BatchSize, timeout: 2 * time.Minute, run: s.ReconcileRefundsJob},
		{name: JobCloseSettlements, spec: cfg.SettlementCron, batchSize: cfg.BatchSize, timeout: 5 * time.Minute, run: s.CloseSettlementsJob},
		{name: JobComputeRevenueShare, spec: cfg.RevenueShareCron, batchSize: 1, timeout: 10 * time.Minute, run: s.ComputeRevenueSharesJob},
	}
	for _, j := range s.jobs {
		if j.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(j.spec); err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron spec for %s: %w", j.name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next run picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("scheduler.job.timeout", append(run.fields(),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)...)
		return nil
	}

	s.logJobFailure(ctx, run, err)
	if s.alerts != nil {
		s.alerts.Observe(ctx, alertdomain.KindSchedulerFailure, map[string]string{
			"job":    name,
			"run_id": run.runID,
			"error":  err.Error(),
		})
	}
	return fmt.Errorf("%s: %w", name, err)
}

// execute runs j under the distributed lock so that only one instance works
// a job at a time. Without Redis the job runs unlocked.
func (s *Scheduler) execute(parent context.Context, j job) error {
	return s.runJob(parent, j.name, j.batchSize, j.timeout, func(ctx context.Context) error {
		if !s.locker.Enabled() {
			return j.run(ctx)
		}
		err := s.locker.WithLock(ctx, "scheduler:"+j.name, j.timeout+lockSlack, j.run)
		if errors.Is(err, ratelimit.ErrLockHeld) {
			obsmetrics.Scheduler().IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", j.name), zap.String("reason", "lock_held"))
			return nil
		}
		return err
	})
}

// RunOnce runs every enabled job a single time, cron jobs included.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.execute(parent, j))
		}
	}
	return err
}

// RunJob runs the named job once regardless of EnabledJobs.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if strings.EqualFold(j.name, name) {
			return s.execute(ctx, j)
		}
	}
	return fmt.Errorf("scheduler: unknown job %q", name)
}

// JobNames lists the registered jobs in run order.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	return names
}

func (s *Scheduler) runIntervalJobs(parent context.Context) error {
	var err error
	for _, j := range s.jobs {
		if j.spec == "" && s.isJobEnabled(j.name) {
			err = errors.Join(err, s.execute(parent, j))
		}
	}
	return err
}

// RunForever drives interval jobs from a ticker and cron jobs from their
// schedules until ctx is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	c := cron.New(cron.WithLocation(s.cfg.Location))
	for _, j := range s.jobs {
		if j.spec == "" || !s.isJobEnabled(j.name) {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			if err := s.execute(ctx, j); err != nil {
				s.log.Warn("scheduler cron job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			s.log.Error("scheduler cron registration failed", zap.String("job", j.name), zap.Error(err))
		}
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.runIntervalJobs(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs enables everything
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
