package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	alertdomain "github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	"github.com/smallbiznis/tablepay/internal/clock"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePayments struct {
	paymentdomain.Service

	mu        sync.Mutex
	calls     int
	olderThan time.Duration
	limit     int
	result    paymentdomain.ReconcileResult
	err       error
}

func (f *fakePayments) ReconcilePending(_ context.Context, olderThan time.Duration, limit int) (paymentdomain.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.olderThan = olderThan
	f.limit = limit
	return f.result, f.err
}

type fakeRefunds struct {
	refunddomain.Service

	calls     int
	olderThan time.Duration
	actorType string
	result    refunddomain.ReconcileResult
}

func (f *fakeRefunds) ReconcilePending(ctx context.Context, olderThan time.Duration, _ int) (refunddomain.ReconcileResult, error) {
	f.calls++
	f.olderThan = olderThan
	f.actorType, _ = auditcontext.ActorFromContext(ctx)
	return f.result, nil
}

type fakeSettlement struct {
	settlementdomain.Service

	batches []int
	calls   int
}

func (f *fakeSettlement) ClosePastDays(_ context.Context, _ int) (int, error) {
	if f.calls >= len(f.batches) {
		f.calls++
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

type fakePayouts struct {
	payoutdomain.Service

	requests []payoutdomain.ComputeRequest
}

func (f *fakePayouts) Compute(_ context.Context, req payoutdomain.ComputeRequest) (payoutdomain.ComputeResult, error) {
	f.requests = append(f.requests, req)
	return payoutdomain.ComputeResult{Created: 2}, nil
}

type recordingAlerts struct {
	observed []alertdomain.Kind
}

func (r *recordingAlerts) Notify(context.Context, alertdomain.Alert) {}

func (r *recordingAlerts) Observe(_ context.Context, kind alertdomain.Kind, _ map[string]string) {
	r.observed = append(r.observed, kind)
}

type fixture struct {
	sched      *Scheduler
	clock      *clock.FakeClock
	payments   *fakePayments
	refunds    *fakeRefunds
	settlement *fakeSettlement
	payouts    *fakePayouts
	alerts     *recordingAlerts
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		clock:      clock.NewFakeClock(time.Date(2024, 3, 31, 20, 0, 0, 0, time.UTC)),
		payments:   &fakePayments{},
		refunds:    &fakeRefunds{},
		settlement: &fakeSettlement{},
		payouts:    &fakePayouts{},
		alerts:     &recordingAlerts{},
	}
	f.sched, err = New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Config:     cfg,
		Payments:   f.payments,
		Refunds:    f.refunds,
		Settlement: f.settlement,
		Payouts:    f.payouts,
		Alerts:     f.alerts,
		Clock:      f.clock,
	})
	require.NoError(t, err)
	return f
}

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "tablepay",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	alerts := &recordingAlerts{}
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), alerts: alerts}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(alerts.observed) != 0 {
		t.Fatalf("timeouts must not raise alerts, got %v", alerts.observed)
	}

	labels := map[string]string{
		"service": "tablepay",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "tablepay_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "tablepay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "tablepay_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobFailureRaisesSchedulerAlert(t *testing.T) {
	f := newFixture(t, Config{})
	f.payments.err = errors.New("boom")

	err := f.sched.RunJob(context.Background(), JobReconcilePayments)
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobReconcilePayments)
	assert.Equal(t, []alertdomain.Kind{alertdomain.KindSchedulerFailure}, f.alerts.observed)
}

func TestRunOnceRunsEveryEnabledJob(t *testing.T) {
	f := newFixture(t, Config{PendingPaymentAge: 3 * time.Minute, BatchSize: 10})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Equal(t, 1, f.payments.calls)
	assert.Equal(t, 3*time.Minute, f.payments.olderThan)
	assert.Equal(t, 10, f.payments.limit)
	assert.Equal(t, 1, f.refunds.calls)
	assert.Equal(t, DefaultConfig().PendingRefundAge, f.refunds.olderThan)
	assert.Equal(t, 1, f.settlement.calls)
	assert.Len(t, f.payouts.requests, 1)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"RECONCILE_PENDING_REFUNDS"}})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Equal(t, 0, f.payments.calls)
	assert.Equal(t, 1, f.refunds.calls)
	assert.Equal(t, 0, f.settlement.calls)
	assert.Empty(t, f.payouts.requests)
}

func TestJobsRunAsScheduler(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.sched.RunJob(context.Background(), JobReconcileRefunds))
	assert.Equal(t, "scheduler", f.refunds.actorType)
}

func TestCloseSettlementsDrainsFullBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	f.settlement.batches = []int{2, 2, 1}

	require.NoError(t, f.sched.RunJob(context.Background(), JobCloseSettlements))
	assert.Equal(t, 3, f.settlement.calls)
}

func TestComputeRevenueSharesUsesPreviousBusinessMonth(t *testing.T) {
	// 20:00 UTC on 31 March is already 1 April in Kolkata.
	f := newFixture(t, Config{Location: kolkata(t)})

	require.NoError(t, f.sched.RunJob(context.Background(), JobComputeRevenueShare))
	require.Len(t, f.payouts.requests, 1)
	assert.Equal(t, payoutdomain.ComputeRequest{PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31"}, f.payouts.requests[0])
}

func TestPreviousMonth(t *testing.T) {
	loc := kolkata(t)
	cases := []struct {
		name  string
		now   time.Time
		start string
		end   string
	}{
		{"mid month", time.Date(2024, 5, 15, 6, 0, 0, 0, time.UTC), "2024-04-01", "2024-04-30"},
		{"year boundary", time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC), "2023-12-01", "2023-12-31"},
		{"leap february", time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), "2024-02-01", "2024-02-29"},
		{"utc still previous day", time.Date(2024, 2, 29, 19, 0, 0, 0, time.UTC), "2024-02-01", "2024-02-29"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := previousMonth(tc.now, loc)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
		})
	}
}

func TestNewRejectsInvalidCronSpec(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	_, err = New(Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Config: Config{SettlementCron: "every day"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobCloseSettlements)
}

func TestRunJobUnknownName(t *testing.T) {
	f := newFixture(t, Config{})
	require.Error(t, f.sched.RunJob(context.Background(), "nope"))
	assert.Equal(t, []string{JobReconcilePayments, JobReconcileRefunds, JobCloseSettlements, JobComputeRevenueShare}, f.sched.JobNames())
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
