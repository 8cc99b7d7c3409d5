package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SchedulerBatchDeferredReasonLockHeld     = "lock_held"
	SchedulerBatchDeferredReasonStillPending = "still_pending"
)

// Row claims timed by ObserveDBLockWait.
const (
	LockResourcePendingRefunds  = "pending_refunds"
	LockResourcePendingPayments = "pending_payments"
	LockResourceSettlementDays  = "settlement_days"
)

// SchedulerMetrics captures reconciler health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler collectors, registering them
// on first use.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig is Scheduler with service labels taken from cfg. Only
// the first call's labels apply.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest forgets the registered collectors.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := schedulerFactory{labels: constLabels(cfg)}

	m := &SchedulerMetrics{
		jobRuns:        f.counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    f.counter("job_timeouts_total", "Scheduler jobs that hit their soft deadline.", "job"),
		jobErrors:      f.counter("job_errors_total", "Scheduler job errors by low-cardinality reason.", "job", "reason"),
		batchProcessed: f.counter("batch_processed_total", "Rows resolved by scheduler batches.", "job", "resource"),
		batchDeferred:  f.counter("batch_deferred_total", "Scheduler batch deferrals by low-cardinality reason.", "job", "reason"),
		jobDuration: f.histogram("job_duration_seconds", "Scheduler job latency.",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}, "job"),
		dbLockWait: f.histogram("db_lock_wait_seconds", "Time spent claiming rows with SELECT FOR UPDATE SKIP LOCKED.",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, "resource"),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        schedulerMetricPrefix + "runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: f.labels,
	})
	m.runLoopLag = lag

	registerer.MustRegister(append(f.collectors, lag)...)

	m.lockWaitObserver = make(map[string]prometheus.Observer, 3)
	for _, resource := range []string{LockResourcePendingPayments, LockResourcePendingRefunds, LockResourceSettlementDays} {
		m.lockWaitObserver[resource] = m.dbLockWait.WithLabelValues(resource)
	}
	return m
}

const schedulerMetricPrefix = "tablepay_scheduler_"

func constLabels(cfg Config) prometheus.Labels {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "tablepay"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	return prometheus.Labels{"service": service, "env": env}
}

// schedulerFactory builds collectors sharing the service labels and remembers
// them for a single registration.
type schedulerFactory struct {
	labels     prometheus.Labels
	collectors []prometheus.Collector
}

func (f *schedulerFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        schedulerMetricPrefix + name,
		Help:        help,
		ConstLabels: f.labels,
	}, labels)
	f.collectors = append(f.collectors, c)
	return c
}

func (f *schedulerFactory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        schedulerMetricPrefix + name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: f.labels,
	}, labels)
	f.collectors = append(f.collectors, h)
	return h
}

// IncJobRun counts one execution of job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// IncJobTimeout counts runs cut short by their soft deadline.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

// IncJobError counts a failed run under the reason err classifies to.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

// AddBatchProcessed adds count rows of resource resolved by job.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveRunLoopLag records how late the interval loop started. Negative lag counts as zero.
func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}

// ObserveDBLockWait records how long claiming rows of resource took.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	observer, ok := m.lockWaitObserver[resource]
	if !ok {
		observer = m.dbLockWait.WithLabelValues(resource)
	}
	observer.Observe(d.Seconds())
}
