package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/tablepay/internal/observability/context"
	obslogger "github.com/smallbiznis/tablepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun tracks one execution of a job. Nested runJob calls share the
// outermost run so a sweep is logged once.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
	}
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// ensureJobRun returns the run already on ctx, or starts a new one. owner
// is true when the caller started it and must log its completion.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx, _ = correlation.Ensure(ctx, run.runID)
	ctx = obscontext.WithActor(ctx, "scheduler", "scheduler")
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start", append(run.fields(), zap.Int("batch_size", run.batchSize))...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := append(run.fields(),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	)
	if run.errors > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logJobFailure(ctx context.Context, run *jobRun, err error) {
	s.logger(ctx).Error("scheduler.job.failed", append(run.fields(),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)...)
}
