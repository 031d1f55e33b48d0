package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/arbiter/internal/observability/context"
	obslogger "github.com/smallbiznis/arbiter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sweepRun is the bookkeeping for one job invocation. It rides on the
// context so nested calls report into the run that started them.
type sweepRun struct {
	job       string
	id        string
	batchSize int
	started   time.Time
	moved     int
	failures  int
}

type sweepRunKey struct{}

func (r *sweepRun) addMoved(n int) {
	if r != nil && n > 0 {
		r.moved += n
	}
}

func (r *sweepRun) addFailure() {
	if r != nil {
		r.failures++
	}
}

func (r *sweepRun) fields(now time.Time) []zap.Field {
	return []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.id),
		zap.Int64("duration_ms", now.Sub(r.started).Milliseconds()),
		zap.Int("disputes_moved", r.moved),
		zap.Int("failures", r.failures),
	}
}

// level keeps idle ticks at debug so a quiet system logs nothing.
func (r *sweepRun) level() zapcore.Level {
	switch {
	case r.failures > 0:
		return zapcore.WarnLevel
	case r.moved > 0:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// beginRun returns the run already on ctx, or starts one. Only the starter
// (owner == true) logs the run boundaries. Sweeps act as the system actor
// and carry a correlation id onto every audit row they write.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (_ context.Context, run *sweepRun, owner bool) {
	if run = runFromContext(ctx); run != nil {
		return ctx, run, false
	}
	run = &sweepRun{
		job:       job,
		id:        s.genID.Generate().String(),
		batchSize: batchSize,
		started:   s.clock.Now(),
	}
	ctx = context.WithValue(ctx, sweepRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	return ctx, run, true
}

func runFromContext(ctx context.Context) *sweepRun {
	run, _ := ctx.Value(sweepRunKey{}).(*sweepRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunStart(ctx context.Context, run *sweepRun) {
	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.id),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logRunEnd(ctx context.Context, run *sweepRun) {
	if ce := s.logger(ctx).Check(run.level(), "scheduler.job.finish"); ce != nil {
		ce.Write(run.fields(s.clock.Now())...)
	}
}

// logSweepError counts the failure against run and logs it with the error
// classification the alerts key on.
func (s *Scheduler) logSweepError(ctx context.Context, run *sweepRun, msg string, err error, extra ...zap.Field) {
	if err == nil {
		return
	}
	run.addFailure()
	job := ""
	if run != nil {
		job = run.job
	}
	s.logger(ctx).Error(msg, append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, extra...)...)
}
