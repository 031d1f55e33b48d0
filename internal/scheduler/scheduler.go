package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/clock"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

const (
	JobEscalateNegotiations = "escalate_negotiations"
	JobGenerateOptions      = "generate_options"
	JobEscalateOptions      = "escalate_options"
	JobGenerateDecisions    = "generate_decisions"
	JobAutoAcceptReviews    = "auto_accept_reviews"
	JobRetrySettlements     = "retry_settlements"
)

// sweeper is the slice of the dispute service the scheduler drives.
type sweeper interface {
	EscalateExpiredNegotiations(ctx context.Context, limit int) (int, error)
	EscalateExpiredOptions(ctx context.Context, limit int) (int, error)
	GeneratePendingOptions(ctx context.Context, limit int) (int, error)
	GeneratePendingDecisions(ctx context.Context, limit int) (int, error)
	AutoAcceptExpiredReviews(ctx context.Context, limit int) (int, error)
	RetryPendingSettlements(ctx context.Context, limit int) (int, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Disputes disputedomain.Service
	GenID    *snowflake.Node
	Clock    clock.Clock
	Locker   *ratelimit.Locker `optional:"true"`
	Config   Config            `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	sweeper sweeper
	leader  *leadership
}

type job struct {
	name    string
	timeout time.Duration
	from    disputedomain.Phase
	to      disputedomain.Phase
	run     func(ctx context.Context, limit int) (int, error)
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Disputes == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     cfg,
		genID:   p.GenID,
		clock:   p.Clock,
		sweeper: p.Disputes,
		leader:  newLeadership(p.Locker, cfg.LeaderKey, cfg.LeaderTTL),
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobEscalateNegotiations, s.cfg.JobTimeout, disputedomain.Phase1, disputedomain.Phase2, s.sweeper.EscalateExpiredNegotiations},
		{JobGenerateOptions, s.cfg.GenerationTimeout, "", "", s.sweeper.GeneratePendingOptions},
		{JobEscalateOptions, s.cfg.JobTimeout, disputedomain.Phase2, disputedomain.Phase3Pending, s.sweeper.EscalateExpiredOptions},
		{JobGenerateDecisions, s.cfg.GenerationTimeout, disputedomain.Phase3Pending, disputedomain.Phase3AI, s.sweeper.GeneratePendingDecisions},
		{JobAutoAcceptReviews, s.cfg.JobTimeout, disputedomain.Phase3AI, disputedomain.PhaseResolved, s.sweeper.AutoAcceptExpiredReviews},
		{JobRetrySettlements, s.cfg.JobTimeout, "", disputedomain.PhaseResolved, s.RecoverySweepJob},
	}
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

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	if owner {
		s.logRunStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.id),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.failures == 0 {
			run.addFailure()
		}
		s.logRunEnd(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// sweepJob adapts a dispute sweep to runJob, recording what it moved.
func (s *Scheduler) sweepJob(j job) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		run := runFromContext(ctx)
		count, err := j.run(ctx, s.cfg.BatchSize)
		run.addMoved(count)

		schedMetrics := obsmetrics.Scheduler()
		schedMetrics.AddBatchProcessed(j.name, "disputes", count)
		if j.from != "" && j.to != "" {
			for i := 0; i < count; i++ {
				schedMetrics.IncSweepTransition(string(j.from), string(j.to))
			}
		}
		if err != nil {
			s.logSweepError(ctx, run, "scheduler.sweep.failed", err, zap.Int("processed_count", count))
		}
		return err
	}
}

// RunOnce runs every enabled sweep once, provided this replica holds
// scheduler leadership.
func (s *Scheduler) RunOnce(parent context.Context) error {
	leader, err := s.leader.acquire(parent)
	if err != nil {
		return fmt.Errorf("scheduler leadership: %w", err)
	}
	if !leader {
		obsmetrics.Scheduler().IncBatchDeferred("run_once", obsmetrics.SchedulerBatchDeferredReasonLeaderBusy)
		s.log.Debug("scheduler.leader.busy")
		return nil
	}

	var runErr error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if parent.Err() != nil {
			break
		}
		runErr = errors.Join(runErr, s.runJob(parent, j.name, s.cfg.BatchSize, j.timeout, s.sweepJob(j)))
	}
	return runErr
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	defer s.leader.release(context.WithoutCancel(ctx), s.log)

	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		schedMetrics.ObserveRunLoopLag(time.Since(nextRun))
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
