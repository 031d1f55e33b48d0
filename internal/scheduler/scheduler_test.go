package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/arbiter/internal/clock"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"go.uber.org/zap"
)

type call struct {
	job   string
	limit int
}

type fakeSweeper struct {
	mu     sync.Mutex
	calls  []call
	counts map[string]int
	errs   map[string]error
}

func (f *fakeSweeper) record(job string, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{job: job, limit: limit})
	return f.counts[job], f.errs[job]
}

func (f *fakeSweeper) EscalateExpiredNegotiations(_ context.Context, limit int) (int, error) {
	return f.record(JobEscalateNegotiations, limit)
}

func (f *fakeSweeper) EscalateExpiredOptions(_ context.Context, limit int) (int, error) {
	return f.record(JobEscalateOptions, limit)
}

func (f *fakeSweeper) GeneratePendingOptions(_ context.Context, limit int) (int, error) {
	return f.record(JobGenerateOptions, limit)
}

func (f *fakeSweeper) GeneratePendingDecisions(_ context.Context, limit int) (int, error) {
	return f.record(JobGenerateDecisions, limit)
}

func (f *fakeSweeper) AutoAcceptExpiredReviews(_ context.Context, limit int) (int, error) {
	return f.record(JobAutoAcceptReviews, limit)
}

func (f *fakeSweeper) RetryPendingSettlements(_ context.Context, limit int) (int, error) {
	return f.record(JobRetrySettlements, limit)
}

func (f *fakeSweeper) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.job)
	}
	return out
}

type fakeLock struct {
	holder  string
	tokens  int
	refresh error
}

func (l *fakeLock) TryLock(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	if l.holder != "" {
		return "", false, nil
	}
	l.tokens++
	l.holder = "token-" + string(rune('0'+l.tokens))
	return l.holder, true, nil
}

func (l *fakeLock) Refresh(_ context.Context, _ string, token string, _ time.Duration) error {
	if l.refresh != nil {
		return l.refresh
	}
	if token != l.holder {
		return ratelimit.ErrLockNotHeld
	}
	return nil
}

func (l *fakeLock) Release(_ context.Context, _ string, token string) error {
	if token == l.holder {
		l.holder = ""
	}
	return nil
}

func newTestScheduler(t *testing.T, sw sweeper, cfg Config) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "arbiter", Environment: "test"})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		log:     zap.NewNop(),
		cfg:     cfg,
		genID:   node,
		clock:   clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		sweeper: sw,
		leader:  &leadership{key: cfg.LeaderKey, ttl: cfg.LeaderTTL},
	}, registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, &fakeSweeper{}, Config{})

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "arbiter",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "arbiter_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "arbiter",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "arbiter_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceRunsSweepsInOrder(t *testing.T) {
	sw := &fakeSweeper{counts: map[string]int{JobEscalateNegotiations: 2, JobAutoAcceptReviews: 1}}
	s, registry := newTestScheduler(t, sw, Config{BatchSize: 7})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := []string{
		JobEscalateNegotiations,
		JobGenerateOptions,
		JobEscalateOptions,
		JobGenerateDecisions,
		JobAutoAcceptReviews,
		JobRetrySettlements,
	}
	if got := sw.jobs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected job order %v", got)
	}
	for _, c := range sw.calls {
		if c.limit != 7 {
			t.Fatalf("job %s ran with limit %d", c.job, c.limit)
		}
	}

	transition := map[string]string{"service": "arbiter", "env": "test", "from": "phase_1", "to": "phase_2"}
	if got := getCounterValue(t, registry, "arbiter_scheduler_sweep_transitions_total", transition); got != 2 {
		t.Fatalf("expected 2 sweep transitions, got %v", got)
	}
	processed := map[string]string{"service": "arbiter", "env": "test", "job": JobAutoAcceptReviews, "resource": "disputes"}
	if got := getCounterValue(t, registry, "arbiter_scheduler_batch_processed_total", processed); got != 1 {
		t.Fatalf("expected 1 processed, got %v", got)
	}
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	sw := &fakeSweeper{}
	s, _ := newTestScheduler(t, sw, Config{EnabledJobs: []string{" Retry_Settlements ", JobEscalateOptions}})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := sw.jobs(); strings.Join(got, ",") != JobEscalateOptions+","+JobRetrySettlements {
		t.Fatalf("unexpected jobs %v", got)
	}
}

func TestRunOnceKeepsGoingAfterSweepFailure(t *testing.T) {
	boom := errors.New("gateway down")
	sw := &fakeSweeper{errs: map[string]error{JobGenerateOptions: boom}}
	s, registry := newTestScheduler(t, sw, Config{})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined sweep error, got %v", err)
	}
	if !strings.Contains(err.Error(), JobGenerateOptions) {
		t.Fatalf("error should name the job: %v", err)
	}
	if got := len(sw.jobs()); got != 6 {
		t.Fatalf("expected all 6 jobs to run, got %d", got)
	}
	labels := map[string]string{"service": "arbiter", "env": "test", "job": JobGenerateOptions, "reason": obsmetrics.SchedulerJobReasonUnknown}
	if got := getCounterValue(t, registry, "arbiter_scheduler_job_errors_total", labels); got != 1 {
		t.Fatalf("expected 1 job error, got %v", got)
	}
}

func TestRunOnceSkipsWithoutLeadership(t *testing.T) {
	sw := &fakeSweeper{}
	s, registry := newTestScheduler(t, sw, Config{})
	lock := &fakeLock{holder: "other-replica"}
	s.leader.lock = lock

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := len(sw.jobs()); got != 0 {
		t.Fatalf("follower must not sweep, ran %d jobs", got)
	}
	labels := map[string]string{"service": "arbiter", "env": "test", "job": "run_once", "reason": obsmetrics.SchedulerBatchDeferredReasonLeaderBusy}
	if got := getCounterValue(t, registry, "arbiter_scheduler_batch_deferred_total", labels); got != 1 {
		t.Fatalf("expected deferred count 1, got %v", got)
	}

	lock.holder = ""
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := len(sw.jobs()); got != 6 {
		t.Fatalf("leader should sweep, ran %d jobs", got)
	}
}

func TestLeadershipRefreshesAndReacquires(t *testing.T) {
	lock := &fakeLock{}
	l := &leadership{lock: lock, key: "k", ttl: time.Minute}
	ctx := context.Background()

	ok, err := l.acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	first := l.token

	ok, err = l.acquire(ctx)
	if err != nil || !ok || l.token != first {
		t.Fatalf("refresh should keep token %q, got %q ok=%v err=%v", first, l.token, ok, err)
	}

	// lock expired and nobody else took it
	lock.holder = ""
	ok, err = l.acquire(ctx)
	if err != nil || !ok || l.token == first {
		t.Fatalf("expected a new token after losing the lock, ok=%v err=%v", ok, err)
	}

	l.release(ctx, zap.NewNop())
	if l.token != "" || lock.holder != "" {
		t.Fatalf("release should drop the lock, token=%q holder=%q", l.token, lock.holder)
	}

	if ok, err := l.acquire(ctx); err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	lock.refresh = errors.New("redis down")
	ok, err = l.acquire(ctx)
	if err == nil || ok {
		t.Fatalf("expected refresh error to surface, ok=%v", ok)
	}
}

func TestNewLeadershipWithoutLocker(t *testing.T) {
	l := newLeadership(nil, "k", time.Minute)
	if l.lock != nil {
		t.Fatalf("nil locker must not become a non-nil interface")
	}
	ok, err := l.acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("single replica is always leader, ok=%v err=%v", ok, err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Params{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
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
