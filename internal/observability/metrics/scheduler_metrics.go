package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/pkg/db"
	"gorm.io/gorm"
)

// Error types written to scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDependency       = "external_dependency"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the job error counter label.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonConflict             = "conflict"
	SchedulerJobReasonDependency           = "external_dependency"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLeaderBusy = "leader_busy"
)

const LockResourceSchedulerLeader = "scheduler_leader"

// classifiedError is implemented by the dispute error taxonomy.
type classifiedError interface {
	ErrorType() string
}

// SchedulerMetrics covers the deadline sweeps: job runs, how many disputes
// each sweep moved, and how long runs wait for leadership.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec
	runLoopLag       prometheus.Histogram
	lockWait         *prometheus.HistogramVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler collectors on the default
// registerer the first time it is called.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "arbiter"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	return prometheus.Labels{"service": service, "env": env}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)
	counter := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "arbiter_scheduler_" + name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}

	m := &SchedulerMetrics{
		jobRuns:          counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:      counter("job_timeouts_total", "Scheduler jobs that hit their timeout.", "job"),
		jobErrors:        counter("job_errors_total", "Scheduler job errors by low-cardinality reason.", "job", "reason"),
		batchProcessed:   counter("batch_processed_total", "Disputes processed per sweep.", "job", "resource"),
		batchDeferred:    counter("batch_deferred_total", "Scheduler runs deferred by reason.", "job", "reason"),
		sweepTransitions: counter("sweep_transitions_total", "Phase transitions performed by deadline sweeps.", "from", "to"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "arbiter_scheduler_job_duration_seconds",
			Help: "Scheduler job latency.",
			// generation jobs wait on three model calls and may run for minutes
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "arbiter_scheduler_runloop_lag_seconds",
			Help:        "Scheduler run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: labels,
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "arbiter_scheduler_db_lock_wait_seconds",
			Help:        "Time spent acquiring run leadership and dispute row locks.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			ConstLabels: labels,
		}, []string{"resource"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.batchDeferred,
		m.sweepTransitions,
		m.runLoopLag,
		m.lockWait,
	)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// IncSweepTransition counts a phase change made by a sweep rather than a party.
func (m *SchedulerMetrics) IncSweepTransition(from, to string) {
	if m == nil {
		return
	}
	m.sweepTransitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}

func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isCancellation(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerErrorTypeAuthorization
	case errorType(err) == "external_dependency":
		return SchedulerErrorTypeDependency
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable is true when the next tick may succeed where
// this one failed: timeouts, gateway or model outages, lost races, db errors.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if isCancellation(err) {
		return true
	}
	switch errorType(err) {
	case "external_dependency", "conflict":
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps a job error to the counter's reason label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isCancellation(err):
		return SchedulerJobReasonDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerJobReasonForbidden
	case hasPGCode(err, "55P03"):
		return SchedulerJobReasonDBLockTimeout
	case db.IsLockContention(err):
		return SchedulerJobReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return SchedulerJobReasonUniqueViolation
	}
	switch errorType(err) {
	case "conflict":
		return SchedulerJobReasonConflict
	case "external_dependency":
		return SchedulerJobReasonDependency
	}
	return SchedulerJobReasonUnknown
}

func errorType(err error) string {
	var classified classifiedError
	if errors.As(err, &classified) {
		return classified.ErrorType()
	}
	return ""
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction) ||
		errorType(err) == "authorization"
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) ||
		errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		db.IsLockContention(err)
}
