package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"gorm.io/gorm"
)

type typedErr string

func (e typedErr) Error() string     { return string(e) }
func (e typedErr) ErrorType() string { return string(e) }

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "sqlite_busy",
			err:  fmt.Errorf("lock phases: %w", errors.New("database is locked")),
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "wrapped_conflict",
			err:  fmt.Errorf("escalate: %w", typedErr("conflict")),
			want: SchedulerJobReasonConflict,
		},
		{
			name: "dependency",
			err:  typedErr("external_dependency"),
			want: SchedulerJobReasonDependency,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(typedErr("external_dependency")) {
		t.Fatalf("expected dependency failures to be retryable")
	}
	if IsSchedulerErrorRetryable(typedErr("validation")) {
		t.Fatalf("expected validation failures to be final")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "arbiter",
		Environment: "test",
	})

	metrics.AddBatchProcessed("escalate_negotiations", "disputes", 3)
	metrics.IncSweepTransition("phase_1", "phase_2")

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("escalate_negotiations", "disputes"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.sweepTransitions.WithLabelValues("phase_1", "phase_2")); got != 1 {
		t.Fatalf("expected one sweep transition, got %v", got)
	}
}
