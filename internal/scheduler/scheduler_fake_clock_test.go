package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/arbiter/internal/clock"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
)

// deskDispute is a dispute reduced to what the sweeps look at.
type deskDispute struct {
	phase      disputedomain.Phase
	deadline   time.Time
	hasOptions bool
	resolvedAt time.Time
}

// fakeDesk moves disputes through the phases the way the dispute service
// sweeps do, using the fake clock for every deadline.
type fakeDesk struct {
	clock    *clock.FakeClock
	disputes []*deskDispute
}

const (
	negotiationWindow = 72 * time.Hour
	optionsWindow     = 48 * time.Hour
	reviewWindow      = 24 * time.Hour
)

func (d *fakeDesk) open() *deskDispute {
	dd := &deskDispute{phase: disputedomain.Phase1, deadline: d.clock.Now().Add(negotiationWindow)}
	d.disputes = append(d.disputes, dd)
	return dd
}

func (d *fakeDesk) each(limit int, match func(*deskDispute) bool, apply func(*deskDispute)) int {
	n := 0
	for _, dd := range d.disputes {
		if n >= limit {
			break
		}
		if match(dd) {
			apply(dd)
			n++
		}
	}
	return n
}

func (d *fakeDesk) expired(phase disputedomain.Phase) func(*deskDispute) bool {
	now := d.clock.Now()
	return func(dd *deskDispute) bool { return dd.phase == phase && !dd.deadline.After(now) }
}

func (d *fakeDesk) EscalateExpiredNegotiations(_ context.Context, limit int) (int, error) {
	return d.each(limit, d.expired(disputedomain.Phase1), func(dd *deskDispute) {
		dd.phase = disputedomain.Phase2
		dd.deadline = d.clock.Now().Add(optionsWindow)
	}), nil
}

func (d *fakeDesk) GeneratePendingOptions(_ context.Context, limit int) (int, error) {
	return d.each(limit, func(dd *deskDispute) bool {
		return dd.phase == disputedomain.Phase2 && !dd.hasOptions
	}, func(dd *deskDispute) { dd.hasOptions = true }), nil
}

func (d *fakeDesk) EscalateExpiredOptions(_ context.Context, limit int) (int, error) {
	return d.each(limit, d.expired(disputedomain.Phase2), func(dd *deskDispute) {
		dd.phase = disputedomain.Phase3Pending
	}), nil
}

func (d *fakeDesk) GeneratePendingDecisions(_ context.Context, limit int) (int, error) {
	return d.each(limit, func(dd *deskDispute) bool {
		return dd.phase == disputedomain.Phase3Pending
	}, func(dd *deskDispute) {
		dd.phase = disputedomain.Phase3AI
		dd.deadline = d.clock.Now().Add(reviewWindow)
	}), nil
}

func (d *fakeDesk) AutoAcceptExpiredReviews(_ context.Context, limit int) (int, error) {
	return d.each(limit, d.expired(disputedomain.Phase3AI), func(dd *deskDispute) {
		dd.phase = disputedomain.PhaseResolved
		dd.resolvedAt = d.clock.Now()
	}), nil
}

func (d *fakeDesk) RetryPendingSettlements(context.Context, int) (int, error) {
	return 0, nil
}

func TestScheduler_RunOnce_FakeClock_ResolvesAbandonedDispute(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFakeClock(start)
	desk := &fakeDesk{clock: fc}
	s, _ := newTestScheduler(t, desk, Config{BatchSize: 10})
	s.clock = fc

	dispute := desk.open()
	ctx := context.Background()

	for hour := 0; hour <= 7*24; hour++ {
		if err := s.RunOnce(ctx); err != nil {
			t.Fatalf("hour %d: run once: %v", hour, err)
		}
		switch elapsed := fc.Now().Sub(start); {
		case elapsed < negotiationWindow && dispute.phase != disputedomain.Phase1:
			t.Fatalf("escalated before the negotiation deadline at %s", elapsed)
		case elapsed == negotiationWindow:
			if dispute.phase != disputedomain.Phase2 || !dispute.hasOptions {
				t.Fatalf("expected phase_2 with options at %s, got %s options=%v", elapsed, dispute.phase, dispute.hasOptions)
			}
		case elapsed == negotiationWindow+optionsWindow:
			// options expiry and verdict generation land in the same run
			if dispute.phase != disputedomain.Phase3AI {
				t.Fatalf("expected phase_3_ai at %s, got %s", elapsed, dispute.phase)
			}
		}
		fc.Advance(time.Hour)
	}

	if dispute.phase != disputedomain.PhaseResolved {
		t.Fatalf("expected resolved dispute, got %s", dispute.phase)
	}
	want := start.Add(negotiationWindow + optionsWindow + reviewWindow)
	if !dispute.resolvedAt.Equal(want) {
		t.Fatalf("resolved at %s, want %s", dispute.resolvedAt, want)
	}
}

func TestScheduler_RunOnce_FakeClock_BatchLimitCarriesOver(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	desk := &fakeDesk{clock: fc}
	s, _ := newTestScheduler(t, desk, Config{BatchSize: 2, EnabledJobs: []string{JobEscalateNegotiations}})
	s.clock = fc

	for i := 0; i < 5; i++ {
		desk.open()
	}
	fc.Advance(negotiationWindow)

	countPhase2 := func() int {
		n := 0
		for _, dd := range desk.disputes {
			if dd.phase == disputedomain.Phase2 {
				n++
			}
		}
		return n
	}

	for run, want := range []int{2, 4, 5, 5} {
		if err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if got := countPhase2(); got != want {
			t.Fatalf("run %d: expected %d escalated, got %d", run, want, got)
		}
	}
}
