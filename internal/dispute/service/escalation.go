package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// evaluateEscalation is the single source of truth shared by CanEscalate and Escalate.
func evaluateEscalation(st *state) domain.EscalationCheck {
	check := domain.EscalationCheck{CurrentPhase: st.phases.CurrentPhase}
	switch {
	case st.dispute.Status == domain.StatusClosed || st.phases.CurrentPhase.Terminal():
		check.Reason = "dispute is resolved"
	case st.phases.CurrentPhase.IsPhase3():
		check.Reason = "dispute is already in binding arbitration"
	case st.settlement != nil:
		check.Reason = "a settlement is in progress"
	default:
		next, err := domain.Next(st.phases.CurrentPhase, domain.EventEscalate)
		if err != nil {
			check.Reason = err.Error()
			return check
		}
		check.Allowed = true
		check.NextPhase = next
	}
	return check
}

func (s *Service) CanEscalate(ctx context.Context, actor domain.Actor, disputeID string) (*domain.EscalationCheck, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDisputeView)
	if err != nil {
		return nil, err
	}
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	check := evaluateEscalation(st)
	return &check, nil
}

func (s *Service) Escalate(ctx context.Context, actor domain.Actor, req domain.EscalateRequest) (*domain.Snapshot, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionEscalate)
	if err != nil {
		return nil, err
	}
	expected := req.ExpectedPhase
	if expected == "" {
		// Without an expectation the caller escalates from whatever phase it
		// last saw; the row lock and version check still let only one of two
		// concurrent callers advance.
		phases, err := s.repo.FindPhases(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		if phases == nil {
			return nil, domain.ErrNotFound
		}
		expected = phases.CurrentPhase
	}
	if !expected.Valid() {
		return nil, domain.NewValidationError("expected_phase", "must name the phase being escalated from")
	}
	return s.escalate(ctx, actor, id, expected)
}

func (s *Service) escalate(ctx context.Context, actor domain.Actor, id snowflake.ID, expected domain.Phase) (*domain.Snapshot, error) {
	policy := s.policy.Get()

	var (
		st   *state
		from domain.Phase
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.lock(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if !actor.IsSystem() {
			if err := st.requireParty(actor); err != nil {
				return err
			}
		}
		if st.phases.CurrentPhase != expected {
			return st.conflict(domain.ErrPhaseMismatch, fmt.Sprintf("dispute is no longer in %s", expected))
		}
		check := evaluateEscalation(st)
		if !check.Allowed {
			return st.conflict(domain.ErrInvalidTransition, check.Reason)
		}
		from, err = s.transition(ctx, tx, st, domain.EventEscalate, actor, func(p *domain.DisputePhases) {
			if p.CurrentPhase == domain.Phase2 {
				deadline := st.now.Add(policy.OptionsWindow)
				p.Phase2Deadline = &deadline
			}
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	to := st.phases.CurrentPhase
	s.metrics.RecordPhaseTransition(ctx, string(from), string(to), string(domain.EventEscalate))
	s.log.Info("dispute escalated",
		zap.String("dispute_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.String()),
	)
	s.audit(ctx, actor, "dispute.escalated", id, map[string]any{"from": string(from), "to": string(to)})
	switch to {
	case domain.Phase2:
		s.notify(ctx, st, "Dispute escalated to mediation",
			"AI-assisted resolution options are being prepared",
			"Review the options and select the one you can accept. Matching selections resolve the dispute.",
			st.phases.Phase2Deadline,
		)
	case domain.Phase3Pending:
		s.notify(ctx, st, "Dispute escalated to arbitration",
			"A binding decision is being prepared",
			"You will be notified when the decision is ready for review.",
			nil,
		)
	}
	return &domain.Snapshot{Dispute: *st.dispute, Phases: *st.phases}, nil
}
