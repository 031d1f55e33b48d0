package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/consensus"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/money"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Service) GenerateFinalDecision(ctx context.Context, actor domain.Actor, disputeID string) (*domain.DecisionView, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDecisionGenerate)
	if err != nil {
		return nil, err
	}
	return s.generateDecision(ctx, actor, id)
}

func (s *Service) GetFinalDecision(ctx context.Context, actor domain.Actor, disputeID string) (*domain.DecisionView, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDisputeView)
	if err != nil {
		return nil, err
	}
	view, phase, err := s.decisionView(ctx, id)
	if err != nil {
		return nil, err
	}
	if view != nil {
		return view, nil
	}
	if phase == domain.Phase3Pending && s.policy.Get().LazyGeneration {
		return s.generateDecision(ctx, actor, id)
	}
	return nil, domain.NewConflictError(domain.ErrDecisionUnavailable, phase, "", "final decision has not been generated")
}

func (s *Service) decisionView(ctx context.Context, id snowflake.ID) (*domain.DecisionView, domain.Phase, error) {
	phases, err := s.repo.FindPhases(ctx, s.db, id, false)
	if err != nil {
		return nil, "", err
	}
	if phases == nil {
		return nil, "", domain.ErrNotFound
	}
	decision, err := s.repo.FindDecision(ctx, s.db, id)
	if err != nil || decision == nil {
		return nil, phases.CurrentPhase, err
	}
	return &domain.DecisionView{
		Decision:       *decision,
		ReviewDeadline: phases.Phase3ReviewDeadline,
		Phase:          phases.CurrentPhase,
	}, phases.CurrentPhase, nil
}

func (s *Service) generateDecision(ctx context.Context, actor domain.Actor, id snowflake.ID) (*domain.DecisionView, error) {
	v, err, _ := s.generation.Do("verdict:"+id.String(), func() (any, error) {
		return s.runVerdict(context.WithoutCancel(ctx), actor, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.DecisionView), nil
}

func (s *Service) runVerdict(ctx context.Context, actor domain.Actor, id snowflake.ID) (*domain.DecisionView, error) {
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if view, _, err := s.decisionView(ctx, id); err != nil || view != nil {
		return view, err
	}
	if err := st.ensureOpen(); err != nil {
		return nil, err
	}
	if err := st.requirePhase(domain.Phase3Pending); err != nil {
		return nil, err
	}

	in, err := s.caseContext(ctx, st, true)
	if err != nil {
		return nil, err
	}
	policy := s.policy.Get()
	result, genErr := s.orchestrator.GenerateVerdict(ctx, in, consensus.Settings{
		ModelTimeout: policy.ModelTimeout,
		ToleranceBps: consensus.ToleranceBps(policy.ClusterTolerancePercent),
	})

	var (
		locked  *state
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		locked, err = s.lock(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if result.Log.RunID != "" {
			if err := s.insertConsensusLog(ctx, tx, id, result.Log); err != nil {
				return err
			}
		}
		if genErr != nil {
			return nil
		}
		existing, err := s.repo.FindDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := locked.ensureOpen(); err != nil {
			return err
		}
		if err := locked.requirePhase(domain.Phase3Pending); err != nil {
			return err
		}

		verdict := result.Verdict
		split, err := money.Compute(locked.dispute.AmountMinor, verdict.RefundBps, verdict.VendorBps)
		if err != nil {
			return err
		}
		if err := s.repo.InsertDecision(ctx, tx, &domain.AIDecision{
			ID:                s.genID.Generate(),
			DisputeID:         id,
			CustomerRefundBps: verdict.RefundBps,
			VendorPaymentBps:  verdict.VendorBps,
			RefundAmountMinor: split.Refund,
			VendorAmountMinor: split.Vendor,
			PlatformFeeMinor:  split.PlatformFee,
			DecisionSummary:   verdict.Summary,
			FullReasoning:     verdict.FullReasoning,
			KeyFactors:        datatypes.NewJSONSlice(verdict.KeyFactors),
			Status:            domain.DecisionStatusPending,
			CreatedAt:         locked.now,
			UpdatedAt:         locked.now,
		}); err != nil {
			return err
		}
		deadline := locked.now.Add(policy.ReviewWindow)
		if _, err := s.transition(ctx, tx, locked, domain.EventDecisionGenerated, actor, func(p *domain.DisputePhases) {
			p.Phase3ReviewDeadline = &deadline
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		s.metrics.RecordGeneration(ctx, consensus.StageVerdict, "failed")
		s.log.Warn("final decision generation failed",
			zap.String("dispute_id", id.String()),
			zap.Int("success_count", result.Log.SuccessCount),
			zap.Error(genErr),
		)
		return nil, s.modelsError(genErr)
	}

	s.metrics.RecordGeneration(ctx, consensus.StageVerdict, "ok")
	if created {
		s.metrics.RecordPhaseTransition(ctx, string(domain.Phase3Pending), string(domain.Phase3AI), string(domain.EventDecisionGenerated))
		s.audit(ctx, actor, "dispute.decision_generated", id, map[string]any{
			"refund_bps":    result.Verdict.RefundBps,
			"vendor_bps":    result.Verdict.VendorBps,
			"success_count": result.Log.SuccessCount,
			"run_id":        result.Log.RunID,
		})
		s.notify(ctx, locked, "Final decision issued",
			"A binding decision has been issued for your dispute",
			fmt.Sprintf("Customer refund %.2f%%. Accept it or choose external resolution before the review deadline.", money.BpsToPercent(result.Verdict.RefundBps)),
			locked.phases.Phase3ReviewDeadline,
		)
	}
	view, _, err := s.decisionView(ctx, id)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, domain.NewConflictError(domain.ErrDecisionUnavailable, "", "", "final decision has not been generated")
	}
	return view, nil
}

func (s *Service) AcceptDecision(ctx context.Context, actor domain.Actor, disputeID string) (*domain.Snapshot, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDecisionAccept)
	if err != nil {
		return nil, err
	}
	return s.acceptDecision(ctx, actor, id, "dispute.decision_accepted")
}

func (s *Service) acceptDecision(ctx context.Context, actor domain.Actor, id snowflake.ID, action string) (*domain.Snapshot, error) {
	// Either party, or the auto-accept sweep, may accept; repeats return the same settlement.
	anyParty := func(*state) bool { return true }
	snap, st, err := s.settle(ctx, actor, id, domain.SettlementSourceDecision, anyParty, func(ctx context.Context, tx *gorm.DB, st *state) (settlement.Plan, error) {
		if _, err := domain.Next(st.phases.CurrentPhase, domain.EventAcceptDecision); err != nil {
			return settlement.Plan{}, st.conflict(err, "")
		}
		decision, err := s.repo.FindDecision(ctx, tx, id)
		if err != nil {
			return settlement.Plan{}, err
		}
		if decision == nil {
			return settlement.Plan{}, st.conflict(domain.ErrDecisionUnavailable, "final decision has not been generated")
		}
		if decision.Status != domain.DecisionStatusPending {
			return settlement.Plan{}, st.conflict(domain.ErrInvalidTransition, fmt.Sprintf("decision is %s", decision.Status))
		}
		refID := decision.ID
		return settlement.Plan{
			Source:      domain.SettlementSourceDecision,
			SourceRefID: &refID,
			RefundBps:   decision.CustomerRefundBps,
			VendorBps:   decision.VendorPaymentBps,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.announceResolution(ctx, actor, st, snap, action)
	return snap, nil
}

func (s *Service) ExternalResolutionTerms(ctx context.Context, actor domain.Actor, disputeID string) (*domain.ExternalTerms, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionExternalChoose)
	if err != nil {
		return nil, err
	}
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := st.requireParty(actor); err != nil {
		return nil, err
	}
	if err := st.requirePhase(domain.Phase3AI); err != nil {
		return nil, err
	}
	decision, err := s.repo.FindDecision(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, st.conflict(domain.ErrDecisionUnavailable, "final decision has not been generated")
	}
	return s.externalTerms(st, decision)
}

func (s *Service) externalTerms(st *state, decision *domain.AIDecision) (*domain.ExternalTerms, error) {
	fee, err := money.MajorToMinor(s.policy.Get().ExternalFee, st.dispute.Currency)
	if err != nil {
		return nil, err
	}
	plan := settlement.ExternalPlan(st.role, fee, decision.ID)
	split, err := money.Compute(st.dispute.AmountMinor, plan.RefundBps, plan.VendorBps)
	if err != nil {
		return nil, err
	}
	terms := &domain.ExternalTerms{
		RejectingParty:        st.role,
		FeeMinor:              fee,
		Currency:              st.dispute.Currency,
		RefundToCustomerMinor: split.Refund,
		ReleaseToVendorMinor:  split.Vendor,
		DecisionRefundBps:     decision.CustomerRefundBps,
		DecisionVendorBps:     decision.VendorPaymentBps,
	}
	if st.phases.Phase3ReviewDeadline != nil {
		terms.ReviewDeadline = *st.phases.Phase3ReviewDeadline
	}
	return terms, nil
}

// ChooseExternalResolution is the rejecting party's override of the final
// decision: it forfeits its share and pays the external resolution fee.
func (s *Service) ChooseExternalResolution(ctx context.Context, actor domain.Actor, req domain.ExternalResolutionRequest) (*domain.Snapshot, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionExternalChoose)
	if err != nil {
		return nil, err
	}
	if !req.Confirm {
		return nil, &domain.ValidationError{
			Fields: []domain.FieldError{{Field: "confirm", Message: "must be true"}},
			Err:    domain.ErrConfirmationMissing,
		}
	}

	rejecting := func(st *state) bool {
		set := st.settlement
		return set.PenalizedParty != nil && st.role != "" && *set.PenalizedParty == st.role
	}
	snap, st, err := s.settle(ctx, actor, id, domain.SettlementSourceExternal, rejecting, func(ctx context.Context, tx *gorm.DB, st *state) (settlement.Plan, error) {
		if err := st.requireParty(actor); err != nil {
			return settlement.Plan{}, err
		}
		if _, err := domain.Next(st.phases.CurrentPhase, domain.EventChooseExternal); err != nil {
			return settlement.Plan{}, st.conflict(err, "")
		}
		if reviewExpired(st.phases, st.now) {
			return settlement.Plan{}, st.conflict(domain.ErrReviewWindowClosed, "review window has closed")
		}
		decision, err := s.repo.FindDecision(ctx, tx, id)
		if err != nil {
			return settlement.Plan{}, err
		}
		if decision == nil || decision.Status != domain.DecisionStatusPending {
			return settlement.Plan{}, st.conflict(domain.ErrDecisionUnavailable, "no pending decision to override")
		}
		terms, err := s.externalTerms(st, decision)
		if err != nil {
			return settlement.Plan{}, err
		}
		if req.AcknowledgedFeeMinor != terms.FeeMinor {
			return settlement.Plan{}, &domain.ValidationError{
				Fields: []domain.FieldError{{Field: "acknowledged_fee", Message: fmt.Sprintf("must equal %s", money.FormatMinor(terms.FeeMinor, terms.Currency))}},
				Err:    domain.ErrFeeMismatch,
			}
		}

		if _, err := s.transition(ctx, tx, st, domain.EventChooseExternal, actor, func(p *domain.DisputePhases) {
			p.ExternalResolution = true
		}); err != nil {
			return settlement.Plan{}, err
		}
		if err := s.repo.UpdateDecisionStatus(ctx, tx, decision.ID, domain.DecisionStatusOverriddenExternal, st.now); err != nil {
			return settlement.Plan{}, err
		}
		return settlement.ExternalPlan(st.role, terms.FeeMinor, decision.ID), nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPhaseTransition(ctx, string(domain.Phase3AI), string(domain.Phase3External), string(domain.EventChooseExternal))
	s.announceResolution(ctx, actor, st, snap, "dispute.external_chosen")
	return snap, nil
}

func reviewExpired(p *domain.DisputePhases, now time.Time) bool {
	return p.Phase3ReviewDeadline != nil && !now.Before(*p.Phase3ReviewDeadline)
}
