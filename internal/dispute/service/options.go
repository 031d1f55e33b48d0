package service

import (
	"context"
	"encoding/json"
	"errors"
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

const dependencyModels = "ai_models"

func (s *Service) GenerateResolutionOptions(ctx context.Context, actor domain.Actor, disputeID string) (*domain.OptionsView, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionOptionsGenerate)
	if err != nil {
		return nil, err
	}
	return s.generateOptions(ctx, actor, id)
}

func (s *Service) GetResolutionOptions(ctx context.Context, actor domain.Actor, disputeID string) (*domain.OptionsView, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDisputeView)
	if err != nil {
		return nil, err
	}
	view, err := s.optionsView(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(view.Options) > 0 {
		return view, nil
	}
	if view.Phase == domain.Phase2 && s.policy.Get().LazyGeneration {
		return s.generateOptions(ctx, actor, id)
	}
	return nil, domain.NewConflictError(domain.ErrOptionsUnavailable, view.Phase, "", "resolution options have not been generated")
}

func (s *Service) optionsView(ctx context.Context, id snowflake.ID) (*domain.OptionsView, error) {
	phases, err := s.repo.FindPhases(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if phases == nil {
		return nil, domain.ErrNotFound
	}
	generation, err := s.repo.LatestGeneration(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	view := &domain.OptionsView{DisputeID: id.String(), Generation: generation, Phase: phases.CurrentPhase}
	if generation == 0 {
		return view, nil
	}
	if view.Options, err = s.repo.ListOptions(ctx, s.db, id, generation); err != nil {
		return nil, err
	}
	if view.Selections, err = s.repo.ListSelections(ctx, s.db, id); err != nil {
		return nil, err
	}
	return view, nil
}

// generateOptions runs the options consensus at most once per dispute at a
// time in this process; the persisting transaction re-checks across processes.
func (s *Service) generateOptions(ctx context.Context, actor domain.Actor, id snowflake.ID) (*domain.OptionsView, error) {
	v, err, _ := s.generation.Do("options:"+id.String(), func() (any, error) {
		return s.runOptions(context.WithoutCancel(ctx), actor, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.OptionsView), nil
}

func (s *Service) runOptions(ctx context.Context, actor domain.Actor, id snowflake.ID) (*domain.OptionsView, error) {
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := st.ensureOpen(); err != nil {
		return nil, err
	}
	if err := st.requirePhase(domain.Phase2); err != nil {
		return nil, err
	}
	existing, err := s.optionsView(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(existing.Options) > 0 {
		return existing, nil
	}

	in, err := s.caseContext(ctx, st, false)
	if err != nil {
		return nil, err
	}
	policy := s.policy.Get()
	result, genErr := s.orchestrator.GenerateOptions(ctx, in, consensus.Settings{
		ModelTimeout: policy.ModelTimeout,
		ToleranceBps: consensus.ToleranceBps(policy.ClusterTolerancePercent),
	})

	var generation int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, id, actor)
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
		if err := locked.ensureOpen(); err != nil {
			return err
		}
		if err := locked.requirePhase(domain.Phase2); err != nil {
			return err
		}
		current, err := s.repo.LatestGeneration(ctx, tx, id)
		if err != nil {
			return err
		}
		if current > 0 {
			return nil
		}
		generation = current + 1
		rows, err := s.optionRows(id, generation, st.dispute.AmountMinor, result.Options, locked.now)
		if err != nil {
			return err
		}
		return s.repo.InsertOptions(ctx, tx, rows)
	})
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		s.metrics.RecordGeneration(ctx, consensus.StageOptions, "failed")
		s.log.Warn("options generation failed",
			zap.String("dispute_id", id.String()),
			zap.Int("success_count", result.Log.SuccessCount),
			zap.Error(genErr),
		)
		return nil, s.modelsError(genErr)
	}

	s.metrics.RecordGeneration(ctx, consensus.StageOptions, "ok")
	if generation > 0 {
		s.audit(ctx, actor, "dispute.options_generated", id, map[string]any{
			"generation":    generation,
			"success_count": result.Log.SuccessCount,
			"run_id":        result.Log.RunID,
		})
		s.notify(ctx, st, "Resolution options are ready",
			"Three resolution options are ready for your review",
			"Select the option you accept. If you and the other party pick the same option the dispute is resolved.",
			st.phases.Phase2Deadline,
		)
	}
	return s.optionsView(ctx, id)
}

func (s *Service) optionRows(id snowflake.ID, generation int, amount int64, options []consensus.Option, now time.Time) ([]domain.AIOption, error) {
	rows := make([]domain.AIOption, 0, len(options))
	for _, o := range options {
		split, err := money.Compute(amount, o.RefundBps, o.VendorBps)
		if err != nil {
			return nil, err
		}
		rows = append(rows, domain.AIOption{
			ID:                s.genID.Generate(),
			DisputeID:         id,
			Generation:        generation,
			OptionLabel:       o.Label,
			OptionTitle:       o.Title,
			CustomerRefundBps: o.RefundBps,
			VendorPaymentBps:  o.VendorBps,
			RefundAmountMinor: split.Refund,
			VendorAmountMinor: split.Vendor,
			PlatformFeeMinor:  split.PlatformFee,
			Reasoning:         o.Reasoning,
			KeyFactors:        datatypes.NewJSONSlice(o.KeyFactors),
			ModelWeight:       o.Weight,
			Synthesized:       o.Synthesized,
			IsRecommended:     o.Recommended,
			CreatedAt:         now,
		})
	}
	return rows, nil
}

func (s *Service) SelectOption(ctx context.Context, actor domain.Actor, req domain.SelectOptionRequest) (*domain.SelectionResult, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionOptionSelect)
	if err != nil {
		return nil, err
	}
	optionID, err := parseID(req.OptionID, "option_id")
	if err != nil {
		return nil, err
	}

	var (
		st         *state
		selections []domain.PartySelection
		matched    bool
		resume     bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.lock(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if err := st.requireParty(actor); err != nil {
			return err
		}
		if st.settlement != nil && st.settlement.Source == domain.SettlementSourceOption && st.settledFrom(optionID) {
			resume = true
			return nil
		}
		if err := st.ensureOpen(); err != nil {
			return err
		}
		if err := st.requirePhase(domain.Phase2); err != nil {
			return err
		}
		option, err := s.repo.FindOption(ctx, tx, id, optionID)
		if err != nil {
			return err
		}
		if option == nil {
			return fmt.Errorf("option %s: %w", optionID, domain.ErrNotFound)
		}
		latest, err := s.repo.LatestGeneration(ctx, tx, id)
		if err != nil {
			return err
		}
		if option.Generation != latest {
			return domain.NewValidationError("option_id", "belongs to a superseded set of options")
		}
		if err := s.repo.UpsertSelection(ctx, tx, &domain.PartySelection{
			DisputeID:  id,
			Party:      st.role,
			UserID:     actor.ID,
			OptionID:   option.ID,
			SelectedAt: st.now,
		}); err != nil {
			return err
		}
		selections, err = s.repo.ListSelections(ctx, tx, id)
		if err != nil {
			return err
		}
		if !selectionsMatch(selections) {
			return nil
		}
		if _, err := domain.Next(st.phases.CurrentPhase, domain.EventOptionsMatched); err != nil {
			return st.conflict(err, "")
		}
		refID := option.ID
		st.settlement, err = s.executor.Prepare(ctx, tx, st.dispute, st.phases, settlement.Plan{
			Source:      domain.SettlementSourceOption,
			SourceRefID: &refID,
			RefundBps:   option.CustomerRefundBps,
			VendorBps:   option.VendorPaymentBps,
		}, actor)
		if err != nil {
			return err
		}
		matched = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !matched && !resume {
		s.audit(ctx, actor, "dispute.option_selected", id, map[string]any{"option_id": optionID.String(), "party": string(st.role)})
		s.notify(ctx, st, "An option was selected",
			fmt.Sprintf("The %s selected a resolution option", st.role),
			"Select the same option to resolve the dispute, or pick the one you prefer.",
			st.phases.Phase2Deadline,
			st.role.Counterparty(),
		)
		return &domain.SelectionResult{
			Selections: selections,
			Snapshot:   domain.Snapshot{Dispute: *st.dispute, Phases: *st.phases},
		}, nil
	}

	snap, err := s.executor.Execute(ctx, id)
	if err != nil {
		return nil, err
	}
	if selections == nil {
		if selections, err = s.repo.ListSelections(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	s.announceResolution(ctx, actor, st, snap, "dispute.options_matched")
	return &domain.SelectionResult{Selections: selections, Matched: true, Snapshot: *snap}, nil
}

func selectionsMatch(selections []domain.PartySelection) bool {
	var customer, vendor snowflake.ID
	for _, sel := range selections {
		switch sel.Party {
		case domain.PartyCustomer:
			customer = sel.OptionID
		case domain.PartyVendor:
			vendor = sel.OptionID
		}
	}
	return customer != 0 && customer == vendor
}

// caseContext bundles what every specialist sees.
func (s *Service) caseContext(ctx context.Context, st *state, withOptions bool) (consensus.CaseContext, error) {
	id := st.dispute.ID
	in := consensus.CaseContext{
		DisputeID:   id.String(),
		BookingID:   st.dispute.BookingID,
		Reason:      string(st.dispute.Reason),
		Description: st.dispute.Description,
		RaisedBy:    string(st.dispute.RaisedBy),
		AmountMinor: st.dispute.AmountMinor,
		Currency:    st.dispute.Currency,
	}
	evidence, err := s.repo.ListEvidence(ctx, s.db, id)
	if err != nil {
		return in, err
	}
	for _, e := range evidence {
		in.Evidence = append(in.Evidence, e.URL)
	}
	offers, err := s.repo.ListResponses(ctx, s.db, id)
	if err != nil {
		return in, err
	}
	for _, o := range offers {
		summary := consensus.OfferSummary{
			Party:         string(st.parties.PartyOf(o.UserID)),
			RefundPercent: money.BpsToPercent(o.RefundBps),
			CreatedAt:     o.CreatedAt,
		}
		if o.Message != nil {
			summary.Message = *o.Message
		}
		in.Offers = append(in.Offers, summary)
	}
	if !withOptions {
		return in, nil
	}

	generation, err := s.repo.LatestGeneration(ctx, s.db, id)
	if err != nil || generation == 0 {
		return in, err
	}
	options, err := s.repo.ListOptions(ctx, s.db, id, generation)
	if err != nil {
		return in, err
	}
	labels := make(map[snowflake.ID]string, len(options))
	for _, o := range options {
		labels[o.ID] = o.OptionLabel
		in.Options = append(in.Options, consensus.OptionSummary{
			Label:         o.OptionLabel,
			Title:         o.OptionTitle,
			RefundPercent: money.BpsToPercent(o.CustomerRefundBps),
			Recommended:   o.IsRecommended,
		})
	}
	selections, err := s.repo.ListSelections(ctx, s.db, id)
	if err != nil {
		return in, err
	}
	for _, sel := range selections {
		if label, ok := labels[sel.OptionID]; ok {
			in.Selections = append(in.Selections, consensus.Selection{Party: string(sel.Party), Label: label})
		}
	}
	return in, nil
}

func (s *Service) insertConsensusLog(ctx context.Context, tx *gorm.DB, id snowflake.ID, log consensus.Log) error {
	runs := make([]domain.ModelRun, 0, len(log.Runs))
	for _, r := range log.Runs {
		runs = append(runs, domain.ModelRun{
			Role:      r.Role,
			Model:     r.Model,
			Status:    r.Status,
			LatencyMS: r.LatencyMS,
			Error:     r.Error,
		})
	}
	var final datatypes.JSON
	if log.FinalResult != nil {
		raw, err := json.Marshal(log.FinalResult)
		if err != nil {
			return err
		}
		final = datatypes.JSON(raw)
	}
	return s.repo.InsertConsensusLog(ctx, tx, &domain.ConsensusLog{
		ID:                s.genID.Generate(),
		DisputeID:         id,
		RunID:             log.RunID,
		Stage:             log.Stage,
		ModelRuns:         datatypes.NewJSONSlice(runs),
		AggregationMethod: log.AggregationMethod,
		FinalResult:       final,
		SuccessCount:      log.SuccessCount,
		Transcript:        log.Transcript,
		StartedAt:         log.StartedAt,
		CompletedAt:       log.CompletedAt,
	})
}

func (s *Service) modelsError(err error) error {
	unavailable := errors.Is(err, consensus.ErrNoProviders)
	return &domain.ExternalDependencyError{
		Dependency:  dependencyModels,
		Err:         fmt.Errorf("%w: %w", domain.ErrModelsUnavailable, err),
		Unavailable: unavailable,
	}
}
