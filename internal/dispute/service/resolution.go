package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// planFunc validates a resolving request against the locked state and
// returns the outcome to pay. It may write further rows through tx.
type planFunc func(ctx context.Context, tx *gorm.DB, st *state) (settlement.Plan, error)

// replayFunc reports whether a request repeats the one that created the
// existing settlement of the same source.
type replayFunc func(st *state) bool

// settle records the settlement intent in one transaction, then runs the
// escrow legs outside it. A replayed request resumes or returns the existing
// settlement; any other request against a settled dispute is a conflict.
func (s *Service) settle(ctx context.Context, actor domain.Actor, disputeID snowflake.ID, source domain.SettlementSource, replay replayFunc, plan planFunc) (*domain.Snapshot, *state, error) {
	var st *state
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.lock(ctx, tx, disputeID, actor)
		if err != nil {
			return err
		}
		if !actor.IsSystem() && st.role == "" {
			return &domain.AuthorizationError{Err: domain.ErrNotParty}
		}
		if st.settlement != nil && st.settlement.Source == source && replay != nil && replay(st) {
			return nil
		}
		if err := st.ensureOpen(); err != nil {
			return err
		}
		p, err := plan(ctx, tx, st)
		if err != nil {
			return err
		}
		st.settlement, err = s.executor.Prepare(ctx, tx, st.dispute, st.phases, p, actor)
		return err
	})
	if err != nil {
		return nil, st, err
	}

	snap, err := s.executor.Execute(ctx, disputeID)
	if err != nil {
		return nil, st, err
	}
	return snap, st, nil
}

func (s *Service) RetrySettlement(ctx context.Context, actor domain.Actor, disputeID string) (*domain.Snapshot, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionSettlementRetry)
	if err != nil {
		return nil, err
	}
	return s.retrySettlement(ctx, id)
}

func (s *Service) retrySettlement(ctx context.Context, id snowflake.ID) (*domain.Snapshot, error) {
	snap, err := s.executor.Execute(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewConflictError(domain.ErrNotFound, "", "", "dispute has no settlement to retry")
		}
		return nil, err
	}
	return snap, nil
}

func (s *Service) announceResolution(ctx context.Context, actor domain.Actor, st *state, snap *domain.Snapshot, action string) {
	if snap == nil || snap.Settlement == nil {
		return
	}
	set := snap.Settlement
	s.audit(ctx, actor, action, snap.Dispute.ID, map[string]any{
		"source":     string(set.Source),
		"refund_bps": set.RefundBps,
		"vendor_bps": set.VendorBps,
		"settlement": set.ID.String(),
		"phase":      string(snap.Phases.CurrentPhase),
	})
	if st == nil {
		return
	}
	st.phases = &snap.Phases
	summary := ""
	if snap.Dispute.ResolutionSummary != nil {
		summary = *snap.Dispute.ResolutionSummary
	}
	s.log.Info("dispute settlement completed",
		zap.String("dispute_id", snap.Dispute.ID.String()),
		zap.String("source", string(set.Source)),
	)
	s.notify(ctx, st, "Dispute resolved", "Your dispute has been resolved", summary, nil)
}
