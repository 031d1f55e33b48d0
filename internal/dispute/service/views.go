package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/consensus"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/money"
	"github.com/smallbiznis/arbiter/internal/providers/pdf"
)

const statementTimeLayout = "2006-01-02 15:04 MST"

var resolutionLabels = map[domain.SettlementSource]string{
	domain.SettlementSourceNegotiation: "Accepted counter-offer",
	domain.SettlementSourceOption:      "Matched resolution option",
	domain.SettlementSourceDecision:    "Final decision",
	domain.SettlementSourceExternal:    "External resolution",
}

// Statement renders the resolution statement of a resolved dispute.
func (s *Service) Statement(ctx context.Context, actor domain.Actor, disputeID string) (io.Reader, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionStatementView)
	if err != nil {
		return nil, err
	}
	if s.pdf == nil {
		return nil, &domain.ExternalDependencyError{Dependency: "pdf", Err: fmt.Errorf("statement renderer is not configured"), Unavailable: true}
	}
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	set := st.settlement
	if st.dispute.Status != domain.StatusClosed || set == nil || set.Status != domain.SettlementStatusCompleted {
		return nil, st.conflict(domain.ErrInvalidTransition, "dispute is not resolved")
	}
	transitions, err := s.repo.ListTransitions(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	currency := st.dispute.Currency
	data := pdf.StatementData{
		DisputeID:     id.String(),
		BookingID:     st.dispute.BookingID,
		Reason:        string(st.dispute.Reason),
		OpenedAt:      formatTime(st.dispute.CreatedAt),
		Resolution:    resolutionLabels[set.Source],
		Currency:      currency,
		EscrowAmount:  money.FormatMinor(set.AmountMinor, currency),
		RefundPercent: fmt.Sprintf("%.2f%%", money.BpsToPercent(set.RefundBps)),
		RefundAmount:  money.FormatMinor(set.RefundAmountMinor, currency),
		VendorAmount:  money.FormatMinor(set.VendorAmountMinor, currency),
		PlatformFee:   money.FormatMinor(set.PlatformFeeMinor, currency),
	}
	if st.dispute.ResolvedAt != nil {
		data.ResolvedAt = formatTime(*st.dispute.ResolvedAt)
	}
	if st.dispute.ResolutionSummary != nil {
		data.Summary = *st.dispute.ResolutionSummary
	}
	if set.PenalizedParty != nil && set.PenaltyFeeMinor > 0 {
		data.PenaltyFee = money.FormatMinor(set.PenaltyFeeMinor, currency)
		data.PenaltyParty = string(*set.PenalizedParty)
	}
	for _, t := range transitions {
		actorName := t.ActorType
		if t.ActorID != nil {
			actorName = string(st.parties.PartyOf(*t.ActorID))
			if actorName == "" {
				actorName = t.ActorType
			}
		}
		data.Timeline = append(data.Timeline, pdf.StatementEvent{
			At:    formatTime(t.OccurredAt),
			From:  string(t.FromPhase),
			To:    string(t.ToPhase),
			Event: string(t.Event),
			Actor: actorName,
		})
	}

	r, err := s.pdf.GenerateStatement(ctx, data)
	if err != nil {
		return nil, &domain.ExternalDependencyError{Dependency: "pdf", Err: err}
	}
	s.audit(ctx, actor, "dispute.statement_downloaded", id, nil)
	return r, nil
}

// ListConsensusLogs exposes the stored deliberation records to operators.
func (s *Service) ListConsensusLogs(ctx context.Context, actor domain.Actor, disputeID string, withTranscript bool) ([]domain.ConsensusLogView, error) {
	id, err := parseID(disputeID, "dispute_id")
	if err != nil {
		return nil, err
	}
	d, err := s.repo.FindDispute(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.authorize(ctx, actor, authorization.DisputeScope(id.String()), authorization.ObjectConsensusLog, authorization.ActionConsensusLogView); err != nil {
		return nil, err
	}

	logs, err := s.repo.ListConsensusLogs(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	views := make([]domain.ConsensusLogView, 0, len(logs))
	for _, l := range logs {
		view := domain.ConsensusLogView{ConsensusLog: l}
		if withTranscript {
			if view.Transcript, err = consensus.DecodeTranscript(l.Transcript); err != nil {
				return nil, fmt.Errorf("decode transcript %s: %w", l.RunID, err)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(statementTimeLayout)
}
