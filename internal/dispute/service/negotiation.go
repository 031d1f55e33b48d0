package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/money"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"gorm.io/gorm"
)

const maxOfferMessageLength = 2000

func (s *Service) SubmitCounterOffer(ctx context.Context, actor domain.Actor, req domain.CounterOfferRequest) (*domain.Response, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionOfferSubmit)
	if err != nil {
		return nil, err
	}
	if req.RefundPercent == nil {
		return nil, domain.NewValidationError("refund_percent", "is required")
	}
	bps, err := money.PercentToBps(*req.RefundPercent)
	if err != nil {
		return nil, &domain.ValidationError{
			Fields: []domain.FieldError{{Field: "refund_percent", Message: "must be between 0 and 100"}},
			Err:    err,
		}
	}
	var message *string
	if req.Message != nil {
		trimmed := strings.TrimSpace(*req.Message)
		if len(trimmed) > maxOfferMessageLength {
			return nil, domain.NewValidationError("message", "is too long")
		}
		if trimmed != "" {
			message = &trimmed
		}
	}

	var (
		resp *domain.Response
		st   *state
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err = s.lock(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if err := st.requireParty(actor); err != nil {
			return err
		}
		if err := st.ensureOpen(); err != nil {
			return err
		}
		if err := st.requirePhase(domain.Phase1); err != nil {
			return err
		}
		resp = &domain.Response{
			ID:        s.genID.Generate(),
			DisputeID: id,
			UserID:    actor.ID,
			RefundBps: bps,
			Message:   message,
			CreatedAt: st.now,
		}
		return s.repo.InsertResponse(ctx, tx, resp)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "dispute.offer_submitted", id, map[string]any{
		"response_id": resp.ID.String(),
		"refund_bps":  bps,
		"party":       string(st.role),
	})
	s.notify(ctx, st, "New counter-offer",
		fmt.Sprintf("The %s proposed a %.2f%% refund", st.role, money.BpsToPercent(bps)),
		"You can accept this offer, reply with your own, or escalate the dispute.",
		&st.phases.Phase1Deadline,
		st.role.Counterparty(),
	)
	return resp, nil
}

func (s *Service) AcceptCounterOffer(ctx context.Context, actor domain.Actor, req domain.AcceptOfferRequest) (*domain.Snapshot, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionOfferAccept)
	if err != nil {
		return nil, err
	}
	responseID, err := parseID(req.ResponseID, "response_id")
	if err != nil {
		return nil, err
	}

	replay := func(st *state) bool {
		return st.settledFrom(responseID) && st.settledBy(actor)
	}
	snap, st, err := s.settle(ctx, actor, id, domain.SettlementSourceNegotiation, replay, func(ctx context.Context, tx *gorm.DB, st *state) (settlement.Plan, error) {
		if err := st.requireParty(actor); err != nil {
			return settlement.Plan{}, err
		}
		if _, err := domain.Next(st.phases.CurrentPhase, domain.EventAcceptOffer); err != nil {
			return settlement.Plan{}, st.conflict(err, "offers can only be accepted during negotiation")
		}
		resp, err := s.repo.FindResponse(ctx, tx, id, responseID)
		if err != nil {
			return settlement.Plan{}, err
		}
		if resp == nil {
			return settlement.Plan{}, fmt.Errorf("offer %s: %w", responseID, domain.ErrNotFound)
		}
		author := st.parties.PartyOf(resp.UserID)
		if author == "" || st.role != author.Counterparty() {
			return settlement.Plan{}, &domain.AuthorizationError{
				Message: "only the counterparty of the offer author can accept it",
				Err:     domain.ErrNotCounterparty,
			}
		}
		latest, err := s.repo.LatestResponseBy(ctx, tx, id, resp.UserID)
		if err != nil {
			return settlement.Plan{}, err
		}
		if latest == nil || latest.ID != resp.ID {
			return settlement.Plan{}, st.conflict(domain.ErrStaleOffer, "a newer offer from the same party exists")
		}
		refID := resp.ID
		return settlement.Plan{
			Source:      domain.SettlementSourceNegotiation,
			SourceRefID: &refID,
			RefundBps:   resp.RefundBps,
			VendorBps:   money.FullBps - resp.RefundBps,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.announceResolution(ctx, actor, st, snap, "dispute.offer_accepted")
	return snap, nil
}
