package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/money"
	"github.com/smallbiznis/arbiter/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxDescriptionLength = 5000

func (s *Service) OpenDispute(ctx context.Context, actor domain.Actor, req domain.OpenDisputeRequest) (*domain.Snapshot, error) {
	if actor.IsSystem() || actor.ID == "" {
		return nil, &domain.AuthorizationError{Message: "disputes are opened by a booking party", Err: domain.ErrNotParty}
	}
	bookingID := strings.TrimSpace(req.BookingID)
	if bookingID == "" {
		return nil, domain.NewValidationError("booking_id", "is required")
	}
	if !req.Reason.Valid() {
		return nil, domain.NewValidationError("reason", "is not a supported reason")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, domain.NewValidationError("description", "is required")
	}
	if len(description) > maxDescriptionLength {
		return nil, domain.NewValidationError("description", "is too long")
	}
	policy := s.policy.Get()
	if len(req.Evidence) > policy.MaxEvidence {
		return nil, &domain.ValidationError{
			Fields: []domain.FieldError{{Field: "evidence", Message: fmt.Sprintf("at most %d items", policy.MaxEvidence)}},
			Err:    domain.ErrEvidenceLimit,
		}
	}
	evidence := make([]string, 0, len(req.Evidence))
	for _, raw := range req.Evidence {
		u, err := validateEvidenceURL(raw)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, u)
	}

	b, err := s.bookings.Get(ctx, s.db, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return nil, fmt.Errorf("booking %s: %w", bookingID, domain.ErrNotFound)
		}
		return nil, err
	}
	if err := s.authorize(ctx, actor, authorization.BookingScope(b.ID), authorization.ObjectDispute, authorization.ActionDisputeOpen); err != nil {
		return nil, err
	}
	currency, err := money.NormalizeCurrency(b.Currency)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	d := &domain.Dispute{
		ID:                  s.genID.Generate(),
		BookingID:           b.ID,
		EscrowTransactionID: b.EscrowTransactionID,
		RaisedBy:            domain.Party(b.Role(actor.ID)),
		RaisedByUserID:      actor.ID,
		Reason:              req.Reason,
		Description:         description,
		AmountMinor:         b.AmountMinor,
		Currency:            currency,
		Status:              domain.StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	phases := &domain.DisputePhases{
		DisputeID:      d.ID,
		CurrentPhase:   domain.Phase1,
		Phase1Deadline: now.Add(policy.NegotiationWindow),
		Version:        1,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindOpenByBooking(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return s.openConflict(ctx, tx, existing)
		}
		if err := s.repo.InsertDispute(ctx, tx, d); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.NewConflictError(domain.ErrOpenDisputeExists, "", domain.StatusOpen, "booking already has an open dispute")
			}
			return err
		}
		if err := s.repo.InsertPhases(ctx, tx, phases); err != nil {
			return err
		}
		for _, u := range evidence {
			if err := s.repo.InsertEvidence(ctx, tx, &domain.Evidence{
				ID:        s.genID.Generate(),
				DisputeID: d.ID,
				UserID:    actor.ID,
				URL:       u,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.NewConflictError(domain.ErrOpenDisputeExists, "", domain.StatusOpen, "booking already has an open dispute")
		}
		return nil, err
	}

	s.metrics.RecordDisputeOpened(ctx, string(d.Reason))
	s.log.Info("dispute opened",
		zap.String("dispute_id", d.ID.String()),
		zap.String("booking_id", d.BookingID),
		zap.String("raised_by", string(d.RaisedBy)),
		zap.String("reason", string(d.Reason)),
	)
	s.audit(ctx, actor, "dispute.opened", d.ID, map[string]any{
		"booking_id":   d.BookingID,
		"reason":       string(d.Reason),
		"raised_by":    string(d.RaisedBy),
		"amount_minor": d.AmountMinor,
		"currency":     d.Currency,
	})
	st := &state{
		dispute: d,
		phases:  phases,
		parties: domain.Parties{DisputeID: d.ID, BookingID: b.ID, CustomerID: b.CustomerID, VendorID: b.VendorID, CustomerEmail: b.CustomerEmail, VendorEmail: b.VendorEmail},
	}
	s.notify(ctx, st, "A dispute was opened",
		"A dispute was opened on your booking",
		"Both parties can now exchange counter-offers.",
		&phases.Phase1Deadline,
	)
	return &domain.Snapshot{Dispute: *d, Phases: *phases}, nil
}

func (s *Service) openConflict(ctx context.Context, tx *gorm.DB, existing *domain.Dispute) error {
	phases, err := s.repo.FindPhases(ctx, tx, existing.ID, false)
	if err != nil {
		return err
	}
	var phase domain.Phase
	if phases != nil {
		phase = phases.CurrentPhase
	}
	return domain.NewConflictError(domain.ErrOpenDisputeExists, phase, existing.Status,
		fmt.Sprintf("booking already has open dispute %s", existing.ID))
}

func (s *Service) GetDisputeDetails(ctx context.Context, actor domain.Actor, disputeID string) (*domain.DisputeDetails, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDisputeView)
	if err != nil {
		return nil, err
	}
	st, err := s.read(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	out := &domain.DisputeDetails{
		Dispute:    *st.dispute,
		Phases:     *st.phases,
		CallerRole: st.role,
		Settlement: st.settlement,
		Escalation: evaluateEscalation(st),
	}
	if out.Evidence, err = s.repo.ListEvidence(ctx, s.db, id); err != nil {
		return nil, err
	}
	if out.Offers, err = s.repo.ListResponses(ctx, s.db, id); err != nil {
		return nil, err
	}
	if out.Transitions, err = s.repo.ListTransitions(ctx, s.db, id); err != nil {
		return nil, err
	}
	generation, err := s.repo.LatestGeneration(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if generation > 0 {
		if out.Options, err = s.repo.ListOptions(ctx, s.db, id, generation); err != nil {
			return nil, err
		}
		if out.Selections, err = s.repo.ListSelections(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	if out.Decision, err = s.repo.FindDecision(ctx, s.db, id); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetDisputeParties(ctx context.Context, actor domain.Actor, disputeID string) (*domain.Parties, error) {
	id, err := s.load(ctx, actor, disputeID, authorization.ActionDisputeView)
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
	parties, err := s.parties(ctx, s.db, d)
	if err != nil {
		return nil, err
	}
	return &parties, nil
}

func (s *Service) AddEvidence(ctx context.Context, actor domain.Actor, req domain.AddEvidenceRequest) (*domain.Evidence, error) {
	id, err := s.load(ctx, actor, req.DisputeID, authorization.ActionEvidenceAdd)
	if err != nil {
		return nil, err
	}
	u, err := validateEvidenceURL(req.URL)
	if err != nil {
		return nil, err
	}
	limit := s.policy.Get().MaxEvidence

	var (
		evidence *domain.Evidence
		st       *state
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
		existing, err := s.repo.ListEvidence(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(existing) >= limit {
			return &domain.ValidationError{
				Fields: []domain.FieldError{{Field: "url", Message: fmt.Sprintf("at most %d evidence items", limit)}},
				Err:    domain.ErrEvidenceLimit,
			}
		}
		evidence = &domain.Evidence{
			ID:        s.genID.Generate(),
			DisputeID: id,
			UserID:    actor.ID,
			URL:       u,
			CreatedAt: st.now,
		}
		return s.repo.InsertEvidence(ctx, tx, evidence)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "dispute.evidence_added", id, map[string]any{"evidence_id": evidence.ID.String()})
	s.notify(ctx, st, "New evidence", "New evidence was added to the dispute", u, nil, st.role.Counterparty())
	return evidence, nil
}
