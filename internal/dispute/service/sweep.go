package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"go.uber.org/zap"
)

// sweep applies fn to every due dispute. Disputes that moved on since they
// were listed surface as conflicts and are skipped; other failures are
// collected so one broken dispute does not stall the batch.
func (s *Service) sweep(ctx context.Context, name string, ids []snowflake.ID, fn func(context.Context, snowflake.ID) error) (int, error) {
	var (
		processed int
		errs      []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := fn(ctx, id)
		switch {
		case err == nil:
			processed++
		case domain.IsConflict(err):
			s.log.Debug("sweep skipped dispute", zap.String("sweep", name), zap.String("dispute_id", id.String()), zap.Error(err))
		default:
			s.log.Warn("sweep failed for dispute", zap.String("sweep", name), zap.String("dispute_id", id.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("dispute %s: %w", id, err))
		}
	}
	return processed, errors.Join(errs...)
}

func (s *Service) due(ctx context.Context, phase domain.Phase, withDeadline bool, missingOptions bool, limit int) ([]snowflake.ID, error) {
	filter := domain.DueFilter{Phase: phase, MissingOptions: missingOptions, Limit: limit}
	if withDeadline {
		now := s.clock.Now()
		filter.DeadlineBefore = &now
	}
	return s.repo.ListDue(ctx, s.db, filter)
}

func (s *Service) EscalateExpiredNegotiations(ctx context.Context, limit int) (int, error) {
	return s.escalateExpired(ctx, "negotiation_deadline", domain.Phase1, limit)
}

func (s *Service) EscalateExpiredOptions(ctx context.Context, limit int) (int, error) {
	return s.escalateExpired(ctx, "options_deadline", domain.Phase2, limit)
}

func (s *Service) escalateExpired(ctx context.Context, name string, phase domain.Phase, limit int) (int, error) {
	ids, err := s.due(ctx, phase, true, false, limit)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, name, ids, func(ctx context.Context, id snowflake.ID) error {
		_, err := s.escalate(ctx, domain.SystemActor(), id, phase)
		return err
	})
}

func (s *Service) GeneratePendingOptions(ctx context.Context, limit int) (int, error) {
	ids, err := s.due(ctx, domain.Phase2, false, true, limit)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "options_generation", ids, func(ctx context.Context, id snowflake.ID) error {
		_, err := s.generateOptions(ctx, domain.SystemActor(), id)
		return err
	})
}

func (s *Service) GeneratePendingDecisions(ctx context.Context, limit int) (int, error) {
	ids, err := s.due(ctx, domain.Phase3Pending, false, false, limit)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "decision_generation", ids, func(ctx context.Context, id snowflake.ID) error {
		_, err := s.generateDecision(ctx, domain.SystemActor(), id)
		return err
	})
}

func (s *Service) AutoAcceptExpiredReviews(ctx context.Context, limit int) (int, error) {
	ids, err := s.due(ctx, domain.Phase3AI, true, false, limit)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "review_deadline", ids, func(ctx context.Context, id snowflake.ID) error {
		_, err := s.acceptDecision(ctx, domain.SystemActor(), id, "dispute.decision_auto_accepted")
		return err
	})
}

func (s *Service) RetryPendingSettlements(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListPendingSettlements(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "settlement_retry", ids, func(ctx context.Context, id snowflake.ID) error {
		snap, err := s.retrySettlement(ctx, id)
		if err != nil {
			return err
		}
		st, err := s.read(ctx, id, domain.SystemActor())
		if err != nil {
			return err
		}
		s.announceResolution(ctx, domain.SystemActor(), st, snap, "dispute.settlement_retried")
		return nil
	})
}
