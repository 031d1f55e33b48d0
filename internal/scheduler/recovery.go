package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// RecoverySweepJob finishes settlements whose escrow legs failed part way.
// Each retry reuses the leg idempotency keys, so a leg that did land at
// the gateway is not paid twice.
func (s *Scheduler) RecoverySweepJob(ctx context.Context, limit int) (int, error) {
	count, err := s.sweeper.RetryPendingSettlements(ctx, limit)
	if count > 0 {
		s.logger(ctx).Info("scheduler.settlements.recovered", zap.Int("count", count))
	}
	return count, err
}
