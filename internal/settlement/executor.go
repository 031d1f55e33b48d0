// Package settlement turns a final dispute outcome into escrow fund movements.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/escrow"
	"github.com/smallbiznis/arbiter/internal/money"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("settlement",
	fx.Provide(New),
)

const dependencyEscrow = "escrow_gateway"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Bookings booking.Directory
	Gateway  escrow.Gateway
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Executor struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	bookings booking.Directory
	gateway  escrow.Gateway
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
	prom     *obsmetrics.ConsensusMetrics
}

func New(p Params) *Executor {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Executor{
		db:       p.DB,
		log:      p.Log.Named("settlement.executor"),
		genID:    p.GenID,
		clock:    clk,
		repo:     p.Repo,
		bookings: p.Bookings,
		gateway:  p.Gateway,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
		prom:     obsmetrics.Consensus(),
	}
}

// Plan is the outcome to pay out.
type Plan struct {
	Source          domain.SettlementSource
	SourceRefID     *snowflake.ID
	RefundBps       int
	VendorBps       int
	PenalizedParty  *domain.Party
	PenaltyFeeMinor int64
}

// ExternalPlan gives the rejecting party nothing, releases the whole escrow
// to the counterparty and charges the rejecting party the fee.
func ExternalPlan(rejecting domain.Party, feeMinor int64, decisionID snowflake.ID) Plan {
	plan := Plan{
		Source:          domain.SettlementSourceExternal,
		SourceRefID:     &decisionID,
		PenalizedParty:  &rejecting,
		PenaltyFeeMinor: feeMinor,
	}
	if rejecting == domain.PartyCustomer {
		plan.VendorBps = money.FullBps
	} else {
		plan.RefundBps = money.FullBps
	}
	return plan
}

// Prepare records the pending settlement. It must run inside the caller's
// transaction while the dispute_phases row is locked.
func (e *Executor) Prepare(ctx context.Context, tx *gorm.DB, d *domain.Dispute, phases *domain.DisputePhases, plan Plan, actor domain.Actor) (*domain.Settlement, error) {
	split, err := money.Compute(d.AmountMinor, plan.RefundBps, plan.VendorBps)
	if err != nil {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "refund_percent", Message: err.Error()}}, Err: err}
	}
	if plan.PenaltyFeeMinor < 0 {
		return nil, domain.NewValidationError("fee", "must not be negative")
	}

	now := e.clock.Now()
	s := &domain.Settlement{
		ID:                e.genID.Generate(),
		DisputeID:         d.ID,
		Source:            plan.Source,
		SourceRefID:       plan.SourceRefID,
		RefundBps:         plan.RefundBps,
		VendorBps:         plan.VendorBps,
		AmountMinor:       d.AmountMinor,
		RefundAmountMinor: split.Refund,
		VendorAmountMinor: split.Vendor,
		PlatformFeeMinor:  split.PlatformFee,
		PenaltyFeeMinor:   plan.PenaltyFeeMinor,
		PenalizedParty:    plan.PenalizedParty,
		Currency:          d.Currency,
		TargetPhase:       domain.PhaseResolved,
		Status:            domain.SettlementStatusPending,
		ActorType:         actor.Type,
		ActorID:           actor.IDPtr(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	inserted, err := e.repo.InsertSettlement(ctx, tx, s)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, domain.NewConflictError(domain.ErrSettlementPending, phases.CurrentPhase, d.Status, "settlement already recorded")
	}
	return s, nil
}

// Execute runs the outstanding escrow legs of the dispute's settlement and
// resolves the dispute once every leg is confirmed. Repeated calls are safe.
func (e *Executor) Execute(ctx context.Context, disputeID snowflake.ID) (*domain.Snapshot, error) {
	s, err := e.repo.FindSettlement(ctx, e.db, disputeID, false)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("settlement for dispute %s: %w", disputeID, domain.ErrNotFound)
	}
	if s.Status == domain.SettlementStatusCompleted {
		return e.snapshot(ctx, disputeID)
	}

	d, err := e.repo.FindDispute(ctx, e.db, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrNotFound
	}
	b, err := e.bookings.Get(ctx, e.db, d.BookingID)
	if err != nil {
		return nil, err
	}

	if err := e.runLegs(ctx, d, b, s); err != nil {
		return nil, err
	}
	if err := e.finalize(ctx, d, s); err != nil {
		return nil, err
	}
	return e.snapshot(ctx, disputeID)
}

type leg struct {
	kind   escrow.Leg
	ref    **string
	amount int64
	fee    int64
	party  string
	call   func(context.Context, escrow.Instruction) (escrow.Receipt, error)
}

func (e *Executor) runLegs(ctx context.Context, d *domain.Dispute, b booking.Booking, s *domain.Settlement) error {
	penalized := b.CustomerID
	if s.PenalizedParty != nil && *s.PenalizedParty == domain.PartyVendor {
		penalized = b.VendorID
	}
	legs := []leg{
		{kind: escrow.LegRefund, ref: &s.RefundRef, amount: s.RefundAmountMinor, party: b.CustomerID, call: e.gateway.Refund},
		{kind: escrow.LegRelease, ref: &s.ReleaseRef, amount: s.VendorAmountMinor, fee: s.PlatformFeeMinor, party: b.VendorID, call: e.gateway.Release},
		{kind: escrow.LegFee, ref: &s.FeeRef, amount: s.PenaltyFeeMinor, party: penalized, call: e.gateway.ChargeFee},
	}

	disputeID := d.ID.String()
	for _, l := range legs {
		if *l.ref != nil || l.amount+l.fee == 0 {
			continue
		}
		receipt, err := l.call(ctx, escrow.Instruction{
			DisputeID:           disputeID,
			EscrowTransactionID: d.EscrowTransactionID,
			PartyID:             l.party,
			Amount:              l.amount,
			Currency:            s.Currency,
			PlatformFee:         l.fee,
			IdempotencyKey:      escrow.IdempotencyKey(disputeID, l.kind),
		})
		if err != nil {
			e.prom.IncSettlementLeg(string(l.kind), "failed")
			return e.recordFailure(ctx, s, l.kind, err)
		}
		e.prom.IncSettlementLeg(string(l.kind), "confirmed")
		ref := receipt.Reference
		*l.ref = &ref
		s.UpdatedAt = e.clock.Now()
		if err := e.repo.UpdateSettlement(ctx, e.db, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, s *domain.Settlement, kind escrow.Leg, cause error) error {
	msg := fmt.Sprintf("%s: %v", kind, cause)
	s.Attempts++
	s.LastError = &msg
	s.UpdatedAt = e.clock.Now()
	if err := e.repo.UpdateSettlement(ctx, e.db, s); err != nil {
		e.log.Error("failed to record settlement failure", zap.String("dispute_id", s.DisputeID.String()), zap.Error(err))
	}
	e.metrics.RecordSettlement(ctx, string(s.Source), "failed")
	e.log.Warn("settlement leg failed",
		zap.String("dispute_id", s.DisputeID.String()),
		zap.String("leg", string(kind)),
		zap.Int("attempts", s.Attempts),
		zap.Error(cause),
	)
	return &domain.ExternalDependencyError{
		Dependency: dependencyEscrow,
		Err:        fmt.Errorf("%w: %s leg: %w", domain.ErrGatewayFailed, kind, cause),
	}
}

func (e *Executor) finalize(ctx context.Context, d *domain.Dispute, s *domain.Settlement) error {
	var (
		from     domain.Phase
		resolved bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		phases, err := e.repo.FindPhases(ctx, tx, d.ID, true)
		if err != nil {
			return err
		}
		if phases == nil {
			return domain.ErrNotFound
		}
		current, err := e.repo.FindSettlement(ctx, tx, d.ID, true)
		if err != nil {
			return err
		}
		if current == nil || current.Status == domain.SettlementStatusCompleted {
			return nil
		}

		to, err := domain.Next(phases.CurrentPhase, domain.EventSettlementCompleted)
		if err != nil {
			return domain.NewConflictError(err, phases.CurrentPhase, d.Status, "dispute cannot be resolved from its current phase")
		}
		now := e.clock.Now()
		from = phases.CurrentPhase
		expected := phases.Version
		phases.CurrentPhase = to
		phases.UpdatedAt = now
		if s.Source == domain.SettlementSourceExternal {
			phases.ExternalResolution = true
		}
		ok, err := e.repo.UpdatePhases(ctx, tx, phases, expected)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewConflictError(domain.ErrPhaseMismatch, from, d.Status, "phase changed during settlement")
		}
		if err := e.repo.InsertTransition(ctx, tx, &domain.PhaseTransition{
			ID:         e.genID.Generate(),
			DisputeID:  d.ID,
			FromPhase:  from,
			ToPhase:    to,
			Event:      domain.EventSettlementCompleted,
			ActorType:  s.ActorType,
			ActorID:    s.ActorID,
			OccurredAt: now,
		}); err != nil {
			return err
		}

		s.Status = domain.SettlementStatusCompleted
		s.LastError = nil
		s.UpdatedAt = now
		s.CompletedAt = &now
		if err := e.repo.UpdateSettlement(ctx, tx, s); err != nil {
			return err
		}
		if s.Source == domain.SettlementSourceDecision && s.SourceRefID != nil {
			if err := e.repo.UpdateDecisionStatus(ctx, tx, *s.SourceRefID, domain.DecisionStatusExecuted, now); err != nil {
				return err
			}
		}
		if err := e.repo.CloseDispute(ctx, tx, d.ID, Summary(s), now); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}

	e.metrics.RecordSettlement(ctx, string(s.Source), "completed")
	e.metrics.RecordPhaseTransition(ctx, string(from), string(domain.PhaseResolved), string(domain.EventSettlementCompleted))
	e.log.Info("dispute resolved",
		zap.String("dispute_id", d.ID.String()),
		zap.String("source", string(s.Source)),
		zap.Int64("refund_amount_minor", s.RefundAmountMinor),
		zap.Int64("vendor_amount_minor", s.VendorAmountMinor),
		zap.Int64("penalty_fee_minor", s.PenaltyFeeMinor),
	)
	if e.auditSvc != nil {
		targetID := d.ID.String()
		if err := e.auditSvc.AuditLog(ctx, s.ActorType, s.ActorID, "dispute.resolved", "dispute", &targetID, map[string]any{
			"source":              string(s.Source),
			"refund_bps":          s.RefundBps,
			"refund_amount_minor": s.RefundAmountMinor,
			"vendor_amount_minor": s.VendorAmountMinor,
			"platform_fee_minor":  s.PlatformFeeMinor,
			"penalty_fee_minor":   s.PenaltyFeeMinor,
			"currency":            s.Currency,
		}); err != nil {
			e.log.Warn("failed to write audit log", zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) snapshot(ctx context.Context, disputeID snowflake.ID) (*domain.Snapshot, error) {
	d, err := e.repo.FindDispute(ctx, e.db, disputeID)
	if err != nil {
		return nil, err
	}
	phases, err := e.repo.FindPhases(ctx, e.db, disputeID, false)
	if err != nil {
		return nil, err
	}
	if d == nil || phases == nil {
		return nil, domain.ErrNotFound
	}
	s, err := e.repo.FindSettlement(ctx, e.db, disputeID, false)
	if err != nil {
		return nil, err
	}
	return &domain.Snapshot{Dispute: *d, Phases: *phases, Settlement: s}, nil
}

// Summary is the human readable resolution recorded on the dispute.
func Summary(s *domain.Settlement) string {
	var how string
	switch s.Source {
	case domain.SettlementSourceNegotiation:
		how = "accepted counter-offer"
	case domain.SettlementSourceOption:
		how = "matching option selection"
	case domain.SettlementSourceDecision:
		how = "accepted binding decision"
	case domain.SettlementSourceExternal:
		how = "external resolution"
	default:
		how = string(s.Source)
	}
	summary := fmt.Sprintf("Resolved by %s: %s %s refunded to customer, %s %s released to vendor",
		how,
		s.Currency, money.FormatMinor(s.RefundAmountMinor, s.Currency),
		s.Currency, money.FormatMinor(s.VendorAmountMinor, s.Currency),
	)
	if s.PenaltyFeeMinor > 0 && s.PenalizedParty != nil {
		summary += fmt.Sprintf(", %s %s fee charged to %s", s.Currency, money.FormatMinor(s.PenaltyFeeMinor, s.Currency), *s.PenalizedParty)
	}
	return summary
}

// IsGatewayFailure reports whether err came from an escrow leg.
func IsGatewayFailure(err error) bool {
	return errors.Is(err, domain.ErrGatewayFailed)
}
