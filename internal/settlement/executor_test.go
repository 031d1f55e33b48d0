package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/dispute/repository"
	"github.com/smallbiznis/arbiter/internal/escrow"
	"github.com/smallbiznis/arbiter/internal/migration/migrationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls map[escrow.Leg][]escrow.Instruction
	fail  map[escrow.Leg]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[escrow.Leg][]escrow.Instruction{}, fail: map[escrow.Leg]error{}}
}

func (g *fakeGateway) Provider() string { return "fake" }

func (g *fakeGateway) do(leg escrow.Leg, in escrow.Instruction) (escrow.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[leg] = append(g.calls[leg], in)
	if err := g.fail[leg]; err != nil {
		return escrow.Receipt{}, err
	}
	return escrow.Receipt{Reference: "ref_" + in.IdempotencyKey}, nil
}

func (g *fakeGateway) Refund(_ context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	return g.do(escrow.LegRefund, in)
}

func (g *fakeGateway) Release(_ context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	return g.do(escrow.LegRelease, in)
}

func (g *fakeGateway) ChargeFee(_ context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	return g.do(escrow.LegFee, in)
}

func (g *fakeGateway) count(leg escrow.Leg) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls[leg])
}

type harness struct {
	db      *gorm.DB
	repo    domain.Repository
	gateway *fakeGateway
	exec    *Executor
	dispute *domain.Dispute
}

func newHarness(t *testing.T, phase domain.Phase) *harness {
	t.Helper()
	db := migrationtest.OpenSQLite(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.Exec(
		`INSERT INTO bookings (id, customer_id, vendor_id, escrow_transaction_id, amount_minor, currency)
		VALUES ('bk_1', 'cust', 'vend', 'esc_1', 10000, 'USD')`,
	).Error)

	repo := repository.Provide()
	d := &domain.Dispute{
		ID:                  node.Generate(),
		BookingID:           "bk_1",
		EscrowTransactionID: "esc_1",
		RaisedBy:            domain.PartyCustomer,
		RaisedByUserID:      "cust",
		Reason:              domain.ReasonPoorQuality,
		Description:         "stains left on the carpet",
		AmountMinor:         10000,
		Currency:            "USD",
		Status:              domain.StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, repo.InsertDispute(context.Background(), db, d))
	require.NoError(t, repo.InsertPhases(context.Background(), db, &domain.DisputePhases{
		DisputeID:      d.ID,
		CurrentPhase:   phase,
		Phase1Deadline: now.Add(7 * 24 * time.Hour),
		Version:        1,
		UpdatedAt:      now,
	}))

	gw := newFakeGateway()
	exec := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(now),
		Repo:     repo,
		Bookings: booking.NewDirectory(),
		Gateway:  gw,
	})
	return &harness{db: db, repo: repo, gateway: gw, exec: exec, dispute: d}
}

func (h *harness) prepare(t *testing.T, plan Plan) *domain.Settlement {
	t.Helper()
	var s *domain.Settlement
	err := h.db.Transaction(func(tx *gorm.DB) error {
		phases, err := h.repo.FindPhases(context.Background(), tx, h.dispute.ID, true)
		if err != nil {
			return err
		}
		s, err = h.exec.Prepare(context.Background(), tx, h.dispute, phases, plan, domain.UserActor("vend"))
		return err
	})
	require.NoError(t, err)
	return s
}

func TestExecuteResolvesDispute(t *testing.T) {
	h := newHarness(t, domain.Phase1)
	s := h.prepare(t, Plan{Source: domain.SettlementSourceNegotiation, RefundBps: 4000, VendorBps: 6000})
	require.Equal(t, int64(4000), s.RefundAmountMinor)
	require.Equal(t, int64(6000), s.VendorAmountMinor)
	require.Equal(t, int64(0), s.PlatformFeeMinor)

	snap, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseResolved, snap.Phases.CurrentPhase)
	assert.Equal(t, domain.StatusClosed, snap.Dispute.Status)
	assert.NotNil(t, snap.Dispute.ResolvedAt)
	require.NotNil(t, snap.Dispute.ResolutionSummary)
	assert.Contains(t, *snap.Dispute.ResolutionSummary, "USD 40.00 refunded")
	assert.Equal(t, domain.SettlementStatusCompleted, snap.Settlement.Status)
	require.NotNil(t, snap.Settlement.RefundRef)
	assert.Equal(t, "ref_dispute:"+h.dispute.ID.String()+":refund", *snap.Settlement.RefundRef)
	assert.Equal(t, 0, h.gateway.count(escrow.LegFee))

	transitions, err := h.repo.ListTransitions(context.Background(), h.db, h.dispute.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.EventSettlementCompleted, transitions[0].Event)
}

func TestExecuteIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.Phase1)
	h.prepare(t, Plan{Source: domain.SettlementSourceNegotiation, RefundBps: 2500, VendorBps: 7500})

	first, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.NoError(t, err)
	second, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Settlement.ID, second.Settlement.ID)
	assert.Equal(t, 1, h.gateway.count(escrow.LegRefund))
	assert.Equal(t, 1, h.gateway.count(escrow.LegRelease))

	transitions, err := h.repo.ListTransitions(context.Background(), h.db, h.dispute.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestExecuteLeavesSettlementPendingOnGatewayFailure(t *testing.T) {
	h := newHarness(t, domain.Phase1)
	h.prepare(t, Plan{Source: domain.SettlementSourceNegotiation, RefundBps: 5000, VendorBps: 5000})
	h.gateway.fail[escrow.LegRelease] = errors.New("gateway timeout")

	_, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.Error(t, err)
	assert.True(t, domain.IsExternalDependency(err))
	assert.True(t, IsGatewayFailure(err))

	pending, err := h.repo.FindSettlement(context.Background(), h.db, h.dispute.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusPending, pending.Status)
	assert.Equal(t, 1, pending.Attempts)
	require.NotNil(t, pending.LastError)
	assert.Contains(t, *pending.LastError, "gateway timeout")
	assert.NotNil(t, pending.RefundRef)

	phases, err := h.repo.FindPhases(context.Background(), h.db, h.dispute.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Phase1, phases.CurrentPhase)

	delete(h.gateway.fail, escrow.LegRelease)
	snap, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseResolved, snap.Phases.CurrentPhase)
	assert.Equal(t, 1, h.gateway.count(escrow.LegRefund))
	assert.Equal(t, 2, h.gateway.count(escrow.LegRelease))
	assert.Nil(t, snap.Settlement.LastError)
}

func TestExternalPlanPenalizesRejectingParty(t *testing.T) {
	h := newHarness(t, domain.Phase3External)
	decisionID := snowflake.ID(77)
	s := h.prepare(t, ExternalPlan(domain.PartyCustomer, 2500, decisionID))
	assert.Equal(t, int64(0), s.RefundAmountMinor)
	assert.Equal(t, int64(10000), s.VendorAmountMinor)
	assert.Equal(t, int64(2500), s.PenaltyFeeMinor)

	snap, err := h.exec.Execute(context.Background(), h.dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseResolved, snap.Phases.CurrentPhase)
	assert.True(t, snap.Phases.ExternalResolution)
	assert.Equal(t, 0, h.gateway.count(escrow.LegRefund))
	require.Equal(t, 1, h.gateway.count(escrow.LegFee))
	assert.Equal(t, "cust", h.gateway.calls[escrow.LegFee][0].PartyID)
	assert.Equal(t, "vend", h.gateway.calls[escrow.LegRelease][0].PartyID)
	assert.Contains(t, *snap.Dispute.ResolutionSummary, "fee charged to customer")
}

func TestPrepareRejectsSecondSettlement(t *testing.T) {
	h := newHarness(t, domain.Phase2)
	h.prepare(t, Plan{Source: domain.SettlementSourceOption, RefundBps: 3000, VendorBps: 7000})

	err := h.db.Transaction(func(tx *gorm.DB) error {
		phases, err := h.repo.FindPhases(context.Background(), tx, h.dispute.ID, true)
		require.NoError(t, err)
		_, err = h.exec.Prepare(context.Background(), tx, h.dispute, phases, Plan{Source: domain.SettlementSourceOption, RefundBps: 3000}, domain.SystemActor())
		return err
	})
	require.ErrorIs(t, err, domain.ErrSettlementPending)
	assert.True(t, domain.IsConflict(err))
}

func TestPrepareRoundsHalfUp(t *testing.T) {
	h := newHarness(t, domain.Phase2)
	require.NoError(t, h.db.Exec(`UPDATE disputes SET amount_minor = 333 WHERE id = ?`, h.dispute.ID).Error)
	h.dispute.AmountMinor = 333
	s := h.prepare(t, Plan{Source: domain.SettlementSourceOption, RefundBps: 5000, VendorBps: 5000})
	assert.Equal(t, int64(167), s.RefundAmountMinor)
	assert.Equal(t, int64(166), s.VendorAmountMinor)
}
