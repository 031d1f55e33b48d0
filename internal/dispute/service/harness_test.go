package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/config"
	"github.com/smallbiznis/arbiter/internal/consensus"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/dispute/repository"
	"github.com/smallbiznis/arbiter/internal/escrow"
	"github.com/smallbiznis/arbiter/internal/migration/migrationtest"
	"github.com/smallbiznis/arbiter/internal/providers/llm"
	"github.com/smallbiznis/arbiter/internal/providers/pdf"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	customer = domain.UserActor("cust_1")
	vendor   = domain.UserActor("vend_1")
	outsider = domain.UserActor("someone_else")
)

// fakeModel answers the options stage with proposals and the verdict stage with a decision.
type fakeModel struct {
	role    string
	options string
	verdict string
	err     error
}

func (m *fakeModel) Role() string  { return m.role }
func (m *fakeModel) Model() string { return "fake-" + m.role }

func (m *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if strings.Contains(req.System, `"proposals"`) {
		return m.options, nil
	}
	return m.verdict, nil
}

func healthyPanel() []*fakeModel {
	return []*fakeModel{
		{role: "policy", options: `{"proposals":[{"title":"Mostly refund","customer_refund_percent":70},{"title":"Split","customer_refund_percent":50}]}`, verdict: `{"customer_refund_percent":30,"summary":"low","reasoning":"r1"}`},
		{role: "reasoning", options: `{"proposals":[{"title":"Split","customer_refund_percent":45},{"title":"Small","customer_refund_percent":20}]}`, verdict: `{"customer_refund_percent":50,"summary":"Half refund","reasoning":"r2"}`},
		{role: "context", options: `{"proposals":[{"title":"Split","customer_refund_percent":55}]}`, verdict: `{"customer_refund_percent":60,"summary":"high","reasoning":"r3"}`},
	}
}

type fakeGateway struct {
	mu    sync.Mutex
	calls map[escrow.Leg][]escrow.Instruction
	fail  map[escrow.Leg]error
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

func (g *fakeGateway) setFailure(leg escrow.Leg, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, leg)
		return
	}
	g.fail[leg] = err
}

func (g *fakeGateway) legs(leg escrow.Leg) []escrow.Instruction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]escrow.Instruction(nil), g.calls[leg]...)
}

type testEnv struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *fakeGateway
	models  []*fakeModel
	svc     *Service
	policy  config.DisputePolicy
}

func newTestEnv(t *testing.T, models ...*fakeModel) *testEnv {
	t.Helper()
	if len(models) == 0 {
		models = healthyPanel()
	}
	db := migrationtest.OpenSQLite(t)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{DB: db, Log: log, Enforcer: enforcer})

	panel := make(llm.Panel, 0, len(models))
	for _, m := range models {
		panel = append(panel, m)
	}
	policy := config.DefaultDisputePolicy()
	policy.ModelTimeout = time.Second
	policy.MaxEvidence = 3

	repo := repository.Provide()
	bookings := booking.NewDirectory()
	gw := &fakeGateway{calls: map[escrow.Leg][]escrow.Instruction{}, fail: map[escrow.Leg]error{}}
	executor := settlement.New(settlement.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Bookings: bookings,
		Gateway:  gw,
	})

	svc := New(Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        clk,
		Policy:       config.NewStaticPolicyHolder(policy),
		Repo:         repo,
		Bookings:     bookings,
		Authz:        authz,
		Orchestrator: consensus.NewOrchestrator(panel, clk, log, nil),
		Executor:     executor,
		PDF:          pdf.New(),
	})

	require.NoError(t, db.Exec(
		`INSERT INTO bookings (id, customer_id, vendor_id, escrow_transaction_id, amount_minor, currency, customer_email, vendor_email)
		VALUES ('bk_1', 'cust_1', 'vend_1', 'esc_1', 10000, 'USD', 'cust@example.com', 'vend@example.com')`,
	).Error)

	return &testEnv{db: db, clock: clk, gateway: gw, models: models, svc: svc, policy: policy}
}

func (e *testEnv) open(t *testing.T) string {
	t.Helper()
	snap, err := e.svc.OpenDispute(context.Background(), customer, domain.OpenDisputeRequest{
		BookingID:   "bk_1",
		Reason:      domain.ReasonPoorQuality,
		Description: "The cleaner left after an hour and most rooms were untouched.",
		Evidence:    []string{"https://files.example.com/photo-1.jpg"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.Phase1, snap.Phases.CurrentPhase)
	return snap.Dispute.ID.String()
}

func (e *testEnv) escalate(t *testing.T, id string, expected domain.Phase) *domain.Snapshot {
	t.Helper()
	snap, err := e.svc.Escalate(context.Background(), customer, domain.EscalateRequest{DisputeID: id, ExpectedPhase: expected})
	require.NoError(t, err)
	return snap
}

// toPhase2 opens a dispute and escalates it into phase 2 with generated options.
func (e *testEnv) toPhase2(t *testing.T) (string, *domain.OptionsView) {
	t.Helper()
	id := e.open(t)
	e.escalate(t, id, domain.Phase1)
	view, err := e.svc.GenerateResolutionOptions(context.Background(), customer, id)
	require.NoError(t, err)
	require.Len(t, view.Options, 3)
	return id, view
}

// toPhase3AI drives a dispute to an issued final decision.
func (e *testEnv) toPhase3AI(t *testing.T) (string, *domain.DecisionView) {
	t.Helper()
	ctx := context.Background()
	id, view := e.toPhase2(t)
	_, err := e.svc.SelectOption(ctx, customer, domain.SelectOptionRequest{DisputeID: id, OptionID: view.Options[0].ID.String()})
	require.NoError(t, err)
	_, err = e.svc.SelectOption(ctx, vendor, domain.SelectOptionRequest{DisputeID: id, OptionID: view.Options[2].ID.String()})
	require.NoError(t, err)
	e.escalate(t, id, domain.Phase2)
	decision, err := e.svc.GenerateFinalDecision(ctx, domain.SystemActor(), id)
	require.NoError(t, err)
	require.Equal(t, domain.Phase3AI, decision.Phase)
	return id, decision
}

func (e *testEnv) count(t *testing.T, table, id string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Raw("SELECT COUNT(*) FROM "+table+" WHERE dispute_id = ?", id).Scan(&n).Error)
	return n
}
