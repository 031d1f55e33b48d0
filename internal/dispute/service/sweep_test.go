package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalateExpiredNegotiations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t)

	n, err := env.svc.EscalateExpiredNegotiations(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(env.policy.NegotiationWindow + time.Minute)
	n, err = env.svc.EscalateExpiredNegotiations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	details, err := env.svc.GetDisputeDetails(ctx, customer, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Phase2, details.Phases.CurrentPhase)
	require.NotNil(t, details.Phases.Phase2Deadline)
	require.Len(t, details.Transitions, 1)
	assert.Equal(t, "system", details.Transitions[0].ActorType)
	assert.Nil(t, details.Transitions[0].ActorID)

	n, err = env.svc.EscalateExpiredNegotiations(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGeneratePendingOptionsAndEscalateExpiredOptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t)
	env.escalate(t, id, domain.Phase1)

	n, err := env.svc.GeneratePendingOptions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(3), env.count(t, "dispute_ai_options", id))

	n, err = env.svc.GeneratePendingOptions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(env.policy.OptionsWindow + time.Minute)
	n, err = env.svc.EscalateExpiredOptions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.svc.GeneratePendingDecisions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	decision, err := env.svc.GetFinalDecision(ctx, vendor, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Phase3AI, decision.Phase)
	assert.Equal(t, 5000, decision.Decision.CustomerRefundBps)
	assert.Equal(t, int64(2), env.count(t, "dispute_ai_consensus_logs", id))
}

func TestAutoAcceptExpiredReviews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, _ := env.toPhase3AI(t)

	n, err := env.svc.AutoAcceptExpiredReviews(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(env.policy.ReviewWindow + time.Second)
	n, err = env.svc.AutoAcceptExpiredReviews(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	details, err := env.svc.GetDisputeDetails(ctx, customer, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseResolved, details.Phases.CurrentPhase)
	require.NotNil(t, details.Decision)
	assert.Equal(t, domain.DecisionStatusExecuted, details.Decision.Status)
	assert.Equal(t, domain.SettlementSourceDecision, details.Settlement.Source)
	assert.Equal(t, "system", details.Settlement.ActorType)
}

func TestGeneratePendingDecisionsReportsModelOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, _ := env.toPhase2(t)
	env.escalate(t, id, domain.Phase2)
	for _, m := range env.models {
		m.err = errors.New("down")
	}

	n, err := env.svc.GeneratePendingDecisions(ctx, 10)
	assert.Zero(t, n)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrModelsUnavailable)

	details, err := env.svc.GetDisputeDetails(ctx, customer, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Phase3Pending, details.Phases.CurrentPhase)
	assert.Nil(t, details.Decision)
}
