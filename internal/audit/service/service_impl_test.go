package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/audit/repository"
	"github.com/smallbiznis/arbiter/internal/migration/migrationtest"
	obscontext "github.com/smallbiznis/arbiter/internal/observability/context"
	"github.com/smallbiznis/arbiter/pkg/telemetry/correlation"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) auditdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    migrationtest.OpenSQLite(t),
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc := newTestService(t)
	ctx := obscontext.WithActor(context.Background(), "user", "cust-1")
	ctx = obscontext.WithRequestID(ctx, "req-1")

	target := "42"
	require.NoError(t, svc.AuditLog(ctx, "", nil, "dispute.escalated", "dispute", &target, map[string]any{"to": "phase_2"}))

	logs, err := svc.ListForTarget(ctx, "dispute", "42", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "user", logs[0].ActorType)
	require.NotNil(t, logs[0].ActorID)
	require.Equal(t, "cust-1", *logs[0].ActorID)
	require.NotNil(t, logs[0].RequestID)
	require.Equal(t, "phase_2", logs[0].Metadata["to"])
}

func TestAuditLogRequiresAction(t *testing.T) {
	svc := newTestService(t)
	err := svc.AuditLog(context.Background(), "system", nil, " ", "dispute", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestAuditLogCarriesCorrelationID(t *testing.T) {
	svc := newTestService(t)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "sweep-7")

	target := "7"
	require.NoError(t, svc.AuditLog(ctx, "system", nil, "dispute.auto_accepted", "dispute", &target, nil))

	logs, err := svc.ListForTarget(ctx, "dispute", "7", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "sweep-7", logs[0].Metadata["correlation_id"])
	require.Equal(t, "system", logs[0].ActorType)
}
