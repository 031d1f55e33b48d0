package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/arbiter/internal/migration/migrationtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := migrationtest.OpenSQLite(t)
	require.NoError(t, db.Exec(
		`INSERT INTO bookings (id, customer_id, vendor_id, escrow_transaction_id, amount_minor, currency)
		 VALUES ('bk_1', 'cust', 'vend', 'esc_1', 10000, 'USD')`,
	).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO disputes (id, booking_id, escrow_transaction_id, raised_by, raised_by_user_id, reason, description, amount_minor, currency, status, created_at, updated_at)
		 VALUES (7, 'bk_1', 'esc_1', 'customer', 'cust', 'other', 'x', 10000, 'USD', 'open', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
	).Error)

	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer}), db
}

func TestAuthorizeParties(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "user:cust", DisputeScope("7"), ObjectDispute, ActionEscalate))
	require.NoError(t, svc.Authorize(ctx, "user:vend", DisputeScope("7"), ObjectDispute, ActionExternalChoose))
	require.NoError(t, svc.Authorize(ctx, "user:cust", BookingScope("bk_1"), ObjectDispute, ActionDisputeOpen))

	err := svc.Authorize(ctx, "user:stranger", DisputeScope("7"), ObjectDispute, ActionDisputeView)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorizeSystemScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "system", DisputeScope("7"), ObjectDispute, ActionSettlementRetry))
	require.ErrorIs(t, svc.Authorize(ctx, "user:cust", DisputeScope("7"), ObjectDispute, ActionSettlementRetry), ErrForbidden)
	require.ErrorIs(t, svc.Authorize(ctx, "system", DisputeScope("7"), ObjectDispute, ActionExternalChoose), ErrForbidden)
}

func TestAuthorizeRejectsMalformedInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.Authorize(ctx, "", DisputeScope("7"), ObjectDispute, ActionDisputeView), ErrInvalidActor)
	require.ErrorIs(t, svc.Authorize(ctx, "api_key:1", DisputeScope("7"), ObjectDispute, ActionDisputeView), ErrInvalidActor)
	require.ErrorIs(t, svc.Authorize(ctx, "user:cust", Scope{Kind: "org", ID: "1"}, ObjectDispute, ActionDisputeView), ErrInvalidScope)
}

func TestRoleFor(t *testing.T) {
	svc, _ := newTestService(t)
	role, err := svc.RoleFor(context.Background(), "vend", DisputeScope("7"))
	require.NoError(t, err)
	require.Equal(t, "vendor", role)
}
