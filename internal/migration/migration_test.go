package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestApplySQLiteIsIdempotent(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Apply(conn, nil))
	require.NoError(t, Apply(conn, nil))

	for _, table := range []string{"disputes", "dispute_phases", "dispute_settlements", "ledger_entries", "audit_logs"} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestOpenDisputeIndexIsPartial(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, ApplySQLite(conn))

	require.NoError(t, conn.Exec(`INSERT INTO bookings (id, customer_id, vendor_id, escrow_transaction_id, amount_minor, currency) VALUES ('b1', 'c', 'v', 'e', 100, 'USD')`).Error)
	insert := `INSERT INTO disputes (id, booking_id, escrow_transaction_id, raised_by, raised_by_user_id, reason, description, amount_minor, currency, status, created_at, updated_at)
		VALUES (?, 'b1', 'e', 'customer', 'c', 'other', 'x', 100, 'USD', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`

	require.NoError(t, conn.Exec(insert, 1, "closed").Error)
	require.NoError(t, conn.Exec(insert, 2, "open").Error)
	require.Error(t, conn.Exec(insert, 3, "open").Error)
}

func TestStatementsSkipCommentsAndBlanks(t *testing.T) {
	got := statements("-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX ix ON a (id);\n;")
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX ix ON a (id)"}, got)
}
