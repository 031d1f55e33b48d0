package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/arbiter/internal/ledger/domain"
	"github.com/smallbiznis/arbiter/internal/migration/migrationtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) ledgerdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return NewService(Params{
		DB:    migrationtest.OpenSQLite(t),
		Log:   zap.NewNop(),
		GenID: node,
	})
}

func refundPostings(amount int64) []ledgerdomain.Posting {
	return []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeEscrowHeld, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount},
		{Account: ledgerdomain.AccountCodeCustomerRefunds, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount},
	}
}

func TestCreateEntryIsIdempotentPerSource(t *testing.T) {
	svc := newTestLedger(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := svc.CreateEntry(ctx, ledgerdomain.SourceTypeSettlementRefund, "dispute:1:refund", "usd", at, refundPostings(4000))
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.Equal(t, "USD", first.Currency)

	second, err := svc.CreateEntry(ctx, ledgerdomain.SourceTypeSettlementRefund, "dispute:1:refund", "USD", at, refundPostings(4000))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := svc.Balance(ctx, ledgerdomain.AccountCodeCustomerRefunds, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(-4000), balance)

	escrow, err := svc.Balance(ctx, ledgerdomain.AccountCodeEscrowHeld, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(4000), escrow)
}

func TestCreateEntryRejectsUnbalancedLines(t *testing.T) {
	svc := newTestLedger(t)
	postings := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeEscrowHeld, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 100},
		{Account: ledgerdomain.AccountCodeVendorPayouts, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 99},
	}
	_, err := svc.CreateEntry(context.Background(), ledgerdomain.SourceTypeSettlementRelease, "x", "USD", time.Now(), postings)
	require.ErrorIs(t, err, ledgerdomain.ErrUnbalancedEntry)
}

func TestCreateEntryValidatesInput(t *testing.T) {
	svc := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.CreateEntry(ctx, "", "x", "USD", now, refundPostings(1))
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSourceType)

	_, err = svc.CreateEntry(ctx, ledgerdomain.SourceTypePenaltyFee, "x", "???", now, refundPostings(1))
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidCurrency)

	_, err = svc.CreateEntry(ctx, ledgerdomain.SourceTypePenaltyFee, "x", "USD", now, refundPostings(1)[:1])
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidEntryLines)

	bad := refundPostings(1)
	bad[1].Account = "unknown"
	_, err = svc.CreateEntry(ctx, ledgerdomain.SourceTypePenaltyFee, "x", "USD", now, bad)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAccount)
}

func TestGetEntryNotFound(t *testing.T) {
	svc := newTestLedger(t)
	_, err := svc.GetEntry(context.Background(), ledgerdomain.SourceTypeSettlementFee, "missing")
	require.ErrorIs(t, err, ledgerdomain.ErrEntryNotFound)
}
