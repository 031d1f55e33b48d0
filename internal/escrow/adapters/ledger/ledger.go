// Package ledger settles escrow legs as double-entry postings in the internal ledger.
package ledger

import (
	"context"

	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/escrow"
	ledgerdomain "github.com/smallbiznis/arbiter/internal/ledger/domain"
)

const ProviderName = "ledger"

type Factory struct {
	ledger ledgerdomain.Service
	clock  clock.Clock
}

func NewFactory(ledger ledgerdomain.Service, clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Factory{ledger: ledger, clock: clk}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewGateway(cfg escrow.AdapterConfig) (escrow.Gateway, error) {
	if f.ledger == nil {
		return nil, escrow.ErrInvalidConfig
	}
	return &Gateway{ledger: f.ledger, clock: f.clock}, nil
}

type Gateway struct {
	ledger ledgerdomain.Service
	clock  clock.Clock
}

func (g *Gateway) Provider() string { return ProviderName }

// Refund moves the refund share from escrow to the customer refunds account.
func (g *Gateway) Refund(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	return g.post(ctx, ledgerdomain.SourceTypeSettlementRefund, in, []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeEscrowHeld, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: in.Amount},
		{Account: ledgerdomain.AccountCodeCustomerRefunds, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: in.Amount},
	})
}

// Release pays the vendor and books the platform deduction in one entry.
func (g *Gateway) Release(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	postings := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeEscrowHeld, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: in.Amount + in.PlatformFee},
	}
	if in.Amount > 0 {
		postings = append(postings, ledgerdomain.Posting{Account: ledgerdomain.AccountCodeVendorPayouts, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: in.Amount})
	}
	if in.PlatformFee > 0 {
		postings = append(postings, ledgerdomain.Posting{Account: ledgerdomain.AccountCodePlatformFees, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: in.PlatformFee})
	}
	return g.post(ctx, ledgerdomain.SourceTypeSettlementRelease, in, postings)
}

// ChargeFee books the external-resolution fee owed by the penalized party.
func (g *Gateway) ChargeFee(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	return g.post(ctx, ledgerdomain.SourceTypePenaltyFee, in, []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodePenaltyFeesReceivable, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: in.Amount},
		{Account: ledgerdomain.AccountCodePlatformFees, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: in.Amount},
	})
}

func (g *Gateway) post(ctx context.Context, sourceType ledgerdomain.LedgerSourceType, in escrow.Instruction, postings []ledgerdomain.Posting) (escrow.Receipt, error) {
	entry, err := g.ledger.CreateEntry(ctx, sourceType, in.IdempotencyKey, in.Currency, g.clock.Now(), postings)
	if err != nil {
		return escrow.Receipt{}, err
	}
	return escrow.Receipt{Reference: "ledger_entry:" + entry.ID.String()}, nil
}
