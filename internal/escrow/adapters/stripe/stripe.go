// Package stripe settles escrow legs through Stripe refunds, transfers and payment intents.
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/escrow"
	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

const ProviderName = "stripe"

type Factory struct {
	backends *stripego.Backends
}

// NewFactory builds the factory; nil backends use Stripe's defaults.
func NewFactory(backends *stripego.Backends) *Factory {
	return &Factory{backends: backends}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewGateway(cfg escrow.AdapterConfig) (escrow.Gateway, error) {
	key := strings.TrimSpace(cfg.StripeSecretKey)
	if key == "" {
		return nil, escrow.ErrInvalidConfig
	}
	return &Gateway{
		api:             client.New(key, f.backends),
		platformAccount: strings.TrimSpace(cfg.PlatformAccount),
	}, nil
}

type Gateway struct {
	api             *client.API
	platformAccount string
}

func (g *Gateway) Provider() string { return ProviderName }

// Refund returns part of the captured payment intent to the customer.
func (g *Gateway) Refund(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(in.EscrowTransactionID),
		Amount:        stripego.Int64(in.Amount),
		Reason:        stripego.String(string(stripego.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata("dispute_id", in.DisputeID)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe refund: %w", err)
	}
	switch r.Status {
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		return escrow.Receipt{}, fmt.Errorf("%w: refund %s is %s", escrow.ErrNotConfirmed, r.ID, r.Status)
	}
	return escrow.Receipt{Reference: r.ID}, nil
}

// Release transfers the vendor share to the vendor's connected account. The
// platform deduction stays on the platform balance.
func (g *Gateway) Release(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	if in.Amount == 0 {
		return escrow.Receipt{Reference: "retained"}, nil
	}
	params := &stripego.TransferParams{
		Amount:        stripego.Int64(in.Amount),
		Currency:      stripego.String(strings.ToLower(in.Currency)),
		Destination:   stripego.String(in.PartyID),
		TransferGroup: stripego.String(in.EscrowTransactionID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata("dispute_id", in.DisputeID)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe transfer: %w", err)
	}
	return escrow.Receipt{Reference: tr.ID}, nil
}

// ChargeFee charges the penalized party off-session for the external resolution fee.
func (g *Gateway) ChargeFee(ctx context.Context, in escrow.Instruction) (escrow.Receipt, error) {
	if err := in.Validate(); err != nil {
		return escrow.Receipt{}, err
	}
	params := &stripego.PaymentIntentParams{
		Amount:      stripego.Int64(in.Amount),
		Currency:    stripego.String(strings.ToLower(in.Currency)),
		Customer:    stripego.String(in.PartyID),
		Confirm:     stripego.Bool(true),
		OffSession:  stripego.Bool(true),
		Description: stripego.String("External resolution fee for dispute " + in.DisputeID),
	}
	if g.platformAccount != "" {
		params.OnBehalfOf = stripego.String(g.platformAccount)
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata("dispute_id", in.DisputeID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe fee charge: %w", err)
	}
	if pi.Status != stripego.PaymentIntentStatusSucceeded && pi.Status != stripego.PaymentIntentStatusProcessing {
		return escrow.Receipt{}, fmt.Errorf("%w: payment intent %s is %s", escrow.ErrNotConfirmed, pi.ID, pi.Status)
	}
	return escrow.Receipt{Reference: pi.ID}, nil
}
