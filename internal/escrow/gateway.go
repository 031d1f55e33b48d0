// Package escrow moves held funds once a dispute outcome is final.
package escrow

import (
	"context"
	"errors"
	"fmt"
)

type Leg string

const (
	LegRefund  Leg = "refund"
	LegRelease Leg = "release"
	LegFee     Leg = "fee"
)

var (
	ErrProviderNotFound = errors.New("escrow_provider_not_found")
	ErrInvalidConfig    = errors.New("escrow_invalid_config")
	ErrInvalidAmount    = errors.New("escrow_invalid_amount")
	ErrNotConfirmed     = errors.New("escrow_leg_not_confirmed")
)

// Instruction is a single fund movement against the escrow of one booking.
type Instruction struct {
	DisputeID           string
	EscrowTransactionID string
	// PartyID is the customer for refunds, the vendor for releases and the
	// penalized party for fees.
	PartyID  string
	Amount   int64
	Currency string
	// PlatformFee is retained from escrow alongside a release.
	PlatformFee    int64
	IdempotencyKey string
}

func (i Instruction) Validate() error {
	if i.Amount < 0 || i.PlatformFee < 0 {
		return ErrInvalidAmount
	}
	if i.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidConfig)
	}
	return nil
}

// Receipt is the gateway's confirmation of a leg.
type Receipt struct {
	Reference string
}

type Gateway interface {
	Provider() string
	Refund(ctx context.Context, in Instruction) (Receipt, error)
	Release(ctx context.Context, in Instruction) (Receipt, error)
	ChargeFee(ctx context.Context, in Instruction) (Receipt, error)
}

type AdapterConfig struct {
	StripeSecretKey string
	PlatformAccount string
}

type AdapterFactory interface {
	Provider() string
	NewGateway(cfg AdapterConfig) (Gateway, error)
}

// IdempotencyKey derives the per-leg key for a dispute settlement.
func IdempotencyKey(disputeID string, leg Leg) string {
	return "dispute:" + disputeID + ":" + string(leg)
}
