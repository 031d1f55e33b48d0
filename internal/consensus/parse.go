package consensus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/money"
	"github.com/smallbiznis/arbiter/internal/providers/llm"
)

const maxProposalsPerModel = 5

func parseProposals(role, raw string) ([]candidate, error) {
	body, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	var env proposalEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if len(env.Proposals) == 0 {
		return nil, fmt.Errorf("%w: no proposals", ErrInvalidOutput)
	}
	if len(env.Proposals) > maxProposalsPerModel {
		env.Proposals = env.Proposals[:maxProposalsPerModel]
	}

	out := make([]candidate, 0, len(env.Proposals))
	for i, p := range env.Proposals {
		refund, vendor, hasVendor, err := validateSplit(p.CustomerRefundPercent, p.VendorPaymentPercent)
		if err != nil {
			return nil, fmt.Errorf("%w: proposal %d: %v", ErrInvalidOutput, i, err)
		}
		out = append(out, candidate{
			role:       role,
			refundBps:  refund,
			vendorBps:  vendor,
			hasVendor:  hasVendor,
			title:      strings.TrimSpace(p.Title),
			rationale:  strings.TrimSpace(p.Rationale),
			keyFactors: p.KeyFactors,
		})
	}
	return out, nil
}

type decisionCandidate struct {
	role      string
	model     string
	refundBps int
	vendorBps int
	hasVendor bool
	decision  Decision
}

func parseDecision(role, model, raw string) (decisionCandidate, error) {
	body, err := llm.ExtractJSON(raw)
	if err != nil {
		return decisionCandidate{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return decisionCandidate{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	refund, vendor, hasVendor, err := validateSplit(d.CustomerRefundPercent, d.VendorPaymentPercent)
	if err != nil {
		return decisionCandidate{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return decisionCandidate{
		role:      role,
		model:     model,
		refundBps: refund,
		vendorBps: vendor,
		hasVendor: hasVendor,
		decision:  d,
	}, nil
}

// validateSplit checks the refund is present and in range and that any vendor
// share fits in what the refund leaves.
func validateSplit(refundPercent, vendorPercent *float64) (int, int, bool, error) {
	if refundPercent == nil {
		return 0, 0, false, fmt.Errorf("customer_refund_percent missing")
	}
	refund, err := money.PercentToBps(*refundPercent)
	if err != nil {
		return 0, 0, false, err
	}
	if vendorPercent == nil {
		return refund, money.FullBps - refund, false, nil
	}
	vendor, err := money.PercentToBps(*vendorPercent)
	if err != nil {
		return 0, 0, false, err
	}
	if refund+vendor > money.FullBps {
		return 0, 0, false, fmt.Errorf("vendor_payment_percent %v exceeds remaining %v", *vendorPercent, money.BpsToPercent(money.FullBps-refund))
	}
	return refund, vendor, true, nil
}
