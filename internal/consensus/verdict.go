package consensus

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/money"
)

// aggregateVerdict merges the successful decisions into one binding split.
// runs carries every attempt so failures are part of the full reasoning.
func aggregateVerdict(decisions []decisionCandidate, runs []ModelRun) Verdict {
	refunds := make([]int, 0, len(decisions))
	var vendors []int
	for _, d := range decisions {
		refunds = append(refunds, d.refundBps)
		if d.hasVendor {
			vendors = append(vendors, d.vendorBps)
		}
	}
	refund := medianBps(refunds)
	vendor := money.FullBps - refund
	if len(vendors) > 0 {
		if v := medianBps(vendors); v < vendor {
			vendor = v
		}
	}

	closest := decisions[0]
	for _, d := range decisions[1:] {
		if absInt(d.refundBps-refund) < absInt(closest.refundBps-refund) {
			closest = d
		}
	}
	summary := strings.TrimSpace(closest.decision.Summary)
	if summary == "" {
		summary = fmt.Sprintf("Customer receives %s%% of the escrow.", formatPercent(refund))
	}

	var factors []string
	seen := map[string]struct{}{}
	for _, d := range decisions {
		for _, f := range d.decision.KeyFactors {
			key := strings.ToLower(strings.TrimSpace(f))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			factors = append(factors, strings.TrimSpace(f))
		}
	}

	return Verdict{
		RefundBps:     refund,
		VendorBps:     vendor,
		Summary:       summary,
		FullReasoning: fullReasoning(refund, decisions, runs),
		KeyFactors:    factors,
	}
}

func fullReasoning(refund int, decisions []decisionCandidate, runs []ModelRun) string {
	byRole := make(map[string]decisionCandidate, len(decisions))
	for _, d := range decisions {
		byRole[d.role] = d
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Final split: %s%% refund to customer (median of %d specialist decisions).\n", formatPercent(refund), len(decisions))
	for _, run := range runs {
		d, ok := byRole[run.Role]
		if !ok {
			fmt.Fprintf(&b, "\n[%s/%s] %s: %s\n", run.Role, run.Model, run.Status, run.Error)
			continue
		}
		fmt.Fprintf(&b, "\n[%s/%s] proposed %s%% refund.\n", run.Role, run.Model, formatPercent(d.refundBps))
		if r := strings.TrimSpace(d.decision.Reasoning); r != "" {
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
