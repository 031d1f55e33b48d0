package consensus

import (
	"encoding/json"
	"fmt"
)

var roleFocus = map[string]string{
	"policy":    "You weigh marketplace policy: cancellation terms, service standards and how similar disputes are normally settled.",
	"reasoning": "You reason step by step over the facts, separating what is evidenced from what is merely claimed.",
	"context":   "You focus on the negotiation history: what each party already conceded and where they were converging.",
}

const optionsInstruction = `You are one of three specialists helping resolve a dispute between a customer and a vendor over an escrowed payment.
%s
Propose up to three fair splits of the escrow. Reply with JSON only, in this exact shape:
{"proposals":[{"title":"short label","customer_refund_percent":0-100,"vendor_payment_percent":0-100 (optional, at most 100 minus the refund),"rationale":"two or three sentences","key_factors":["..."]}]}`

const verdictInstruction = `You are one of three specialists issuing a binding decision in a dispute between a customer and a vendor over an escrowed payment.
The parties could not agree on the options below; their selections are included.
%s
Decide one split of the escrow. Reply with JSON only, in this exact shape:
{"customer_refund_percent":0-100,"vendor_payment_percent":0-100 (optional),"summary":"one sentence","reasoning":"full explanation","key_factors":["..."]}`

func systemPrompt(stage, role string) string {
	focus := roleFocus[role]
	if stage == StageVerdict {
		return fmt.Sprintf(verdictInstruction, focus)
	}
	return fmt.Sprintf(optionsInstruction, focus)
}

func userPrompt(in CaseContext) (string, error) {
	body, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	return "Dispute case file:\n" + string(body), nil
}
