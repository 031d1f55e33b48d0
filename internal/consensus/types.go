package consensus

import (
	"errors"
	"time"
)

const (
	StageOptions = "options"
	StageVerdict = "verdict"
)

const (
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
	RunStatusTimeout = "timeout"
	RunStatusInvalid = "invalid"
)

const (
	AggregationCluster = "cluster_median_tolerance"
	AggregationMedian  = "median_refund_bps"
)

var (
	ErrNoModelSucceeded = errors.New("no_model_succeeded")
	ErrNoProviders      = errors.New("no_model_providers")
	ErrInvalidOutput    = errors.New("invalid_model_output")
)

// CaseContext is the bundle every specialist receives.
type CaseContext struct {
	DisputeID   string          `json:"dispute_id"`
	BookingID   string          `json:"booking_id"`
	Reason      string          `json:"reason"`
	Description string          `json:"description"`
	RaisedBy    string          `json:"raised_by"`
	Evidence    []string        `json:"evidence,omitempty"`
	AmountMinor int64           `json:"escrow_amount_minor"`
	Currency    string          `json:"currency"`
	Offers      []OfferSummary  `json:"offers,omitempty"`
	Options     []OptionSummary `json:"options,omitempty"`
	Selections  []Selection     `json:"selections,omitempty"`
}

type OfferSummary struct {
	Party         string    `json:"party"`
	RefundPercent float64   `json:"customer_refund_percent"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type OptionSummary struct {
	Label         string  `json:"label"`
	Title         string  `json:"title"`
	RefundPercent float64 `json:"customer_refund_percent"`
	Recommended   bool    `json:"recommended"`
}

type Selection struct {
	Party string `json:"party"`
	Label string `json:"label"`
}

// Proposal is one split suggested by a specialist in the options stage.
type Proposal struct {
	Title                 string   `json:"title"`
	CustomerRefundPercent *float64 `json:"customer_refund_percent"`
	VendorPaymentPercent  *float64 `json:"vendor_payment_percent,omitempty"`
	Rationale             string   `json:"rationale"`
	KeyFactors            []string `json:"key_factors"`
}

type proposalEnvelope struct {
	Proposals []Proposal `json:"proposals"`
}

// Decision is one specialist's binding split in the verdict stage.
type Decision struct {
	CustomerRefundPercent *float64 `json:"customer_refund_percent"`
	VendorPaymentPercent  *float64 `json:"vendor_payment_percent,omitempty"`
	Summary               string   `json:"summary"`
	Reasoning             string   `json:"reasoning"`
	KeyFactors            []string `json:"key_factors"`
}

// Option is an aggregated, labelled resolution option.
type Option struct {
	Label       string   `json:"label"`
	Title       string   `json:"title"`
	RefundBps   int      `json:"customer_refund_bps"`
	VendorBps   int      `json:"vendor_payment_bps"`
	Reasoning   string   `json:"reasoning"`
	KeyFactors  []string `json:"key_factors"`
	Weight      int      `json:"model_weight"`
	Synthesized bool     `json:"synthesized"`
	Recommended bool     `json:"is_recommended"`
}

// Verdict is the merged binding decision.
type Verdict struct {
	RefundBps     int      `json:"customer_refund_bps"`
	VendorBps     int      `json:"vendor_payment_bps"`
	Summary       string   `json:"decision_summary"`
	FullReasoning string   `json:"full_reasoning"`
	KeyFactors    []string `json:"key_factors"`
}

// ModelRun summarises one specialist call.
type ModelRun struct {
	Role      string `json:"role"`
	Model     string `json:"model"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Log is the deliberation record persisted for every generation attempt.
type Log struct {
	RunID             string
	Stage             string
	Runs              []ModelRun
	AggregationMethod string
	FinalResult       any
	SuccessCount      int
	Transcript        []byte
	StartedAt         time.Time
	CompletedAt       time.Time
}

type OptionsResult struct {
	Options []Option
	Log     Log
}

type VerdictResult struct {
	Verdict Verdict
	Log     Log
}
