package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

type Party string

const (
	PartyCustomer Party = "customer"
	PartyVendor   Party = "vendor"
)

func (p Party) Counterparty() Party {
	if p == PartyCustomer {
		return PartyVendor
	}
	return PartyCustomer
}

type Reason string

const (
	ReasonPoorQuality    Reason = "poor_quality"
	ReasonNoShow         Reason = "no_show"
	ReasonDamage         Reason = "damage"
	ReasonNotAsDescribed Reason = "not_as_described"
	ReasonLate           Reason = "late"
	ReasonOther          Reason = "other"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonPoorQuality, ReasonNoShow, ReasonDamage, ReasonNotAsDescribed, ReasonLate, ReasonOther:
		return true
	}
	return false
}

type Dispute struct {
	ID                  snowflake.ID `gorm:"primaryKey" json:"id"`
	BookingID           string       `json:"booking_id"`
	EscrowTransactionID string       `json:"escrow_transaction_id"`
	RaisedBy            Party        `json:"raised_by"`
	RaisedByUserID      string       `json:"raised_by_user_id"`
	Reason              Reason       `json:"reason"`
	Description         string       `json:"description"`
	AmountMinor         int64        `json:"amount_minor"`
	Currency            string       `json:"currency"`
	Status              Status       `json:"status"`
	ResolutionSummary   *string      `json:"resolution_summary,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
}

func (Dispute) TableName() string { return "disputes" }

type DisputePhases struct {
	DisputeID            snowflake.ID `gorm:"primaryKey" json:"dispute_id"`
	CurrentPhase         Phase        `json:"current_phase"`
	Phase1Deadline       time.Time    `gorm:"column:phase1_deadline" json:"phase1_deadline"`
	Phase2Deadline       *time.Time   `gorm:"column:phase2_deadline" json:"phase2_deadline,omitempty"`
	Phase3ReviewDeadline *time.Time   `gorm:"column:phase3_review_deadline" json:"phase3_review_deadline,omitempty"`
	ExternalResolution   bool         `json:"external_resolution"`
	Version              int64        `json:"version"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (DisputePhases) TableName() string { return "dispute_phases" }

type PhaseTransition struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	DisputeID  snowflake.ID `json:"dispute_id"`
	FromPhase  Phase        `json:"from_phase"`
	ToPhase    Phase        `json:"to_phase"`
	Event      Event        `json:"event"`
	ActorType  string       `json:"actor_type"`
	ActorID    *string      `json:"actor_id,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (PhaseTransition) TableName() string { return "dispute_phase_transitions" }

type Evidence struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	DisputeID snowflake.ID `json:"dispute_id"`
	UserID    string       `json:"user_id"`
	URL       string       `gorm:"column:url" json:"url"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Evidence) TableName() string { return "dispute_evidence" }

// Response is a phase 1 counter-offer.
type Response struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	DisputeID snowflake.ID `json:"dispute_id"`
	UserID    string       `json:"user_id"`
	RefundBps int          `json:"refund_bps"`
	Message   *string      `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Response) TableName() string { return "dispute_responses" }

type AIOption struct {
	ID                snowflake.ID                `gorm:"primaryKey" json:"id"`
	DisputeID         snowflake.ID                `json:"dispute_id"`
	Generation        int                         `json:"generation"`
	OptionLabel       string                      `json:"option_label"`
	OptionTitle       string                      `json:"option_title"`
	CustomerRefundBps int                         `json:"customer_refund_bps"`
	VendorPaymentBps  int                         `json:"vendor_payment_bps"`
	RefundAmountMinor int64                       `json:"refund_amount_minor"`
	VendorAmountMinor int64                       `json:"vendor_amount_minor"`
	PlatformFeeMinor  int64                       `json:"platform_fee_minor"`
	Reasoning         string                      `json:"reasoning"`
	KeyFactors        datatypes.JSONSlice[string] `json:"key_factors"`
	ModelWeight       int                         `json:"model_weight"`
	Synthesized       bool                        `json:"synthesized"`
	IsRecommended     bool                        `json:"is_recommended"`
	CreatedAt         time.Time                   `json:"created_at"`
}

func (AIOption) TableName() string { return "dispute_ai_options" }

type PartySelection struct {
	DisputeID  snowflake.ID `gorm:"primaryKey" json:"dispute_id"`
	Party      Party        `gorm:"primaryKey" json:"party"`
	UserID     string       `json:"user_id"`
	OptionID   snowflake.ID `json:"option_id"`
	SelectedAt time.Time    `json:"selected_at"`
}

func (PartySelection) TableName() string { return "dispute_party_selections" }

type DecisionStatus string

const (
	DecisionStatusPending            DecisionStatus = "pending"
	DecisionStatusExecuted           DecisionStatus = "executed"
	DecisionStatusOverriddenExternal DecisionStatus = "overridden_external"
)

type AIDecision struct {
	ID                snowflake.ID                `gorm:"primaryKey" json:"id"`
	DisputeID         snowflake.ID                `json:"dispute_id"`
	CustomerRefundBps int                         `json:"customer_refund_bps"`
	VendorPaymentBps  int                         `json:"vendor_payment_bps"`
	RefundAmountMinor int64                       `json:"refund_amount_minor"`
	VendorAmountMinor int64                       `json:"vendor_amount_minor"`
	PlatformFeeMinor  int64                       `json:"platform_fee_minor"`
	DecisionSummary   string                      `json:"decision_summary"`
	FullReasoning     string                      `json:"full_reasoning"`
	KeyFactors        datatypes.JSONSlice[string] `json:"key_factors"`
	Status            DecisionStatus              `json:"status"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

func (AIDecision) TableName() string { return "dispute_ai_decisions" }

// ModelRun is the persisted summary of one specialist call.
type ModelRun struct {
	Role      string `json:"role"`
	Model     string `json:"model"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type ConsensusLog struct {
	ID                snowflake.ID                  `gorm:"primaryKey" json:"id"`
	DisputeID         snowflake.ID                  `json:"dispute_id"`
	RunID             string                        `json:"run_id"`
	Stage             string                        `json:"stage"`
	ModelRuns         datatypes.JSONSlice[ModelRun] `json:"model_runs"`
	AggregationMethod string                        `json:"aggregation_method"`
	FinalResult       datatypes.JSON                `json:"final_result,omitempty"`
	SuccessCount      int                           `json:"success_count"`
	Transcript        []byte                        `json:"-"`
	StartedAt         time.Time                     `json:"started_at"`
	CompletedAt       time.Time                     `json:"completed_at"`
}

func (ConsensusLog) TableName() string { return "dispute_ai_consensus_logs" }

type SettlementSource string

const (
	SettlementSourceNegotiation SettlementSource = "negotiation"
	SettlementSourceOption      SettlementSource = "option"
	SettlementSourceDecision    SettlementSource = "decision"
	SettlementSourceExternal    SettlementSource = "external"
)

type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
)

// Settlement is the fund-movement intent for a dispute; at most one exists per dispute.
type Settlement struct {
	ID                snowflake.ID     `gorm:"primaryKey" json:"id"`
	DisputeID         snowflake.ID     `json:"dispute_id"`
	Source            SettlementSource `json:"source"`
	SourceRefID       *snowflake.ID    `json:"source_ref_id,omitempty"`
	RefundBps         int              `json:"refund_bps"`
	VendorBps         int              `json:"vendor_bps"`
	AmountMinor       int64            `json:"amount_minor"`
	RefundAmountMinor int64            `json:"refund_amount_minor"`
	VendorAmountMinor int64            `json:"vendor_amount_minor"`
	PlatformFeeMinor  int64            `json:"platform_fee_minor"`
	PenaltyFeeMinor   int64            `json:"penalty_fee_minor"`
	PenalizedParty    *Party           `json:"penalized_party,omitempty"`
	Currency          string           `json:"currency"`
	TargetPhase       Phase            `json:"target_phase"`
	Status            SettlementStatus `json:"status"`
	RefundRef         *string          `json:"refund_ref,omitempty"`
	ReleaseRef        *string          `json:"release_ref,omitempty"`
	FeeRef            *string          `json:"fee_ref,omitempty"`
	Attempts          int              `json:"attempts"`
	LastError         *string          `json:"last_error,omitempty"`
	ActorType         string           `json:"actor_type"`
	ActorID           *string          `json:"actor_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

func (Settlement) TableName() string { return "dispute_settlements" }

// Parties is derived from the booking on every call.
type Parties struct {
	DisputeID     snowflake.ID `json:"dispute_id"`
	BookingID     string       `json:"booking_id"`
	CustomerID    string       `json:"customer_id"`
	VendorID      string       `json:"vendor_id"`
	CustomerEmail string       `json:"-"`
	VendorEmail   string       `json:"-"`
}

// PartyOf returns the role of userID, or "" when the user is not a party.
func (p Parties) PartyOf(userID string) Party {
	switch {
	case userID == "":
		return ""
	case userID == p.CustomerID:
		return PartyCustomer
	case userID == p.VendorID:
		return PartyVendor
	}
	return ""
}

func (p Parties) UserFor(party Party) string {
	if party == PartyCustomer {
		return p.CustomerID
	}
	return p.VendorID
}
