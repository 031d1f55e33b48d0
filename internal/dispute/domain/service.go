package domain

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/smallbiznis/arbiter/internal/consensus"
)

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// Actor identifies who performs an operation: a booking party or the system.
type Actor struct {
	Type string
	ID   string
}

func UserActor(id string) Actor { return Actor{Type: ActorTypeUser, ID: strings.TrimSpace(id)} }
func SystemActor() Actor        { return Actor{Type: ActorTypeSystem} }

func (a Actor) IsSystem() bool { return a.Type == ActorTypeSystem }

// String renders the casbin subject, "user:<id>" or "system".
func (a Actor) String() string {
	if a.IsSystem() {
		return ActorTypeSystem
	}
	return ActorTypeUser + ":" + a.ID
}

// IDPtr returns the actor id for audit rows; nil for the system.
func (a Actor) IDPtr() *string {
	if a.IsSystem() || a.ID == "" {
		return nil
	}
	id := a.ID
	return &id
}

type OpenDisputeRequest struct {
	BookingID   string   `json:"booking_id"`
	Reason      Reason   `json:"reason"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence,omitempty"`
}

type CounterOfferRequest struct {
	DisputeID     string   `json:"-"`
	RefundPercent *float64 `json:"refund_percent"`
	Message       *string  `json:"message,omitempty"`
}

type AcceptOfferRequest struct {
	DisputeID  string `json:"-"`
	ResponseID string `json:"-"`
}

type EscalateRequest struct {
	DisputeID     string `json:"-"`
	ExpectedPhase Phase  `json:"expected_phase"`
}

type SelectOptionRequest struct {
	DisputeID string `json:"-"`
	OptionID  string `json:"-"`
}

type ExternalResolutionRequest struct {
	DisputeID            string `json:"-"`
	Confirm              bool   `json:"confirm"`
	AcknowledgedFeeMinor int64  `json:"acknowledged_fee_minor"`
}

type AddEvidenceRequest struct {
	DisputeID string `json:"-"`
	URL       string `json:"url"`
}

// Snapshot is the state after a mutation.
type Snapshot struct {
	Dispute    Dispute       `json:"dispute"`
	Phases     DisputePhases `json:"phases"`
	Settlement *Settlement   `json:"settlement,omitempty"`
}

type EscalationCheck struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentPhase Phase  `json:"current_phase"`
	NextPhase    Phase  `json:"next_phase,omitempty"`
}

type OptionsView struct {
	DisputeID  string           `json:"dispute_id"`
	Generation int              `json:"generation"`
	Options    []AIOption       `json:"options"`
	Selections []PartySelection `json:"selections"`
	Phase      Phase            `json:"current_phase"`
}

type SelectionResult struct {
	Selections []PartySelection `json:"selections"`
	Matched    bool             `json:"matched"`
	Snapshot   Snapshot         `json:"snapshot"`
}

type DecisionView struct {
	Decision       AIDecision `json:"decision"`
	ReviewDeadline *time.Time `json:"review_deadline,omitempty"`
	Phase          Phase      `json:"current_phase"`
}

// ExternalTerms is what a party must acknowledge before choosing external resolution.
type ExternalTerms struct {
	RejectingParty        Party     `json:"rejecting_party"`
	FeeMinor              int64     `json:"fee_minor"`
	Currency              string    `json:"currency"`
	RefundToCustomerMinor int64     `json:"refund_to_customer_minor"`
	ReleaseToVendorMinor  int64     `json:"release_to_vendor_minor"`
	ReviewDeadline        time.Time `json:"review_deadline"`
	DecisionRefundBps     int       `json:"decision_refund_bps"`
	DecisionVendorBps     int       `json:"decision_vendor_bps"`
}

type DisputeDetails struct {
	Dispute     Dispute           `json:"dispute"`
	Phases      DisputePhases     `json:"phases"`
	CallerRole  Party             `json:"caller_role,omitempty"`
	Evidence    []Evidence        `json:"evidence"`
	Offers      []Response        `json:"offers"`
	Options     []AIOption        `json:"options,omitempty"`
	Selections  []PartySelection  `json:"selections,omitempty"`
	Decision    *AIDecision       `json:"decision,omitempty"`
	Settlement  *Settlement       `json:"settlement,omitempty"`
	Transitions []PhaseTransition `json:"transitions"`
	Escalation  EscalationCheck   `json:"escalation"`
}

type ConsensusLogView struct {
	ConsensusLog
	Transcript []consensus.TranscriptEntry `json:"transcript,omitempty"`
}

type Service interface {
	OpenDispute(ctx context.Context, actor Actor, req OpenDisputeRequest) (*Snapshot, error)
	GetDisputeDetails(ctx context.Context, actor Actor, disputeID string) (*DisputeDetails, error)
	GetDisputeParties(ctx context.Context, actor Actor, disputeID string) (*Parties, error)
	AddEvidence(ctx context.Context, actor Actor, req AddEvidenceRequest) (*Evidence, error)

	SubmitCounterOffer(ctx context.Context, actor Actor, req CounterOfferRequest) (*Response, error)
	AcceptCounterOffer(ctx context.Context, actor Actor, req AcceptOfferRequest) (*Snapshot, error)

	CanEscalate(ctx context.Context, actor Actor, disputeID string) (*EscalationCheck, error)
	Escalate(ctx context.Context, actor Actor, req EscalateRequest) (*Snapshot, error)

	GenerateResolutionOptions(ctx context.Context, actor Actor, disputeID string) (*OptionsView, error)
	GetResolutionOptions(ctx context.Context, actor Actor, disputeID string) (*OptionsView, error)
	SelectOption(ctx context.Context, actor Actor, req SelectOptionRequest) (*SelectionResult, error)

	GenerateFinalDecision(ctx context.Context, actor Actor, disputeID string) (*DecisionView, error)
	GetFinalDecision(ctx context.Context, actor Actor, disputeID string) (*DecisionView, error)
	AcceptDecision(ctx context.Context, actor Actor, disputeID string) (*Snapshot, error)
	ExternalResolutionTerms(ctx context.Context, actor Actor, disputeID string) (*ExternalTerms, error)
	ChooseExternalResolution(ctx context.Context, actor Actor, req ExternalResolutionRequest) (*Snapshot, error)

	RetrySettlement(ctx context.Context, actor Actor, disputeID string) (*Snapshot, error)
	Statement(ctx context.Context, actor Actor, disputeID string) (io.Reader, error)
	ListConsensusLogs(ctx context.Context, actor Actor, disputeID string, withTranscript bool) ([]ConsensusLogView, error)

	EscalateExpiredNegotiations(ctx context.Context, limit int) (int, error)
	EscalateExpiredOptions(ctx context.Context, limit int) (int, error)
	GeneratePendingOptions(ctx context.Context, limit int) (int, error)
	GeneratePendingDecisions(ctx context.Context, limit int) (int, error)
	AutoAcceptExpiredReviews(ctx context.Context, limit int) (int, error)
	RetryPendingSettlements(ctx context.Context, limit int) (int, error)
}
