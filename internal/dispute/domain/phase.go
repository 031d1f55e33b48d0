package domain

import "fmt"

type Phase string

const (
	Phase1         Phase = "phase_1"
	Phase2         Phase = "phase_2"
	Phase3Pending  Phase = "phase_3_pending"
	Phase3AI       Phase = "phase_3_ai"
	Phase3External Phase = "phase_3_external"
	PhaseResolved  Phase = "resolved"
)

type Event string

const (
	EventEscalate            Event = "escalate"
	EventAcceptOffer         Event = "accept_offer"
	EventOptionsMatched      Event = "options_matched"
	EventDecisionGenerated   Event = "decision_generated"
	EventAcceptDecision      Event = "accept_decision"
	EventChooseExternal      Event = "choose_external"
	EventSettlementCompleted Event = "settlement_completed"
)

type transitionKey struct {
	from  Phase
	event Event
}

// transitions is the complete state machine. Anything absent is rejected.
var transitions = map[transitionKey]Phase{
	{Phase1, EventEscalate}:                    Phase2,
	{Phase1, EventAcceptOffer}:                 PhaseResolved,
	{Phase2, EventEscalate}:                    Phase3Pending,
	{Phase2, EventOptionsMatched}:              PhaseResolved,
	{Phase3Pending, EventDecisionGenerated}:    Phase3AI,
	{Phase3AI, EventAcceptDecision}:            PhaseResolved,
	{Phase3AI, EventChooseExternal}:            Phase3External,
	{Phase3External, EventSettlementCompleted}: PhaseResolved,
	{Phase1, EventSettlementCompleted}:         PhaseResolved,
	{Phase2, EventSettlementCompleted}:         PhaseResolved,
	{Phase3AI, EventSettlementCompleted}:       PhaseResolved,
}

var phaseOrder = map[Phase]int{
	Phase1:         1,
	Phase2:         2,
	Phase3Pending:  3,
	Phase3AI:       4,
	Phase3External: 5,
	PhaseResolved:  6,
}

// Next returns the phase reached by applying event in phase.
func Next(from Phase, event Event) (Phase, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Rank orders phases; transitions never decrease it.
func (p Phase) Rank() int {
	return phaseOrder[p]
}

func (p Phase) IsPhase3() bool {
	return p == Phase3Pending || p == Phase3AI || p == Phase3External
}

func (p Phase) Terminal() bool {
	return p == PhaseResolved
}
