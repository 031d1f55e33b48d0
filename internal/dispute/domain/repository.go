package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DueFilter selects disputes for the sweeper. The deadline column is
// implied by Phase.
type DueFilter struct {
	Phase          Phase
	DeadlineBefore *time.Time
	MissingOptions bool
	Limit          int
}

type Repository interface {
	InsertDispute(ctx context.Context, db *gorm.DB, dispute *Dispute) error
	FindDispute(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Dispute, error)
	FindOpenByBooking(ctx context.Context, db *gorm.DB, bookingID string) (*Dispute, error)
	CloseDispute(ctx context.Context, db *gorm.DB, id snowflake.ID, summary string, resolvedAt time.Time) error

	InsertPhases(ctx context.Context, db *gorm.DB, phases *DisputePhases) error
	FindPhases(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, forUpdate bool) (*DisputePhases, error)
	// UpdatePhases writes phases when the stored version still equals
	// expectedVersion and bumps it. It reports whether a row was written.
	UpdatePhases(ctx context.Context, db *gorm.DB, phases *DisputePhases, expectedVersion int64) (bool, error)
	InsertTransition(ctx context.Context, db *gorm.DB, transition *PhaseTransition) error
	ListTransitions(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]PhaseTransition, error)

	InsertEvidence(ctx context.Context, db *gorm.DB, evidence *Evidence) error
	ListEvidence(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]Evidence, error)

	InsertResponse(ctx context.Context, db *gorm.DB, response *Response) error
	FindResponse(ctx context.Context, db *gorm.DB, disputeID, id snowflake.ID) (*Response, error)
	LatestResponseBy(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, userID string) (*Response, error)
	ListResponses(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]Response, error)

	InsertOptions(ctx context.Context, db *gorm.DB, options []AIOption) error
	LatestGeneration(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (int, error)
	ListOptions(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, generation int) ([]AIOption, error)
	FindOption(ctx context.Context, db *gorm.DB, disputeID, id snowflake.ID) (*AIOption, error)

	UpsertSelection(ctx context.Context, db *gorm.DB, selection *PartySelection) error
	ListSelections(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]PartySelection, error)

	InsertDecision(ctx context.Context, db *gorm.DB, decision *AIDecision) error
	FindDecision(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (*AIDecision, error)
	UpdateDecisionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status DecisionStatus, at time.Time) error

	InsertConsensusLog(ctx context.Context, db *gorm.DB, log *ConsensusLog) error
	ListConsensusLogs(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]ConsensusLog, error)

	// InsertSettlement reports false when the dispute already has one.
	InsertSettlement(ctx context.Context, db *gorm.DB, settlement *Settlement) (bool, error)
	FindSettlement(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, forUpdate bool) (*Settlement, error)
	UpdateSettlement(ctx context.Context, db *gorm.DB, settlement *Settlement) error
	ListPendingSettlements(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)

	ListDue(ctx context.Context, db *gorm.DB, filter DueFilter) ([]snowflake.ID, error)
}
