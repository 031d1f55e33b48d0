package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const disputeColumns = `id, booking_id, escrow_transaction_id, raised_by, raised_by_user_id, reason,
	description, amount_minor, currency, status, resolution_summary, created_at, updated_at, resolved_at`

func (r *repo) InsertDispute(ctx context.Context, db *gorm.DB, d *domain.Dispute) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.BookingID,
		d.EscrowTransactionID,
		string(d.RaisedBy),
		d.RaisedByUserID,
		string(d.Reason),
		d.Description,
		d.AmountMinor,
		d.Currency,
		string(d.Status),
		d.ResolutionSummary,
		d.CreatedAt,
		d.UpdatedAt,
		d.ResolvedAt,
	).Error
}

func (r *repo) FindDispute(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Dispute, error) {
	var item domain.Dispute
	err := db.WithContext(ctx).Raw(
		`SELECT `+disputeColumns+` FROM disputes WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindOpenByBooking(ctx context.Context, db *gorm.DB, bookingID string) (*domain.Dispute, error) {
	var item domain.Dispute
	err := db.WithContext(ctx).Raw(
		`SELECT `+disputeColumns+` FROM disputes
		WHERE booking_id = ? AND status = ?
		LIMIT 1`,
		bookingID,
		string(domain.StatusOpen),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CloseDispute(ctx context.Context, db *gorm.DB, id snowflake.ID, summary string, resolvedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE disputes
		SET status = ?, resolution_summary = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.StatusClosed),
		summary,
		resolvedAt,
		resolvedAt,
		id,
		string(domain.StatusOpen),
	).Error
}

func (r *repo) InsertPhases(ctx context.Context, db *gorm.DB, p *domain.DisputePhases) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_phases (
			dispute_id, current_phase, phase1_deadline, phase2_deadline,
			phase3_review_deadline, external_resolution, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.DisputeID,
		string(p.CurrentPhase),
		p.Phase1Deadline,
		p.Phase2Deadline,
		p.Phase3ReviewDeadline,
		p.ExternalResolution,
		p.Version,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindPhases(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, forUpdate bool) (*domain.DisputePhases, error) {
	query := `SELECT dispute_id, current_phase, phase1_deadline, phase2_deadline,
		phase3_review_deadline, external_resolution, version, updated_at
		FROM dispute_phases
		WHERE dispute_id = ?`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item domain.DisputePhases
	if err := db.WithContext(ctx).Raw(query, disputeID).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.DisputeID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdatePhases(ctx context.Context, db *gorm.DB, p *domain.DisputePhases, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dispute_phases
		SET current_phase = ?, phase1_deadline = ?, phase2_deadline = ?,
			phase3_review_deadline = ?, external_resolution = ?,
			version = version + 1, updated_at = ?
		WHERE dispute_id = ? AND version = ?`,
		string(p.CurrentPhase),
		p.Phase1Deadline,
		p.Phase2Deadline,
		p.Phase3ReviewDeadline,
		p.ExternalResolution,
		p.UpdatedAt,
		p.DisputeID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	p.Version = expectedVersion + 1
	return true, nil
}

func (r *repo) InsertTransition(ctx context.Context, db *gorm.DB, t *domain.PhaseTransition) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_phase_transitions (
			id, dispute_id, from_phase, to_phase, event, actor_type, actor_id, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.DisputeID,
		string(t.FromPhase),
		string(t.ToPhase),
		string(t.Event),
		t.ActorType,
		t.ActorID,
		t.OccurredAt,
	).Error
}

func (r *repo) ListTransitions(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]domain.PhaseTransition, error) {
	var items []domain.PhaseTransition
	err := db.WithContext(ctx).Raw(
		`SELECT id, dispute_id, from_phase, to_phase, event, actor_type, actor_id, occurred_at
		FROM dispute_phase_transitions
		WHERE dispute_id = ?
		ORDER BY occurred_at ASC, id ASC`,
		disputeID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) InsertEvidence(ctx context.Context, db *gorm.DB, e *domain.Evidence) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_evidence (id, dispute_id, user_id, url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.DisputeID, e.UserID, e.URL, e.CreatedAt,
	).Error
}

func (r *repo) ListEvidence(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]domain.Evidence, error) {
	var items []domain.Evidence
	err := db.WithContext(ctx).Raw(
		`SELECT id, dispute_id, user_id, url, created_at
		FROM dispute_evidence
		WHERE dispute_id = ?
		ORDER BY created_at ASC, id ASC`,
		disputeID,
	).Scan(&items).Error
	return items, err
}

const responseColumns = `id, dispute_id, user_id, refund_bps, message, created_at`

func (r *repo) InsertResponse(ctx context.Context, db *gorm.DB, resp *domain.Response) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_responses (`+responseColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		resp.ID, resp.DisputeID, resp.UserID, resp.RefundBps, resp.Message, resp.CreatedAt,
	).Error
}

func (r *repo) FindResponse(ctx context.Context, db *gorm.DB, disputeID, id snowflake.ID) (*domain.Response, error) {
	var item domain.Response
	err := db.WithContext(ctx).Raw(
		`SELECT `+responseColumns+` FROM dispute_responses WHERE dispute_id = ? AND id = ?`,
		disputeID, id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) LatestResponseBy(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, userID string) (*domain.Response, error) {
	var item domain.Response
	err := db.WithContext(ctx).Raw(
		`SELECT `+responseColumns+` FROM dispute_responses
		WHERE dispute_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		disputeID, userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListResponses(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]domain.Response, error) {
	var items []domain.Response
	err := db.WithContext(ctx).Raw(
		`SELECT `+responseColumns+` FROM dispute_responses
		WHERE dispute_id = ?
		ORDER BY created_at ASC, id ASC`,
		disputeID,
	).Scan(&items).Error
	return items, err
}

const optionColumns = `id, dispute_id, generation, option_label, option_title, customer_refund_bps,
	vendor_payment_bps, refund_amount_minor, vendor_amount_minor, platform_fee_minor, reasoning,
	key_factors, model_weight, synthesized, is_recommended, created_at`

func (r *repo) InsertOptions(ctx context.Context, db *gorm.DB, options []domain.AIOption) error {
	for i := range options {
		o := &options[i]
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO dispute_ai_options (`+optionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID,
			o.DisputeID,
			o.Generation,
			o.OptionLabel,
			o.OptionTitle,
			o.CustomerRefundBps,
			o.VendorPaymentBps,
			o.RefundAmountMinor,
			o.VendorAmountMinor,
			o.PlatformFeeMinor,
			o.Reasoning,
			o.KeyFactors,
			o.ModelWeight,
			o.Synthesized,
			o.IsRecommended,
			o.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) LatestGeneration(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (int, error) {
	var generation int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(generation), 0) FROM dispute_ai_options WHERE dispute_id = ?`,
		disputeID,
	).Scan(&generation).Error
	return generation, err
}

func (r *repo) ListOptions(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, generation int) ([]domain.AIOption, error) {
	var items []domain.AIOption
	err := db.WithContext(ctx).Raw(
		`SELECT `+optionColumns+` FROM dispute_ai_options
		WHERE dispute_id = ? AND generation = ?
		ORDER BY option_label ASC`,
		disputeID, generation,
	).Scan(&items).Error
	return items, err
}

func (r *repo) FindOption(ctx context.Context, db *gorm.DB, disputeID, id snowflake.ID) (*domain.AIOption, error) {
	var item domain.AIOption
	err := db.WithContext(ctx).Raw(
		`SELECT `+optionColumns+` FROM dispute_ai_options WHERE dispute_id = ? AND id = ?`,
		disputeID, id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertSelection(ctx context.Context, db *gorm.DB, s *domain.PartySelection) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_party_selections (dispute_id, party, user_id, option_id, selected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dispute_id, party) DO UPDATE
		SET user_id = excluded.user_id, option_id = excluded.option_id, selected_at = excluded.selected_at`,
		s.DisputeID, string(s.Party), s.UserID, s.OptionID, s.SelectedAt,
	).Error
}

func (r *repo) ListSelections(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]domain.PartySelection, error) {
	var items []domain.PartySelection
	err := db.WithContext(ctx).Raw(
		`SELECT dispute_id, party, user_id, option_id, selected_at
		FROM dispute_party_selections
		WHERE dispute_id = ?
		ORDER BY party ASC`,
		disputeID,
	).Scan(&items).Error
	return items, err
}

const decisionColumns = `id, dispute_id, customer_refund_bps, vendor_payment_bps, refund_amount_minor,
	vendor_amount_minor, platform_fee_minor, decision_summary, full_reasoning, key_factors, status,
	created_at, updated_at`

func (r *repo) InsertDecision(ctx context.Context, db *gorm.DB, d *domain.AIDecision) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_ai_decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.DisputeID,
		d.CustomerRefundBps,
		d.VendorPaymentBps,
		d.RefundAmountMinor,
		d.VendorAmountMinor,
		d.PlatformFeeMinor,
		d.DecisionSummary,
		d.FullReasoning,
		d.KeyFactors,
		string(d.Status),
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) FindDecision(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (*domain.AIDecision, error) {
	var item domain.AIDecision
	err := db.WithContext(ctx).Raw(
		`SELECT `+decisionColumns+` FROM dispute_ai_decisions WHERE dispute_id = ?`,
		disputeID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateDecisionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.DecisionStatus, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dispute_ai_decisions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at, id,
	).Error
}

const consensusLogColumns = `id, dispute_id, run_id, stage, model_runs, aggregation_method,
	final_result, success_count, transcript, started_at, completed_at`

func (r *repo) InsertConsensusLog(ctx context.Context, db *gorm.DB, l *domain.ConsensusLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_ai_consensus_logs (`+consensusLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.DisputeID,
		l.RunID,
		l.Stage,
		l.ModelRuns,
		l.AggregationMethod,
		l.FinalResult,
		l.SuccessCount,
		l.Transcript,
		l.StartedAt,
		l.CompletedAt,
	).Error
}

func (r *repo) ListConsensusLogs(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]domain.ConsensusLog, error) {
	var items []domain.ConsensusLog
	err := db.WithContext(ctx).Raw(
		`SELECT `+consensusLogColumns+` FROM dispute_ai_consensus_logs
		WHERE dispute_id = ?
		ORDER BY started_at ASC, id ASC`,
		disputeID,
	).Scan(&items).Error
	return items, err
}

const settlementColumns = `id, dispute_id, source, source_ref_id, refund_bps, vendor_bps, amount_minor,
	refund_amount_minor, vendor_amount_minor, platform_fee_minor, penalty_fee_minor, penalized_party,
	currency, target_phase, status, refund_ref, release_ref, fee_ref, attempts, last_error,
	actor_type, actor_id, created_at, updated_at, completed_at`

func (r *repo) InsertSettlement(ctx context.Context, db *gorm.DB, s *domain.Settlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO dispute_settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dispute_id) DO NOTHING`,
		s.ID,
		s.DisputeID,
		string(s.Source),
		s.SourceRefID,
		s.RefundBps,
		s.VendorBps,
		s.AmountMinor,
		s.RefundAmountMinor,
		s.VendorAmountMinor,
		s.PlatformFeeMinor,
		s.PenaltyFeeMinor,
		s.PenalizedParty,
		s.Currency,
		string(s.TargetPhase),
		string(s.Status),
		s.RefundRef,
		s.ReleaseRef,
		s.FeeRef,
		s.Attempts,
		s.LastError,
		s.ActorType,
		s.ActorID,
		s.CreatedAt,
		s.UpdatedAt,
		s.CompletedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSettlement(ctx context.Context, db *gorm.DB, disputeID snowflake.ID, forUpdate bool) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM dispute_settlements WHERE dispute_id = ?`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var item domain.Settlement
	if err := db.WithContext(ctx).Raw(query, disputeID).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateSettlement(ctx context.Context, db *gorm.DB, s *domain.Settlement) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dispute_settlements
		SET status = ?, refund_ref = ?, release_ref = ?, fee_ref = ?, attempts = ?,
			last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(s.Status),
		s.RefundRef,
		s.ReleaseRef,
		s.FeeRef,
		s.Attempts,
		s.LastError,
		s.UpdatedAt,
		s.CompletedAt,
		s.ID,
	).Error
}

func (r *repo) ListPendingSettlements(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT dispute_id FROM dispute_settlements
		WHERE status = ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`,
		string(domain.SettlementStatusPending), normalizeLimit(limit),
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, filter domain.DueFilter) ([]snowflake.ID, error) {
	var (
		clauses = []string{"p.current_phase = ?", "d.status = ?"}
		args    = []any{string(filter.Phase), string(domain.StatusOpen)}
	)
	if filter.DeadlineBefore != nil {
		column, err := deadlineColumn(filter.Phase)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, "p."+column+" IS NOT NULL", "p."+column+" <= ?")
		args = append(args, *filter.DeadlineBefore)
	}
	if filter.MissingOptions {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM dispute_ai_options o WHERE o.dispute_id = p.dispute_id)")
	}
	clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM dispute_settlements s WHERE s.dispute_id = p.dispute_id)")
	args = append(args, normalizeLimit(filter.Limit))

	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT p.dispute_id
		FROM dispute_phases p
		JOIN disputes d ON d.id = p.dispute_id
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY p.updated_at ASC, p.dispute_id ASC
		LIMIT ?`,
		args...,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

func deadlineColumn(phase domain.Phase) (string, error) {
	switch phase {
	case domain.Phase1:
		return "phase1_deadline", nil
	case domain.Phase2:
		return "phase2_deadline", nil
	case domain.Phase3AI:
		return "phase3_review_deadline", nil
	default:
		return "", fmt.Errorf("no deadline for phase %s", phase)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func toIDs(values []int64) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(values))
	for _, v := range values {
		ids = append(ids, snowflake.ID(v))
	}
	return ids
}
