package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/config"
	"github.com/smallbiznis/arbiter/internal/consensus"
	"github.com/smallbiznis/arbiter/internal/dispute/domain"
	"github.com/smallbiznis/arbiter/internal/notification"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/internal/providers/pdf"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"github.com/smallbiznis/arbiter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Policy       config.PolicySource
	Repo         domain.Repository
	Bookings     booking.Directory
	Authz        authorization.Service
	Orchestrator *consensus.Orchestrator
	Executor     *settlement.Executor
	Notifier     notification.Notifier `optional:"true"`
	PDF          pdf.Provider          `optional:"true"`
	AuditSvc     auditdomain.Service   `optional:"true"`
	Metrics      *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	policy       config.PolicySource
	repo         domain.Repository
	bookings     booking.Directory
	authz        authorization.Service
	orchestrator *consensus.Orchestrator
	executor     *settlement.Executor
	notifier     notification.Notifier
	pdf          pdf.Provider
	auditSvc     auditdomain.Service
	metrics      *obsmetrics.Metrics

	generation singleflight.Group
}

func NewService(p Params) domain.Service {
	return New(p)
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("dispute.service"),
		genID:        p.GenID,
		clock:        clk,
		policy:       p.Policy,
		repo:         p.Repo,
		bookings:     p.Bookings,
		authz:        p.Authz,
		orchestrator: p.Orchestrator,
		executor:     p.Executor,
		notifier:     notifier,
		pdf:          p.PDF,
		auditSvc:     p.AuditSvc,
		metrics:      p.Metrics,
	}
}

// state is everything a mutation needs, read under the dispute_phases row lock.
type state struct {
	dispute    *domain.Dispute
	phases     *domain.DisputePhases
	settlement *domain.Settlement
	parties    domain.Parties
	role       domain.Party
	now        time.Time
}

func (st *state) conflict(err error, message string) error {
	return domain.NewConflictError(err, st.phases.CurrentPhase, st.dispute.Status, message)
}

// ensureOpen rejects mutations on resolved disputes and while funds are moving.
func (st *state) ensureOpen() error {
	if st.dispute.Status == domain.StatusClosed || st.phases.CurrentPhase.Terminal() {
		return st.conflict(domain.ErrDisputeClosed, "dispute is resolved")
	}
	if st.settlement != nil {
		return st.conflict(domain.ErrSettlementPending, "a settlement is in progress")
	}
	return nil
}

func (st *state) requirePhase(phase domain.Phase) error {
	if st.phases.CurrentPhase != phase {
		return st.conflict(domain.ErrPhaseMismatch, fmt.Sprintf("operation requires %s", phase))
	}
	return nil
}

// settledFrom is true when the existing settlement was created from ref.
func (st *state) settledFrom(ref snowflake.ID) bool {
	return st.settlement != nil && st.settlement.SourceRefID != nil && *st.settlement.SourceRefID == ref
}

// settledBy is true when actor created the existing settlement.
func (st *state) settledBy(actor domain.Actor) bool {
	return st.settlement != nil && st.settlement.ActorID != nil && !actor.IsSystem() && *st.settlement.ActorID == actor.ID
}

// requireParty fails unless the actor is the customer or vendor of the booking.
func (st *state) requireParty(actor domain.Actor) error {
	if actor.IsSystem() {
		return &domain.AuthorizationError{Message: "operation requires a dispute party", Err: domain.ErrNotParty}
	}
	if st.role == "" {
		return &domain.AuthorizationError{Err: domain.ErrNotParty}
	}
	return nil
}

// lock loads the dispute with its phases row locked and re-derives the parties.
func (s *Service) lock(ctx context.Context, tx *gorm.DB, disputeID snowflake.ID, actor domain.Actor) (*state, error) {
	phases, err := s.repo.FindPhases(ctx, tx, disputeID, true)
	if err != nil {
		if db.IsLockContention(err) {
			return nil, domain.NewConflictError(domain.ErrDisputeBusy, "", "", "dispute is being updated, retry")
		}
		return nil, err
	}
	if phases == nil {
		return nil, domain.ErrNotFound
	}
	d, err := s.repo.FindDispute(ctx, tx, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrNotFound
	}
	settle, err := s.repo.FindSettlement(ctx, tx, disputeID, true)
	if err != nil {
		return nil, err
	}
	parties, err := s.parties(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	st := &state{
		dispute:    d,
		phases:     phases,
		settlement: settle,
		parties:    parties,
		now:        s.clock.Now(),
	}
	if !actor.IsSystem() {
		st.role = parties.PartyOf(actor.ID)
	}
	return st, nil
}

// read loads the same state without locking.
func (s *Service) read(ctx context.Context, disputeID snowflake.ID, actor domain.Actor) (*state, error) {
	d, err := s.repo.FindDispute(ctx, s.db, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrNotFound
	}
	phases, err := s.repo.FindPhases(ctx, s.db, disputeID, false)
	if err != nil {
		return nil, err
	}
	if phases == nil {
		return nil, domain.ErrNotFound
	}
	settle, err := s.repo.FindSettlement(ctx, s.db, disputeID, false)
	if err != nil {
		return nil, err
	}
	parties, err := s.parties(ctx, s.db, d)
	if err != nil {
		return nil, err
	}
	st := &state{dispute: d, phases: phases, settlement: settle, parties: parties, now: s.clock.Now()}
	if !actor.IsSystem() {
		st.role = parties.PartyOf(actor.ID)
	}
	return st, nil
}

func (s *Service) parties(ctx context.Context, db *gorm.DB, d *domain.Dispute) (domain.Parties, error) {
	b, err := s.bookings.Get(ctx, db, d.BookingID)
	if err != nil {
		return domain.Parties{}, err
	}
	return domain.Parties{
		DisputeID:     d.ID,
		BookingID:     b.ID,
		CustomerID:    b.CustomerID,
		VendorID:      b.VendorID,
		CustomerEmail: b.CustomerEmail,
		VendorEmail:   b.VendorEmail,
	}, nil
}

// transition applies event to the locked phases row and appends the history entry.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, st *state, event domain.Event, actor domain.Actor, mutate func(p *domain.DisputePhases)) (domain.Phase, error) {
	from := st.phases.CurrentPhase
	to, err := domain.Next(from, event)
	if err != nil {
		return "", st.conflict(err, "")
	}

	expected := st.phases.Version
	next := *st.phases
	next.CurrentPhase = to
	next.UpdatedAt = st.now
	if mutate != nil {
		mutate(&next)
	}
	ok, err := s.repo.UpdatePhases(ctx, tx, &next, expected)
	if err != nil {
		return "", err
	}
	if !ok {
		current, err := s.repo.FindPhases(ctx, tx, st.dispute.ID, false)
		if err != nil {
			return "", err
		}
		phase := from
		if current != nil {
			phase = current.CurrentPhase
		}
		return "", domain.NewConflictError(domain.ErrPhaseMismatch, phase, st.dispute.Status, "dispute changed concurrently")
	}
	if err := s.repo.InsertTransition(ctx, tx, &domain.PhaseTransition{
		ID:         s.genID.Generate(),
		DisputeID:  st.dispute.ID,
		FromPhase:  from,
		ToPhase:    to,
		Event:      event,
		ActorType:  actor.Type,
		ActorID:    actor.IDPtr(),
		OccurredAt: st.now,
	}); err != nil {
		return "", err
	}
	*st.phases = next
	return from, nil
}

// authorize maps the casbin decision onto the dispute error taxonomy.
func (s *Service) authorize(ctx context.Context, actor domain.Actor, scope authorization.Scope, object, action string) error {
	if !actor.IsSystem() && actor.ID == "" {
		return &domain.AuthorizationError{Message: "missing user identity", Err: authorization.ErrInvalidActor}
	}
	err := s.authz.Authorize(ctx, actor.String(), scope, object, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrForbidden):
		return &domain.AuthorizationError{Err: domain.ErrNotParty}
	case errors.Is(err, authorization.ErrInvalidActor):
		return &domain.AuthorizationError{Message: "invalid actor", Err: err}
	default:
		return err
	}
}

// load parses the id, confirms the dispute exists and checks the action.
func (s *Service) load(ctx context.Context, actor domain.Actor, rawID string, action string) (snowflake.ID, error) {
	id, err := parseID(rawID, "dispute_id")
	if err != nil {
		return 0, err
	}
	d, err := s.repo.FindDispute(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return 0, domain.ErrNotFound
	}
	if err := s.authorize(ctx, actor, authorization.DisputeScope(id.String()), authorization.ObjectDispute, action); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Service) audit(ctx context.Context, actor domain.Actor, action string, disputeID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := disputeID.String()
	if err := s.auditSvc.AuditLog(ctx, actor.Type, actor.IDPtr(), action, "dispute", &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, st *state, subject, headline, body string, deadline *time.Time, recipients ...domain.Party) {
	if len(recipients) == 0 {
		recipients = []domain.Party{domain.PartyCustomer, domain.PartyVendor}
	}
	to := make([]string, 0, len(recipients))
	for _, party := range recipients {
		switch party {
		case domain.PartyCustomer:
			to = append(to, st.parties.CustomerEmail)
		case domain.PartyVendor:
			to = append(to, st.parties.VendorEmail)
		}
	}
	s.notifier.Notify(ctx, notification.Notice{
		DisputeID:  st.dispute.ID.String(),
		BookingID:  st.dispute.BookingID,
		Phase:      string(st.phases.CurrentPhase),
		Subject:    subject,
		Headline:   headline,
		Body:       body,
		Deadline:   deadline,
		Recipients: to,
	})
}

func (s *Service) snapshot(ctx context.Context, disputeID snowflake.ID) (*domain.Snapshot, error) {
	st, err := s.read(ctx, disputeID, domain.SystemActor())
	if err != nil {
		return nil, err
	}
	return &domain.Snapshot{Dispute: *st.dispute, Phases: *st.phases, Settlement: st.settlement}, nil
}

func parseID(raw string, field string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, domain.NewValidationError(field, "is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError(field, "must be a valid id")
	}
	return id, nil
}

func validateEvidenceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.NewValidationError("url", "is required")
	}
	if len(raw) > 2048 {
		return "", domain.NewValidationError("url", "is too long")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", domain.NewValidationError("url", "must be an absolute http(s) url")
	}
	return u.String(), nil
}
