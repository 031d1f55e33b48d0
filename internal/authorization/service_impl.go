package authorization

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// principal is an actor string resolved against a scope.
type principal struct {
	subject   string
	role      string
	actorType string
	actorID   *string
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, scope Scope, object string, action string) error {
	actor = strings.TrimSpace(actor)
	scope = Scope{Kind: strings.TrimSpace(scope.Kind), ID: strings.TrimSpace(scope.ID)}
	object = strings.TrimSpace(object)
	action = strings.TrimSpace(action)

	switch {
	case actor == "":
		return ErrInvalidActor
	case scope.ID == "" || (scope.Kind != ScopeBooking && scope.Kind != ScopeDispute):
		return ErrInvalidScope
	case object == "":
		return ErrInvalidObject
	case action == "":
		return ErrInvalidAction
	}

	p, err := s.resolve(ctx, actor, scope)
	if err != nil {
		if p.actorType != "" {
			s.record(ctx, p, scope, object, action, "authorization.denied")
		}
		return err
	}

	dom := scope.Kind + ":" + scope.ID
	if err := s.bindRole(p, dom); err != nil {
		return err
	}
	allowed, err := s.enforcer.Enforce(p.subject, dom, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", p.subject),
			zap.String("domain", dom),
			zap.String("action", action),
		)
		s.record(ctx, p, scope, object, action, "authorization.denied")
		return ErrForbidden
	}
	if auditedGrant(action) {
		s.record(ctx, p, scope, object, action, "authorization.granted")
	}
	return nil
}

// RoleFor looks the user up on the booking behind the scope.
func (s *ServiceImpl) RoleFor(ctx context.Context, userID string, scope Scope) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidActor
	}

	q := s.db.WithContext(ctx).Table("bookings AS b").Select("b.customer_id, b.vendor_id")
	switch scope.Kind {
	case ScopeBooking:
		q = q.Where("b.id = ?", scope.ID)
	case ScopeDispute:
		q = q.Joins("JOIN disputes d ON d.booking_id = b.id").Where("d.id = ?", scope.ID)
	default:
		return "", ErrInvalidScope
	}

	var parties struct {
		CustomerID string
		VendorID   string
	}
	if err := q.Limit(1).Scan(&parties).Error; err != nil {
		return "", err
	}
	switch userID {
	case parties.CustomerID:
		return "customer", nil
	case parties.VendorID:
		return "vendor", nil
	}
	return "", ErrForbidden
}

func (s *ServiceImpl) resolve(ctx context.Context, actor string, scope Scope) (principal, error) {
	if actor == "system" {
		return principal{subject: actor, role: roleSystem, actorType: "system"}, nil
	}
	userID, ok := strings.CutPrefix(actor, "user:")
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		return principal{}, ErrInvalidActor
	}
	p := principal{subject: actor, actorType: "user", actorID: &userID}
	role, err := s.RoleFor(ctx, userID, scope)
	if err != nil {
		return p, err
	}
	p.role = "role:" + role
	return p, nil
}

// bindRole keeps exactly one role link per subject and domain.
func (s *ServiceImpl) bindRole(p principal, dom string) error {
	has, err := s.enforcer.HasGroupingPolicy(p.subject, p.role, dom)
	if err != nil || has {
		return err
	}
	if _, err := s.enforcer.RemoveFilteredGroupingPolicy(0, p.subject, "", dom); err != nil {
		return err
	}
	_, err = s.enforcer.AddGroupingPolicy(p.subject, p.role, dom)
	return err
}

func (s *ServiceImpl) record(ctx context.Context, p principal, scope Scope, object, action, outcome string) {
	if s.auditSvc == nil {
		return
	}
	target := scope.ID
	if err := s.auditSvc.AuditLog(ctx, p.actorType, p.actorID, outcome, scope.Kind, &target, map[string]any{
		"object":  object,
		"action":  action,
		"subject": p.subject,
	}); err != nil {
		s.log.Warn("authorization audit failed", zap.String("outcome", outcome), zap.Error(err))
	}
}

// auditedGrant lists the actions whose approvals are worth a row: the ones
// that move money or end a dispute.
func auditedGrant(action string) bool {
	switch action {
	case ActionExternalChoose, ActionDecisionAccept, ActionSchedulerRun:
		return true
	}
	return false
}
