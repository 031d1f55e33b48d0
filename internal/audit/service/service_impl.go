package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/clock"
	obscontext "github.com/smallbiznis/arbiter/internal/observability/context"
	"github.com/smallbiznis/arbiter/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxListLimit caps one page of a dispute's audit trail.
const maxListLimit = 500

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

// AuditLog appends one row. A blank actor type falls back to the actor on
// the request context, then to system; request and correlation ids are
// picked up from ctx.
func (s *Service) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	entry := &auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		Action:     action,
		TargetType: orDefault(strings.TrimSpace(targetType), "unknown"),
		TargetID:   trimmedPtr(targetID),
		Metadata:   entryMetadata(ctx, metadata),
		RequestID:  trimmedPtr(ptr(obscontext.RequestIDFromContext(ctx))),
		CreatedAt:  s.clock.Now().UTC(),
	}
	entry.ActorType, entry.ActorID = actorFor(ctx, strings.TrimSpace(actorType), trimmedPtr(actorID))

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Warn("audit insert failed",
			zap.String("action", action),
			zap.String("target_type", entry.TargetType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// ListForTarget returns a target's trail oldest first.
func (s *Service) ListForTarget(ctx context.Context, targetType, targetID string, limit int) ([]auditdomain.AuditLog, error) {
	filter := auditdomain.ListFilter{
		TargetType: strings.TrimSpace(targetType),
		TargetID:   strings.TrimSpace(targetID),
		Limit:      limit,
	}
	if filter.TargetType == "" || filter.TargetID == "" {
		return nil, auditdomain.ErrInvalidTarget
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	out := make([]auditdomain.AuditLog, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

func entryMetadata(ctx context.Context, metadata map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range metadata {
		if key != "" {
			out[key] = value
		}
	}
	for key, value := range correlation.Metadata(ctx) {
		if _, taken := out[key]; !taken {
			out[key] = value
		}
	}
	return out
}

func actorFor(ctx context.Context, actorType string, actorID *string) (string, *string) {
	if actorType != "" {
		return actorType, actorID
	}
	ctxType, ctxID := obscontext.ActorFromContext(ctx)
	if ctxType == "" {
		return string(auditdomain.ActorTypeSystem), actorID
	}
	if actorID == nil {
		actorID = trimmedPtr(&ctxID)
	}
	return ctxType, actorID
}

func ptr(s string) *string { return &s }

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
