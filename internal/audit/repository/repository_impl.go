package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/arbiter/internal/audit/domain"
	"gorm.io/gorm"
)

type auditRepo struct{}

func Provide() domain.Repository {
	return auditRepo{}
}

// Insert goes through the model so the JSON metadata column is encoded by
// datatypes on both postgres and sqlite.
func (auditRepo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (auditRepo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	q := db.WithContext(ctx).
		Where(&domain.AuditLog{TargetType: filter.TargetType}).
		Where("target_id = ?", filter.TargetID)
	if action := strings.TrimSpace(filter.Action); action != "" {
		q = q.Where("action = ?", action)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []*domain.AuditLog
	err := q.Order("created_at").Order("id").Find(&rows).Error
	return rows, err
}
