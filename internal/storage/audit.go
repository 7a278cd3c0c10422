package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"evalgo.org/gameforge/models"
)

func (s *Storage) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	return errors.Wrapf(s.db.WithContext(ctx).Create(e).Error, "append audit entry for %s", e.ServerID)
}

func (s *Storage) ListAudit(ctx context.Context, serverID string, limit int) ([]*models.AuditEntry, error) {
	q := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*models.AuditEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "list audit of %s", serverID)
	}
	return out, nil
}
