package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

func (s *Storage) CreateHost(ctx context.Context, h *models.Host) error {
	err := s.db.WithContext(ctx).Create(h).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errdefs.InvalidArgument("host %s already exists", h.ID)
	}
	return errors.Wrapf(err, "create host %s", h.ID)
}

func (s *Storage) GetHost(ctx context.Context, id string) (*models.Host, error) {
	var h models.Host
	if err := s.db.WithContext(ctx).Take(&h, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "host", id)
	}
	return &h, nil
}

func (s *Storage) ListHosts(ctx context.Context, status models.HostStatus) ([]*models.Host, error) {
	q := s.db.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var hosts []*models.Host
	if err := q.Find(&hosts).Error; err != nil {
		return nil, errors.Wrap(err, "list hosts")
	}
	return hosts, nil
}

func (s *Storage) UpdateHostStatus(ctx context.Context, id string, status models.HostStatus, heartbeat time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Host{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "last_heartbeat": heartbeat})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update host %s", id)
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFound("host %s not found", id)
	}
	return nil
}
