package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

func (s *Storage) CreateServer(ctx context.Context, srv *models.Server) error {
	err := s.db.WithContext(ctx).Create(srv).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errdefs.InvalidArgument("server %s already exists", srv.ID)
	}
	return errors.Wrapf(err, "create server %s", srv.ID)
}

func (s *Storage) GetServer(ctx context.Context, id string) (*models.Server, error) {
	var srv models.Server
	if err := s.db.WithContext(ctx).Take(&srv, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "server", id)
	}
	return &srv, nil
}

func (s *Storage) SaveServer(ctx context.Context, srv *models.Server) error {
	return errors.Wrapf(s.db.WithContext(ctx).Save(srv).Error, "save server %s", srv.ID)
}

func (s *Storage) ListServers(ctx context.Context, f models.ServerFilter) ([]*models.Server, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.HostID != "" {
		q = q.Where("host_id = ?", f.HostID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	} else if !f.IncludeDeleted {
		q = q.Where("status <> ?", models.ServerDeleted)
	}
	var out []*models.Server
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list servers")
	}
	return out, nil
}

func (s *Storage) UsedResources(ctx context.Context, hostID string) (models.Resources, error) {
	var used models.Resources
	err := s.db.WithContext(ctx).Model(&models.Server{}).
		Select("COALESCE(SUM(limit_cpu), 0) AS cpu, COALESCE(SUM(limit_memory), 0) AS memory, COALESCE(SUM(limit_disk), 0) AS disk").
		Where("host_id = ? AND status NOT IN ?", hostID, []models.ServerStatus{models.ServerDeleted, models.ServerFailed}).
		Scan(&used).Error
	if err != nil {
		return models.Resources{}, errors.Wrapf(err, "sum server limits on host %s", hostID)
	}
	return used, nil
}
