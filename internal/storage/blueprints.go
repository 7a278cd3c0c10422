package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"evalgo.org/gameforge/models"
)

func (s *Storage) SaveBlueprint(ctx context.Context, b *models.Blueprint) error {
	return errors.Wrapf(s.db.WithContext(ctx).Save(b).Error, "save blueprint %s", b.ID)
}

func (s *Storage) GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error) {
	var b models.Blueprint
	if err := s.db.WithContext(ctx).Take(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "blueprint", id)
	}
	return &b, nil
}

func (s *Storage) ListBlueprints(ctx context.Context) ([]*models.Blueprint, error) {
	var out []*models.Blueprint
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list blueprints")
	}
	return out, nil
}
