package servers

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/models"
)

// SaveBlueprint validates and stores a blueprint, replacing one with the
// same id.
func (s *Service) SaveBlueprint(ctx context.Context, bp *models.Blueprint) error {
	if err := s.validator.Blueprint(bp).Err(); err != nil {
		return err
	}
	if err := s.store.SaveBlueprint(ctx, bp); err != nil {
		return errors.Wrapf(err, "save blueprint %s", bp.ID)
	}
	s.logger.Info("blueprint saved", zap.String("blueprint_id", bp.ID))
	return nil
}

// ImportBlueprint parses a YAML or JSON blueprint document and stores it.
func (s *Service) ImportBlueprint(ctx context.Context, data []byte) (*models.Blueprint, error) {
	bp, res := s.validator.ParseBlueprint(data)
	if err := res.Err(); err != nil {
		return nil, err
	}
	if err := s.store.SaveBlueprint(ctx, bp); err != nil {
		return nil, errors.Wrapf(err, "save blueprint %s", bp.ID)
	}
	s.logger.Info("blueprint imported", zap.String("blueprint_id", bp.ID))
	return bp, nil
}

func (s *Service) GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error) {
	return s.store.GetBlueprint(ctx, id)
}

func (s *Service) ListBlueprints(ctx context.Context) ([]*models.Blueprint, error) {
	return s.store.ListBlueprints(ctx)
}
