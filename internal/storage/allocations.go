package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm/clause"

	"evalgo.org/gameforge/models"
)

// InsertAllocation relies on the unique server_id index: a conflicting live
// row leaves the statement without effect, a released row is overwritten.
func (s *Storage) InsertAllocation(ctx context.Context, a *models.Allocation) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "host_id", "ip", "ports", "status", "allocated_at", "released_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: "allocations", Name: "status"},
				Value:  models.AllocationReleased,
			},
		}},
	}).Create(a)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "insert allocation for server %s", a.ServerID)
	}
	return res.RowsAffected == 1, nil
}

func (s *Storage) GetAllocationByServer(ctx context.Context, serverID string) (*models.Allocation, error) {
	var a models.Allocation
	if err := s.db.WithContext(ctx).Take(&a, "server_id = ?", serverID).Error; err != nil {
		return nil, notFound(err, "allocation of server", serverID)
	}
	return &a, nil
}

func (s *Storage) ListAllocations(ctx context.Context, status models.AllocationStatus) ([]*models.Allocation, error) {
	q := s.db.WithContext(ctx).Order("allocated_at")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*models.Allocation
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list allocations")
	}
	return out, nil
}
