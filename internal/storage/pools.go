package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

const poolBatchSize = 500

func (s *Storage) AddIPs(ctx context.Context, hostID string, addresses []string) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	rows := make([]models.IPPoolEntry, 0, len(addresses))
	for _, addr := range addresses {
		rows = append(rows, models.IPPoolEntry{
			ID:      models.GenerateID("ip"),
			HostID:  hostID,
			Address: addr,
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, poolBatchSize)
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "add ips to host %s", hostID)
	}
	return int(res.RowsAffected), nil
}

func (s *Storage) AddPorts(ctx context.Context, hostID string, proto models.Protocol, ports []int) (int, error) {
	if len(ports) == 0 {
		return 0, nil
	}
	rows := make([]models.PortPoolEntry, 0, len(ports))
	for _, p := range ports {
		rows = append(rows, models.PortPoolEntry{
			ID:       models.GenerateID("port"),
			HostID:   hostID,
			Port:     p,
			Protocol: proto,
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, poolBatchSize)
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "add ports to host %s", hostID)
	}
	return int(res.RowsAffected), nil
}

func (s *Storage) SetIPDisabled(ctx context.Context, hostID, address string, disabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.IPPoolEntry{}).
		Where("host_id = ? AND address = ?", hostID, address).
		Update("disabled", disabled)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "disable ip %s", address)
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFound("ip %s on host %s not found", address, hostID)
	}
	return nil
}

func (s *Storage) SetPortDisabled(ctx context.Context, hostID string, port int, proto models.Protocol, disabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.PortPoolEntry{}).
		Where("host_id = ? AND port = ? AND protocol = ?", hostID, port, proto).
		Update("disabled", disabled)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "disable port %d/%s", port, proto)
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFound("port %d/%s on host %s not found", port, proto, hostID)
	}
	return nil
}

func (s *Storage) ListIPs(ctx context.Context, hostID string) ([]*models.IPPoolEntry, error) {
	var rows []*models.IPPoolEntry
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("address::inet").Find(&rows).Error
	return rows, errors.Wrapf(err, "list ips of host %s", hostID)
}

func (s *Storage) ListPorts(ctx context.Context, hostID string) ([]*models.PortPoolEntry, error) {
	var rows []*models.PortPoolEntry
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("protocol, port").Find(&rows).Error
	return rows, errors.Wrapf(err, "list ports of host %s", hostID)
}

func (s *Storage) CountFree(ctx context.Context, hostID string) (FreeCounts, error) {
	var ips, ports int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.IPPoolEntry{}).
		Where("host_id = ? AND is_allocated = ? AND disabled = ?", hostID, false, false).
		Count(&ips).Error; err != nil {
		return FreeCounts{}, errors.Wrapf(err, "count free ips of host %s", hostID)
	}
	if err := db.Model(&models.PortPoolEntry{}).
		Where("host_id = ? AND is_allocated = ? AND disabled = ?", hostID, false, false).
		Count(&ports).Error; err != nil {
		return FreeCounts{}, errors.Wrapf(err, "count free ports of host %s", hostID)
	}
	return FreeCounts{IPs: int(ips), Ports: int(ports)}, nil
}

// pgTx implements Tx with row-level locks.
type pgTx struct {
	db *gorm.DB
}

// lockFree locks one free row. SKIP LOCKED keeps concurrent reservations on
// distinct rows instead of queueing them behind the same one.
func lockFree(db *gorm.DB, order Order, sequential string) *gorm.DB {
	q := db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("is_allocated = ? AND disabled = ?", false, false)
	if order == OrderRandom {
		return q.Order("random()")
	}
	return q.Order(sequential)
}

func (t *pgTx) LockFreeIP(ctx context.Context, hostID string, order Order) (*models.IPPoolEntry, error) {
	var row models.IPPoolEntry
	err := lockFree(t.db.WithContext(ctx), order, "address::inet").
		Where("host_id = ?", hostID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoFreeRow
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock free ip on host %s", hostID)
	}
	return &row, nil
}

func (t *pgTx) LockFreePort(ctx context.Context, hostID string, proto models.Protocol, order Order) (*models.PortPoolEntry, error) {
	var row models.PortPoolEntry
	err := lockFree(t.db.WithContext(ctx), order, "port").
		Where("host_id = ? AND protocol = ?", hostID, proto).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoFreeRow
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock free %s port on host %s", proto, hostID)
	}
	return &row, nil
}

func owner(serverID string) interface{} {
	if serverID == "" {
		return nil
	}
	return serverID
}

func claim(ctx context.Context, db *gorm.DB, model interface{}, id, serverID string, at time.Time) error {
	res := db.WithContext(ctx).Model(model).
		Where("id = ? AND is_allocated = ?", id, false).
		Updates(map[string]interface{}{
			"is_allocated": true,
			"server_id":    owner(serverID),
			"allocated_at": at,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "claim pool row %s", id)
	}
	if res.RowsAffected != 1 {
		return errdefs.AllocationConflict("pool row %s was allocated while locked", id)
	}
	return nil
}

func (t *pgTx) ClaimIP(ctx context.Context, id, serverID string, at time.Time) error {
	return claim(ctx, t.db, &models.IPPoolEntry{}, id, serverID, at)
}

func (t *pgTx) ClaimPort(ctx context.Context, id, serverID string, at time.Time) error {
	return claim(ctx, t.db, &models.PortPoolEntry{}, id, serverID, at)
}

var freed = map[string]interface{}{
	"is_allocated": false,
	"server_id":    nil,
	"allocated_at": nil,
}

func ownedBy(q *gorm.DB, serverID string) *gorm.DB {
	if serverID == "" {
		return q.Where("server_id IS NULL")
	}
	return q.Where("server_id = ?", serverID)
}

func (t *pgTx) FreeIP(ctx context.Context, hostID, address, serverID string) (bool, error) {
	q := t.db.WithContext(ctx).Model(&models.IPPoolEntry{}).
		Where("host_id = ? AND address = ? AND is_allocated = ?", hostID, address, true)
	res := ownedBy(q, serverID).Updates(freed)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "free ip %s", address)
	}
	return res.RowsAffected > 0, nil
}

func (t *pgTx) FreePort(ctx context.Context, hostID string, port int, proto models.Protocol, serverID string) (bool, error) {
	q := t.db.WithContext(ctx).Model(&models.PortPoolEntry{}).
		Where("host_id = ? AND port = ? AND protocol = ? AND is_allocated = ?", hostID, port, proto, true)
	res := ownedBy(q, serverID).Updates(freed)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "free port %d/%s", port, proto)
	}
	return res.RowsAffected > 0, nil
}

func (t *pgTx) LockAllocation(ctx context.Context, serverID string) (*models.Allocation, error) {
	var a models.Allocation
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&a, "server_id = ?", serverID).Error
	if err != nil {
		return nil, notFound(err, "allocation of server", serverID)
	}
	return &a, nil
}

func (t *pgTx) MarkAllocationReleased(ctx context.Context, id string, at time.Time) error {
	res := t.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.AllocationReleased, "released_at": at})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "release allocation %s", id)
	}
	return nil
}

func (t *pgTx) ReleaseHost(ctx context.Context, hostID string, at time.Time) (HostRelease, error) {
	var out HostRelease
	db := t.db.WithContext(ctx)

	res := db.Model(&models.Allocation{}).
		Where("host_id = ? AND status = ?", hostID, models.AllocationAllocated).
		Updates(map[string]interface{}{"status": models.AllocationReleased, "released_at": at})
	if res.Error != nil {
		return out, errors.Wrapf(res.Error, "release allocations of host %s", hostID)
	}
	out.Allocations = res.RowsAffected

	res = db.Model(&models.IPPoolEntry{}).
		Where("host_id = ? AND is_allocated = ?", hostID, true).
		Updates(freed)
	if res.Error != nil {
		return out, errors.Wrapf(res.Error, "release ips of host %s", hostID)
	}
	out.IPs = res.RowsAffected

	res = db.Model(&models.PortPoolEntry{}).
		Where("host_id = ? AND is_allocated = ?", hostID, true).
		Updates(freed)
	if res.Error != nil {
		return out, errors.Wrapf(res.Error, "release ports of host %s", hostID)
	}
	out.Ports = res.RowsAffected
	return out, nil
}
