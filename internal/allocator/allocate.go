package allocator

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/models"
)

// Allocate reserves one IP plus the requested ports for a server and records
// the allocation. Either everything is reserved or nothing is.
//
// Calling Allocate again for a server that already holds a live allocation
// returns that allocation and leaves the pools untouched.
func (a *Allocator) Allocate(ctx context.Context, serverID, hostID string, specs []models.PortRequirement) (*models.Allocation, error) {
	if serverID == "" || hostID == "" {
		return nil, errdefs.InvalidArgument("server and host are required")
	}
	if len(specs) == 0 {
		return nil, errdefs.InvalidArgument("at least one port requirement is required")
	}
	for _, s := range specs {
		if !s.Protocol.Valid() || s.Count < 1 {
			return nil, errdefs.InvalidArgument("invalid port requirement %d/%s", s.Count, s.Protocol)
		}
	}

	if existing, ok, err := a.existing(ctx, serverID, hostID); err != nil || ok {
		return existing, err
	}

	ip, err := a.reserveIP(ctx, hostID, serverID)
	if err != nil {
		return nil, err
	}

	var ports models.PortList
	for _, spec := range specs {
		reserved, err := a.reservePorts(ctx, hostID, spec.Protocol, spec.Count, serverID)
		if err != nil {
			a.freePorts(ctx, hostID, ports, serverID)
			a.freeIP(ctx, hostID, ip, serverID)
			return nil, err
		}
		for _, p := range reserved {
			ports = append(ports, models.PortBinding{Port: p, Protocol: spec.Protocol})
		}
	}

	alloc := &models.Allocation{
		ID:          models.GenerateID("alloc"),
		ServerID:    serverID,
		HostID:      hostID,
		IP:          ip,
		Ports:       ports,
		Status:      models.AllocationAllocated,
		AllocatedAt: a.now(),
	}
	inserted, err := a.store.InsertAllocation(ctx, alloc)
	if err != nil {
		a.freePorts(ctx, hostID, ports, serverID)
		a.freeIP(ctx, hostID, ip, serverID)
		return nil, err
	}
	if !inserted {
		// A concurrent Allocate for the same server won. Undo ours and
		// hand back theirs.
		a.freePorts(ctx, hostID, ports, serverID)
		a.freeIP(ctx, hostID, ip, serverID)
		winner, err := a.store.GetAllocationByServer(ctx, serverID)
		if err != nil {
			return nil, errors.Wrapf(err, "load concurrent allocation of server %s", serverID)
		}
		return winner, nil
	}

	a.logger.Info("allocation created",
		zap.String("server_id", serverID),
		zap.String("host_id", hostID),
		zap.String("ip", ip),
		zap.Int("ports", len(ports)))
	return alloc, nil
}

func (a *Allocator) existing(ctx context.Context, serverID, hostID string) (*models.Allocation, bool, error) {
	cur, err := a.store.GetAllocationByServer(ctx, serverID)
	if errdefs.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !cur.Live() {
		return nil, false, nil
	}
	if cur.HostID != hostID {
		return nil, false, errdefs.FailedPrecondition(
			"server %s already holds an allocation on host %s", serverID, cur.HostID)
	}
	return cur, true, nil
}

// ReleaseByServer frees the IP and ports of a server's allocation and marks
// it released. It is a no-op when there is nothing live to release.
func (a *Allocator) ReleaseByServer(ctx context.Context, serverID string) error {
	var released *models.Allocation
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		alloc, err := tx.LockAllocation(ctx, serverID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !alloc.Live() {
			return nil
		}

		ok, err := tx.FreeIP(ctx, alloc.HostID, alloc.IP, serverID)
		if err != nil {
			return err
		}
		if !ok {
			a.inconsistent(alloc, "ip "+alloc.IP)
		}
		for _, p := range releaseOrder(alloc.Ports) {
			ok, err := tx.FreePort(ctx, alloc.HostID, p.Port, p.Protocol, serverID)
			if err != nil {
				return err
			}
			if !ok {
				a.inconsistent(alloc, "port "+string(p.Protocol))
			}
		}
		if err := tx.MarkAllocationReleased(ctx, alloc.ID, a.now()); err != nil {
			return err
		}
		released = alloc
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "release allocation of server %s", serverID)
	}
	if released != nil {
		a.logger.Info("allocation released",
			zap.String("server_id", serverID), zap.String("host_id", released.HostID), zap.String("ip", released.IP))
	}
	return nil
}

// inconsistent reports a live allocation whose pool row was not held by its
// server. The release still proceeds.
func (a *Allocator) inconsistent(alloc *models.Allocation, what string) {
	a.logger.Error("allocation references a pool row it does not hold",
		zap.String("server_id", alloc.ServerID),
		zap.String("host_id", alloc.HostID),
		zap.String("row", what),
		zap.Error(errdefs.AllocationConflict("allocation %s out of sync with pool", alloc.ID)))
}

// ReleaseByHost frees every pool row and allocation of a host in one
// transaction. Used when a host is decommissioned.
func (a *Allocator) ReleaseByHost(ctx context.Context, hostID string) (storage.HostRelease, error) {
	var out storage.HostRelease
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ReleaseHost(ctx, hostID, a.now())
		return err
	})
	if err != nil {
		return storage.HostRelease{}, errors.Wrapf(err, "release host %s", hostID)
	}
	a.logger.Info("host released",
		zap.String("host_id", hostID),
		zap.Int64("allocations", out.Allocations),
		zap.Int64("ips", out.IPs),
		zap.Int64("ports", out.Ports))
	return out, nil
}

// ScanLeaks lists every live allocation. Deciding which ones are orphaned is
// up to the caller.
func (a *Allocator) ScanLeaks(ctx context.Context) ([]models.Leak, error) {
	allocs, err := a.store.ListAllocations(ctx, models.AllocationAllocated)
	if err != nil {
		return nil, err
	}
	leaks := make([]models.Leak, 0, len(allocs))
	for _, al := range allocs {
		leaks = append(leaks, models.Leak{ServerID: al.ServerID, HostID: al.HostID, IP: al.IP})
	}
	return leaks, nil
}
