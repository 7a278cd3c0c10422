package servers

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/models"
)

// RegisterHost records a new host. New hosts start offline unless a status
// is given; the heartbeat monitor brings them online.
func (s *Service) RegisterHost(ctx context.Context, req RegisterHostRequest) (*models.Host, error) {
	if err := s.validator.Struct(req).Err(); err != nil {
		return nil, err
	}
	if req.Capacity.CPU <= 0 || req.Capacity.Memory <= 0 || req.Capacity.Disk <= 0 {
		return nil, errdefs.InvalidArgument("host capacity must be positive")
	}
	h := &models.Host{
		ID:          req.ID,
		Name:        req.Name,
		Address:     req.Address,
		DaemonURL:   req.DaemonURL,
		DaemonToken: req.DaemonToken,
		Datacenter:  req.Datacenter,
		Capacity:    req.Capacity,
		Status:      req.Status,
	}
	if h.ID == "" {
		h.ID = models.GenerateID("host")
	}
	if h.Status == "" {
		h.Status = models.HostOffline
	}
	if err := s.store.CreateHost(ctx, h); err != nil {
		return nil, errors.Wrap(err, "register host")
	}
	s.logger.Info("host registered", zap.String("host_id", h.ID), zap.String("address", h.Address))
	return h, nil
}

func (s *Service) GetHost(ctx context.Context, id string) (*models.Host, error) {
	return s.store.GetHost(ctx, id)
}

func (s *Service) ListHosts(ctx context.Context, status models.HostStatus) ([]*models.Host, error) {
	return s.store.ListHosts(ctx, status)
}

// SetHostStatus toggles a host and stamps its heartbeat.
func (s *Service) SetHostStatus(ctx context.Context, id string, status models.HostStatus) (*models.Host, error) {
	if !status.Valid() {
		return nil, errdefs.InvalidArgument("unknown host status %q", status)
	}
	if err := s.store.UpdateHostStatus(ctx, id, status, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.store.GetHost(ctx, id)
}

// AddPools bulk-inserts IP and port rows for a host.
func (s *Service) AddPools(ctx context.Context, hostID string, req PoolRequest) (*PoolResult, error) {
	if len(req.IPs) == 0 && len(req.Ports) == 0 {
		return nil, errdefs.InvalidArgument("no IPs or ports given")
	}
	if err := s.validator.Struct(req).Err(); err != nil {
		return nil, err
	}
	if err := s.validator.IPs(req.IPs).Err(); err != nil {
		return nil, err
	}
	for i, r := range req.Ports {
		if err := s.validator.PortRange(fmt.Sprintf("ports[%d]", i), r.Start, r.End).Err(); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.GetHost(ctx, hostID); err != nil {
		return nil, err
	}

	res := &PoolResult{}
	if len(req.IPs) > 0 {
		n, err := s.store.AddIPs(ctx, hostID, req.IPs)
		if err != nil {
			return nil, errors.Wrap(err, "add IPs")
		}
		res.IPs = n
	}
	for _, r := range req.Ports {
		ports := make([]int, 0, r.End-r.Start+1)
		for p := r.Start; p <= r.End; p++ {
			ports = append(ports, p)
		}
		n, err := s.store.AddPorts(ctx, hostID, r.Protocol, ports)
		if err != nil {
			return nil, errors.Wrapf(err, "add %s ports %d-%d", r.Protocol, r.Start, r.End)
		}
		res.Ports += n
	}
	s.logger.Info("pools extended", zap.String("host_id", hostID), zap.Int("ips", res.IPs), zap.Int("ports", res.Ports))
	return res, nil
}

// Capacity is checkCapacity for one host.
func (s *Service) Capacity(ctx context.Context, hostID string, req models.Resources) (*capacity.Report, error) {
	return s.planner.CheckCapacity(ctx, hostID, req)
}

// Placement is findBestHost.
func (s *Service) Placement(ctx context.Context, req models.Resources) (*capacity.Candidate, error) {
	return s.planner.FindBestHost(ctx, req)
}

// ReleaseHost frees every reservation of a host, for decommissioning.
func (s *Service) ReleaseHost(ctx context.Context, hostID string) (storage.HostRelease, error) {
	if _, err := s.store.GetHost(ctx, hostID); err != nil {
		return storage.HostRelease{}, err
	}
	return s.releaser.ReleaseByHost(ctx, hostID)
}
