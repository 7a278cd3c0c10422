package servers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/lock"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

const (
	placementLockTTL     = 10 * time.Second
	placementLockRetries = 300
)

// CreateServer places and records a new server and queues its install. The
// returned server is in status installing.
func (s *Service) CreateServer(ctx context.Context, req CreateServerRequest) (*models.Server, string, error) {
	if err := s.validator.Struct(req).Err(); err != nil {
		return nil, "", err
	}
	if req.TenantID == "" {
		return nil, "", errdefs.InvalidArgument("tenant is required")
	}
	bp, err := s.store.GetBlueprint(ctx, req.BlueprintID)
	if err != nil {
		return nil, "", err
	}
	if err := checkLimits(bp, req.Limits); err != nil {
		return nil, "", err
	}
	if err := checkEnvironment(bp, req.Environment); err != nil {
		return nil, "", err
	}

	hostID, err := s.place(ctx, req.HostID, req.Limits)
	if err != nil {
		return nil, "", err
	}
	lease, err := s.lockHost(ctx, hostID)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("could not release placement lock", zap.String("host_id", hostID), zap.Error(rerr))
		}
	}()
	// Another create may have taken the room since place looked.
	report, err := s.planner.CheckCapacity(ctx, hostID, req.Limits)
	if err != nil {
		return nil, "", err
	}
	if err := report.Err(); err != nil {
		return nil, "", err
	}

	srv := &models.Server{
		ID:            models.GenerateID("srv"),
		TenantID:      req.TenantID,
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		HostID:        hostID,
		BlueprintID:   bp.ID,
		Limits:        req.Limits,
		Environment:   models.EnvVars(req.Environment),
		Status:        models.ServerInstalling,
		InstallStatus: models.InstallPending,
	}
	if err := s.store.CreateServer(ctx, srv); err != nil {
		return nil, "", errors.Wrap(err, "create server")
	}

	jobID, err := s.enqueue(ctx, queue.InstallServer{
		ServerID:    srv.ID,
		BlueprintID: bp.ID,
		HostID:      hostID,
	})
	if err != nil {
		srv.Status = models.ServerFailed
		srv.InstallStatus = models.InstallFailed
		if serr := s.store.SaveServer(context.WithoutCancel(ctx), srv); serr != nil {
			s.logger.Error("could not mark unqueued server failed", zap.String("server_id", srv.ID), zap.Error(serr))
		}
		return nil, "", errors.Wrap(err, "queue install")
	}
	return srv, jobID, nil
}

// lockHost holds the placement lease of a host from the capacity check until
// the server row is written.
func (s *Service) lockHost(ctx context.Context, hostID string) (lock.Lease, error) {
	var lease lock.Lease
	op := func() error {
		l, err := s.hosts.Acquire(ctx, "placement:"+hostID, placementLockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		lease = l
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), placementLockRetries),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, errdefs.FailedPrecondition("host %s is busy placing another server", hostID)
		}
		return nil, errors.Wrapf(err, "lock host %s for placement", hostID)
	}
	return lease, nil
}

// place picks the host of a new server. An explicit host must be online and
// have room; otherwise the planner picks the best online host.
func (s *Service) place(ctx context.Context, hostID string, limits models.Resources) (string, error) {
	if hostID == "" {
		best, err := s.planner.FindBestHost(ctx, limits)
		if err != nil {
			return "", err
		}
		return best.HostID, nil
	}
	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return "", err
	}
	if host.Status != models.HostOnline {
		return "", errors.WithHint(
			errdefs.FailedPrecondition("host %s is %s", host.ID, host.Status),
			fmt.Sprintf("Host %s is not accepting servers", host.Name),
		)
	}
	report, err := s.planner.CheckCapacity(ctx, hostID, limits)
	if err != nil {
		return "", err
	}
	return hostID, report.Err()
}

// UpdateServer queues new limits and/or environment for a server.
func (s *Service) UpdateServer(ctx context.Context, tenantID, id string, req UpdateServerRequest) (string, error) {
	if req.Limits == nil && len(req.Environment) == 0 {
		return "", errdefs.InvalidArgument("nothing to update")
	}
	srv, err := s.GetServer(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	bp, err := s.store.GetBlueprint(ctx, srv.BlueprintID)
	if err != nil {
		return "", err
	}
	if err := checkEnvironment(bp, req.Environment); err != nil {
		return "", err
	}
	if req.Limits != nil {
		if err := checkLimits(bp, *req.Limits); err != nil {
			return "", err
		}
		if grow := growth(srv.Limits, *req.Limits); grow != (models.Resources{}) {
			report, err := s.planner.CheckCapacity(ctx, srv.HostID, grow)
			if err != nil {
				return "", err
			}
			// The server already holds its IP and ports; only the
			// resource dimensions matter here.
			if !report.Capacity.Available.Covers(grow) {
				return "", report.Err()
			}
		}
	}
	return s.enqueue(ctx, queue.UpdateServer{ServerID: srv.ID, Limits: req.Limits, Environment: req.Environment})
}

// DeleteServer queues the removal of a server.
func (s *Service) DeleteServer(ctx context.Context, tenantID, id string) (string, error) {
	srv, err := s.GetServer(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	return s.enqueue(ctx, queue.DeleteServer{ServerID: srv.ID})
}

// PowerAction queues a power command. Only installed servers take them.
func (s *Service) PowerAction(ctx context.Context, tenantID, id string, action queue.PowerAction) (string, error) {
	if !action.Valid() {
		return "", errdefs.InvalidArgument("unknown power action %q", action)
	}
	srv, err := s.GetServer(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if srv.InstallStatus != models.InstallCompleted {
		return "", errors.WithHint(
			errdefs.FailedPrecondition("server %s install status is %s", srv.ID, srv.InstallStatus),
			"Server installation is not complete",
		)
	}
	return s.enqueue(ctx, queue.RestartServer{ServerID: srv.ID, Graceful: action.Graceful(), Action: action})
}

// GetServer returns a live server of the tenant. Deleted servers and servers
// of other tenants are NotFound. An empty tenant matches every tenant.
func (s *Service) GetServer(ctx context.Context, tenantID, id string) (*models.Server, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(srv, tenantID) || srv.Status == models.ServerDeleted {
		return nil, errdefs.NotFound("server %s not found", id)
	}
	return srv, nil
}

// ListServers lists the live servers of a tenant.
func (s *Service) ListServers(ctx context.Context, tenantID string, status models.ServerStatus) ([]*models.Server, error) {
	return s.store.ListServers(ctx, models.ServerFilter{TenantID: tenantID, Status: status})
}

// Audit returns the newest audit entries of a server.
func (s *Service) Audit(ctx context.Context, tenantID, id string, limit int) ([]*models.AuditEntry, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(srv, tenantID) {
		return nil, errdefs.NotFound("server %s not found", id)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAudit(ctx, srv.ID, limit)
}

func checkLimits(bp *models.Blueprint, limits models.Resources) error {
	if limits.CPU <= 0 || limits.Memory <= 0 || limits.Disk <= 0 {
		return errdefs.InvalidArgument("cpu, memory and disk limits must be positive")
	}
	if !limits.Covers(bp.MinLimits) {
		msg := fmt.Sprintf("Blueprint %s needs at least cpu=%d memory=%dMB disk=%dGB",
			bp.Name, bp.MinLimits.CPU, bp.MinLimits.Memory, bp.MinLimits.Disk)
		return errors.WithHint(errdefs.InvalidArgument("limits below blueprint minimum"), msg)
	}
	return nil
}

func checkEnvironment(bp *models.Blueprint, env map[string]string) error {
	var locked []string
	for k := range env {
		if !bp.Editable(k) {
			locked = append(locked, k)
		}
	}
	if len(locked) == 0 {
		return nil
	}
	sort.Strings(locked)
	msg := "Variables not editable: " + strings.Join(locked, ", ")
	return errors.WithHint(errdefs.InvalidArgument("environment contains locked variables"), msg)
}

// growth is the per-dimension increase from old to next, zero where it
// shrinks.
func growth(old, next models.Resources) models.Resources {
	pos := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	return models.Resources{
		CPU:    pos(next.CPU - old.CPU),
		Memory: pos(next.Memory - old.Memory),
		Disk:   pos(next.Disk - old.Disk),
	}
}
