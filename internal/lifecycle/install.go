package lifecycle

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// Install provisions a server: reserve its IP and ports, create the
// container, run the blueprint install script, start it and wait until it
// is healthy. Any failure marks the server failed and hands the allocation
// back before the error is returned to the queue.
func (o *Orchestrator) Install(ctx context.Context, job queue.InstallServer, progress queue.Reporter) (err error) {
	ctx, span := o.startSpan(ctx, "install", job.ServerID)
	defer func() { endSpan(span, err) }()

	srv, err := o.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return errors.Wrap(err, "load server")
	}
	switch {
	case srv.Status == models.ServerDeleted:
		o.logger.Info("skipping install of deleted server", zap.String("server_id", srv.ID))
		return nil
	case srv.InstallStatus == models.InstallCompleted:
		o.logger.Info("server already installed", zap.String("server_id", srv.ID))
		return nil
	}
	if job.HostID != "" && job.HostID != srv.HostID {
		return errdefs.FailedPrecondition("server %s is placed on host %s, not %s", srv.ID, srv.HostID, job.HostID)
	}

	inst := &install{o: o, srv: srv, progress: progress}
	if err := inst.run(ctx, job); err != nil {
		inst.fail(ctx, err)
		return err
	}
	return nil
}

type install struct {
	o           *Orchestrator
	srv         *models.Server
	progress    queue.Reporter
	containerID string
}

func (i *install) run(ctx context.Context, job queue.InstallServer) error {
	o, srv := i.o, i.srv
	log := o.logger.With(zap.String("server_id", srv.ID), zap.String("host_id", srv.HostID))

	srv.InstallStatus = models.InstallInProgress
	if err := o.setStatus(ctx, srv, models.ServerInstalling); err != nil {
		return err
	}
	o.record(ctx, srv.ID, models.AuditInfo, "Starting server installation")
	report(ctx, i.progress, 10)

	blueprintID := srv.BlueprintID
	if job.BlueprintID != "" {
		blueprintID = job.BlueprintID
	}
	bp, err := o.store.GetBlueprint(ctx, blueprintID)
	if err != nil {
		return errors.Wrapf(err, "load blueprint %s", blueprintID)
	}

	o.record(ctx, srv.ID, models.AuditInfo, "Allocating IP address and ports")
	alloc, err := o.alloc.Allocate(ctx, srv.ID, srv.HostID, bp.Ports)
	if err != nil {
		return errors.Wrap(err, "allocate resources")
	}
	srv.AllocationID = &alloc.ID
	if err := o.store.SaveServer(ctx, srv); err != nil {
		return errors.Wrap(err, "record allocation")
	}
	o.record(ctx, srv.ID, models.AuditSuccess, fmt.Sprintf("Allocated %s with %d port(s)", alloc.IP, len(alloc.Ports)))
	report(ctx, i.progress, 20)

	c, err := o.client(ctx, srv)
	if err != nil {
		return err
	}

	spec := daemon.ContainerSpec{
		ServerID:       srv.ID,
		Image:          bp.DockerImage,
		StartupCommand: bp.StartupCommand,
		Limits:         srv.Limits,
		IP:             alloc.IP,
		Ports:          alloc.Ports,
		Environment:    bp.Environment(srv.Environment),
	}
	o.record(ctx, srv.ID, models.AuditInfo, "Creating container")
	id, err := c.CreateContainer(ctx, spec)
	if err != nil {
		return errors.Wrap(err, "create container")
	}
	i.containerID = id
	srv.ContainerID = id
	if err := o.store.SaveServer(ctx, srv); err != nil {
		return errors.Wrap(err, "record container")
	}
	log.Info("container created", zap.String("container_id", id))
	report(ctx, i.progress, 40)

	if bp.InstallScript != "" {
		o.record(ctx, srv.ID, models.AuditInfo, "Running install script")
		script := daemon.InstallScript{Image: bp.InstallImage, Script: bp.InstallScript}
		if script.Image == "" {
			script.Image = bp.DockerImage
		}
		if err := c.RunInstallScript(ctx, id, script); err != nil {
			return errors.Wrap(err, "run install script")
		}
	}
	report(ctx, i.progress, 60)

	o.record(ctx, srv.ID, models.AuditInfo, "Starting server")
	if err := c.StartServer(ctx, id); err != nil {
		return errors.Wrap(err, "start server")
	}
	report(ctx, i.progress, 80)

	o.record(ctx, srv.ID, models.AuditInfo, "Waiting for health check")
	if err := o.waitHealthy(ctx, c, srv.ID, id); err != nil {
		return err
	}

	now := o.now()
	srv.InstallStatus = models.InstallCompleted
	srv.InstalledAt = &now
	if err := o.setStatus(ctx, srv, models.ServerOnline); err != nil {
		return err
	}
	o.record(ctx, srv.ID, models.AuditSuccess, "Server installed and online")
	report(ctx, i.progress, 100)
	log.Info("server installed")
	return nil
}

// fail compensates a broken install. It runs detached from ctx so that a
// cancelled job still gives its reservation back.
func (i *install) fail(ctx context.Context, cause error) {
	o, srv := i.o, i.srv
	ctx = context.WithoutCancel(ctx)
	log := o.logger.With(zap.String("server_id", srv.ID))
	log.Error("install failed", zap.Error(cause))
	o.record(ctx, srv.ID, models.AuditError, "Installation failed: "+errdefs.Reason(cause))

	if i.containerID != "" {
		if c, err := o.client(ctx, srv); err == nil {
			if err := c.DeleteContainer(ctx, i.containerID); err != nil {
				log.Warn("could not remove container of failed install", zap.String("container_id", i.containerID), zap.Error(err))
			}
		}
		srv.ContainerID = ""
	}

	if err := o.alloc.ReleaseByServer(ctx, srv.ID); err != nil {
		log.Error("could not release allocation of failed install", zap.Error(err))
		o.record(ctx, srv.ID, models.AuditWarning, "Allocation could not be released: "+err.Error())
	} else {
		srv.AllocationID = nil
	}

	srv.InstallStatus = models.InstallFailed
	if err := o.setStatus(ctx, srv, models.ServerFailed); err != nil {
		log.Error("could not mark server failed", zap.Error(err))
	}
}
