package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// Delete removes the container and releases the allocation. The allocation
// is released even when the daemon refuses to delete the container; the
// daemon error is still returned so the job is retried. A missing or
// already deleted server is a no-op apart from the release.
func (o *Orchestrator) Delete(ctx context.Context, job queue.DeleteServer, progress queue.Reporter) (err error) {
	ctx, span := o.startSpan(ctx, "delete", job.ServerID)
	defer func() { endSpan(span, err) }()
	log := o.logger.With(zap.String("server_id", job.ServerID))

	srv, err := o.store.GetServer(ctx, job.ServerID)
	if errdefs.IsNotFound(err) {
		log.Info("server gone, releasing any allocation")
		return errors.Wrap(o.alloc.ReleaseByServer(ctx, job.ServerID), "release allocation")
	}
	if err != nil {
		return errors.Wrap(err, "load server")
	}
	if srv.Status == models.ServerDeleted {
		return errors.Wrap(o.alloc.ReleaseByServer(ctx, srv.ID), "release allocation")
	}

	o.record(ctx, srv.ID, models.AuditInfo, "Deleting server")
	report(ctx, progress, 10)

	var result *multierror.Error
	if srv.ContainerID != "" {
		c, cerr := o.client(ctx, srv)
		if cerr != nil {
			result = multierror.Append(result, cerr)
		} else {
			if running(srv.Status) {
				o.record(ctx, srv.ID, models.AuditInfo, "Stopping server")
				if serr := c.StopServer(ctx, srv.ContainerID, true); serr != nil {
					log.Warn("stop before delete failed", zap.Error(serr))
					o.record(ctx, srv.ID, models.AuditWarning, "Stop failed, deleting anyway: "+errdefs.Reason(serr))
				}
			}
			report(ctx, progress, 30)
			o.record(ctx, srv.ID, models.AuditInfo, "Deleting container")
			if derr := c.DeleteContainer(ctx, srv.ContainerID); derr != nil {
				result = multierror.Append(result, errors.Wrap(derr, "delete container"))
			}
		}
	}
	report(ctx, progress, 60)

	o.record(ctx, srv.ID, models.AuditInfo, "Releasing IP address and ports")
	if rerr := o.alloc.ReleaseByServer(context.WithoutCancel(ctx), srv.ID); rerr != nil {
		result = multierror.Append(result, errors.Wrap(rerr, "release allocation"))
	} else {
		srv.AllocationID = nil
	}

	if err := result.ErrorOrNil(); err != nil {
		ctx = context.WithoutCancel(ctx)
		log.Error("delete incomplete", zap.Error(err))
		o.record(ctx, srv.ID, models.AuditError, "Delete incomplete: "+err.Error())
		if serr := o.store.SaveServer(ctx, srv); serr != nil {
			log.Warn("could not save server after partial delete", zap.Error(serr))
		}
		return err
	}

	now := o.now()
	srv.DeletedAt = &now
	srv.ContainerID = ""
	if err := o.setStatus(ctx, srv, models.ServerDeleted); err != nil {
		return err
	}
	o.record(ctx, srv.ID, models.AuditSuccess, "Server deleted")
	report(ctx, progress, 100)
	return nil
}

func running(s models.ServerStatus) bool {
	switch s {
	case models.ServerOnline, models.ServerStarting, models.ServerStopping:
		return true
	}
	return false
}
