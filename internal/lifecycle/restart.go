package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// Restart runs a power action. A full restart goes stopping, starting,
// online. start skips the stop phase; stop and kill end offline. Allocations
// are never touched.
func (o *Orchestrator) Restart(ctx context.Context, job queue.RestartServer, progress queue.Reporter) (err error) {
	ctx, span := o.startSpan(ctx, "restart", job.ServerID)
	defer func() { endSpan(span, err) }()

	srv, err := o.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return errors.Wrap(err, "load server")
	}
	if err := powerable(srv); err != nil {
		return err
	}

	action := job.Action
	graceful := job.Graceful
	if action == "" {
		action = queue.PowerRestart
	} else {
		graceful = action.Graceful()
	}
	if !action.Valid() {
		return errdefs.InvalidArgument("unknown power action %q", action)
	}

	c, err := o.client(ctx, srv)
	if err != nil {
		return err
	}

	if err := o.power(ctx, c, srv, action, graceful, progress); err != nil {
		ctx = context.WithoutCancel(ctx)
		o.logger.Error("power action failed", zap.String("server_id", srv.ID), zap.String("action", string(action)), zap.Error(err))
		o.record(ctx, srv.ID, models.AuditError, "Power action "+string(action)+" failed: "+errdefs.Reason(err))
		if serr := o.setStatus(ctx, srv, models.ServerFailed); serr != nil {
			o.logger.Error("could not mark server failed", zap.String("server_id", srv.ID), zap.Error(serr))
		}
		return err
	}
	report(ctx, progress, 100)
	return nil
}

func powerable(srv *models.Server) error {
	if srv.Status == models.ServerDeleted {
		return errdefs.FailedPrecondition("server %s is deleted", srv.ID)
	}
	if srv.InstallStatus != models.InstallCompleted || srv.ContainerID == "" {
		return errdefs.FailedPrecondition("server %s is not installed", srv.ID)
	}
	return nil
}

func (o *Orchestrator) power(ctx context.Context, c daemon.Client, srv *models.Server, action queue.PowerAction, graceful bool, progress queue.Reporter) error {
	if action != queue.PowerStart {
		if err := o.setStatus(ctx, srv, models.ServerStopping); err != nil {
			return err
		}
		mode := "Stopping server"
		if !graceful {
			mode = "Killing server"
		}
		o.record(ctx, srv.ID, models.AuditInfo, mode)
		if err := c.StopServer(ctx, srv.ContainerID, graceful); err != nil {
			return errors.Wrap(err, "stop server")
		}
		report(ctx, progress, 40)

		if action == queue.PowerStop || action == queue.PowerKill {
			if err := o.setStatus(ctx, srv, models.ServerOffline); err != nil {
				return err
			}
			o.record(ctx, srv.ID, models.AuditSuccess, "Server stopped")
			return nil
		}
	}

	if err := o.setStatus(ctx, srv, models.ServerStarting); err != nil {
		return err
	}
	o.record(ctx, srv.ID, models.AuditInfo, "Starting server")
	if err := c.StartServer(ctx, srv.ContainerID); err != nil {
		return errors.Wrap(err, "start server")
	}
	report(ctx, progress, 70)

	if err := o.waitHealthy(ctx, c, srv.ID, srv.ContainerID); err != nil {
		return err
	}
	if err := o.setStatus(ctx, srv, models.ServerOnline); err != nil {
		return err
	}
	o.record(ctx, srv.ID, models.AuditSuccess, "Server online")
	return nil
}
