package lifecycle

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// Update applies new limits and environment overrides. The daemon is called
// first and each change is persisted only after the daemon accepted it, so
// the datastore never runs ahead of the container.
func (o *Orchestrator) Update(ctx context.Context, job queue.UpdateServer, progress queue.Reporter) (err error) {
	ctx, span := o.startSpan(ctx, "update", job.ServerID)
	defer func() { endSpan(span, err) }()

	srv, err := o.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return errors.Wrap(err, "load server")
	}
	if srv.Status == models.ServerDeleted {
		return errdefs.FailedPrecondition("server %s is deleted", srv.ID)
	}
	log := o.logger.With(zap.String("server_id", srv.ID))

	// Not yet installed: the install workflow reads the row, so the row is
	// all there is to update.
	if srv.ContainerID == "" {
		if job.Limits != nil {
			srv.Limits = *job.Limits
		}
		if job.Environment != nil {
			srv.Environment = mergeEnv(srv.Environment, job.Environment)
		}
		if err := o.store.SaveServer(ctx, srv); err != nil {
			return errors.Wrap(err, "save server")
		}
		o.record(ctx, srv.ID, models.AuditInfo, "Configuration saved; applied at install")
		report(ctx, progress, 100)
		return nil
	}

	defer func() {
		if err != nil {
			log.Error("update failed", zap.Error(err))
			o.record(context.WithoutCancel(ctx), srv.ID, models.AuditError, "Update failed: "+errdefs.Reason(err))
		}
	}()

	c, err := o.client(ctx, srv)
	if err != nil {
		return err
	}
	report(ctx, progress, 10)

	if job.Limits != nil && *job.Limits != srv.Limits {
		l := *job.Limits
		o.record(ctx, srv.ID, models.AuditInfo, fmt.Sprintf("Applying limits cpu=%d memory=%d disk=%d", l.CPU, l.Memory, l.Disk))
		if err := c.UpdateContainer(ctx, srv.ContainerID, l); err != nil {
			return errors.Wrap(err, "update container limits")
		}
		srv.Limits = l
		if err := o.store.SaveServer(ctx, srv); err != nil {
			return errors.Wrap(err, "save limits")
		}
	}
	report(ctx, progress, 50)

	if len(job.Environment) > 0 {
		o.record(ctx, srv.ID, models.AuditInfo, fmt.Sprintf("Applying %d environment variable(s)", len(job.Environment)))
		if err := c.UpdateEnvironment(ctx, srv.ContainerID, job.Environment); err != nil {
			return errors.Wrap(err, "update environment")
		}
		srv.Environment = mergeEnv(srv.Environment, job.Environment)
		if err := o.store.SaveServer(ctx, srv); err != nil {
			return errors.Wrap(err, "save environment")
		}
	}

	o.record(ctx, srv.ID, models.AuditSuccess, "Server updated")
	report(ctx, progress, 100)
	return nil
}

func mergeEnv(base models.EnvVars, overrides map[string]string) models.EnvVars {
	out := make(models.EnvVars, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
