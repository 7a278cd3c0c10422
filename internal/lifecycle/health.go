package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/errdefs"
)

// HealthPolicy bounds health polling: at most Attempts checks, Interval
// apart.
type HealthPolicy struct {
	Attempts int
	Interval time.Duration
}

var DefaultHealthPolicy = HealthPolicy{Attempts: 20, Interval: 3 * time.Second}

var errNotHealthy = errors.New("not healthy yet")

// waitHealthy polls the daemon until the server reports healthy. Daemon
// errors count as failed attempts. It returns a HealthCheckTimeout error
// once the budget is spent.
func (o *Orchestrator) waitHealthy(ctx context.Context, c daemon.Client, serverID, containerID string) error {
	attempts := o.health.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		tries    int
		last     daemon.Health
		checkErr error
	)
	op := func() error {
		tries++
		h, err := c.CheckHealth(ctx, containerID)
		if err != nil {
			checkErr = err
			o.logger.Debug("health check failed", zap.String("server_id", serverID), zap.Int("attempt", tries), zap.Error(err))
			return err
		}
		last = h
		if !h.Healthy() {
			return errNotHealthy
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.health.Interval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "health check of server %s", serverID)
		}
		status := last.Status
		if status == "" && checkErr != nil {
			status = checkErr.Error()
		}
		return errdefs.HealthCheckTimeout("server %s not healthy after %d attempts (last status: %s)", serverID, tries, status)
	}
	return nil
}
