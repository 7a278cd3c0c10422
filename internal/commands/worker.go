package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run lifecycle workers",
	Long: `Run the job workers that drive install, update, restart and delete
workflows, plus the leak reconciler when enabled.

Workers share the queue through Redis; set redis.url (GF_REDIS_URL).
Each worker keeps its in-flight jobs under queue.worker_id
(GF_QUEUE_WORKER_ID, default: hostname). Keep it stable across restarts
and unique per worker: a restarted worker picks its jobs back up, and
jobs of a worker that stays down are taken over once its heartbeat
(queue.heartbeat_ttl) expires.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.distributed() {
		a.logger.Warn("no redis configured; this worker only sees jobs queued in its own process")
	}

	rt, err := a.runtime()
	if err != nil {
		return err
	}

	a.logger.Info("worker started",
		zap.Int("lanes", a.cfg.Queue.Lanes),
		zap.String("transport", a.cfg.Daemon.Transport),
		zap.Bool("reconcile", a.cfg.Reconcile.Enabled))

	if a.cfg.Reconcile.Enabled {
		a.reconciler.Start(ctx)
	}
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "worker runtime")
	}
	a.logger.Info("worker stopped")
	return nil
}
