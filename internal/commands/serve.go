package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/api"
	"evalgo.org/gameforge/internal/queue"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the HTTP API server.

Without Redis the job queue lives in process, so workers always run
embedded. With Redis, pass --worker to run workers next to the API or
start them separately with "gameforge worker".`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", false, "run workers in the API process")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var rt *queue.Runtime
	if serveWithWorker || !a.distributed() {
		if rt, err = a.runtime(); err != nil {
			return err
		}
	}
	return serve(ctx, a, rt)
}

// serve runs the API, and rt when given, until ctx ends or the server fails.
func serve(ctx context.Context, a *app, rt *queue.Runtime) error {
	server := api.New(a.cfg, api.Deps{
		Store:      a.store,
		Service:    a.svc,
		Reconciler: a.reconciler,
		Events:     a.events,
		Logger:     a.logger,
	})

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var wg sync.WaitGroup
	if rt != nil {
		startWorkers(workCtx, a, rt, &wg)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errChan:
		if runErr != nil {
			runErr = errors.Wrap(runErr, "server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "server shutdown error")
	}

	cancelWork()
	wg.Wait()
	return runErr
}

// startWorkers runs the worker runtime and, when enabled, the reconciler.
func startWorkers(ctx context.Context, a *app, rt *queue.Runtime, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil {
			a.logger.Error("worker runtime failed", zap.Error(err))
		}
	}()
	if a.cfg.Reconcile.Enabled {
		a.reconciler.Start(ctx)
	}
}
