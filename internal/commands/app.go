package commands

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/allocator"
	"evalgo.org/gameforge/internal/audit"
	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/internal/lifecycle"
	"evalgo.org/gameforge/internal/lock"
	"evalgo.org/gameforge/internal/logging"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/internal/reconcile"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/internal/telemetry"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store   storage.Store
	rdb     redis.UniversalClient
	jobs    queue.Queue
	locker  lock.Locker
	events  events.Broker
	alloc   *allocator.Allocator
	planner *capacity.Planner
	svc     *servers.Service
	daemons *daemon.Manager

	reconciler *reconcile.Reconciler
	telemetry  telemetry.Shutdown
}

// newApp connects storage and, when configured, Redis. With no Redis URL the
// queue, lock and event broker live in process.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.Setup(cfg.Telemetry, nil)
	if err != nil {
		return nil, err
	}

	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit")
		a.store = memstore.New()
	default:
		st, err := storage.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize storage")
		}
		a.store = st
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "parse redis url")
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		a.jobs = queue.NewRedisQueue(a.rdb, cfg.Queue, cfg.Redis.KeyPrefix, workerID(cfg.Queue), logger)
		a.locker = lock.NewRedis(a.rdb, cfg.Redis.KeyPrefix)
		broker, err := events.NewRedis(ctx, a.rdb, cfg.Redis.KeyPrefix, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.events = broker
	} else {
		a.jobs = queue.NewMemoryQueue(cfg.Queue)
		a.locker = lock.NewMemory()
		a.events = events.NewMemory(logger)
	}

	ports, err := allocator.ParseStrategy(cfg.Allocation.PortStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	ips, err := allocator.ParseStrategy(cfg.Allocation.IPStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.alloc = allocator.New(a.store,
		allocator.WithPortStrategy(ports),
		allocator.WithIPStrategy(ips),
		allocator.WithLogger(logger))
	a.planner = capacity.New(a.store, logger)
	a.svc = servers.New(a.store, a.planner, a.alloc, a.jobs, logger)
	a.svc.SetPlacementLocker(a.locker)
	a.svc.SetAuditSink(audit.Multi{audit.NewStoreSink(a.store), audit.NewEventSink(a.events)})
	a.reconciler = reconcile.New(a.alloc, a.store, cfg.Reconcile, logger)
	return a, nil
}

// distributed reports whether API and workers can run as separate processes.
func (a *app) distributed() bool { return a.rdb != nil }

// runtime wires the orchestrator behind a worker runtime. extra sinks are
// added to the store and event sinks.
func (a *app) runtime(extra ...audit.Sink) (*queue.Runtime, error) {
	factory, err := daemon.FactoryFor(a.cfg.Daemon, a.logger)
	if err != nil {
		return nil, err
	}
	a.daemons = daemon.NewManager(a.store, factory, a.logger)

	sink := audit.Multi{audit.NewStoreSink(a.store), audit.NewEventSink(a.events)}
	sink = append(sink, extra...)

	orch := lifecycle.New(a.store, a.alloc, a.daemons, sink,
		lifecycle.WithLogger(a.logger),
		lifecycle.WithEvents(a.events),
		lifecycle.WithHealthPolicy(lifecycle.HealthPolicy{
			Attempts: a.cfg.Daemon.HealthAttempts,
			Interval: a.cfg.Daemon.HealthInterval,
		}))
	return queue.NewRuntime(a.jobs, orch, a.locker, a.cfg.Queue, a.logger), nil
}

// Close releases every connection. Errors are logged, not returned.
func (a *app) Close() {
	var result *multierror.Error
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.daemons != nil {
		result = multierror.Append(result, a.daemons.Close())
	}
	if a.jobs != nil {
		result = multierror.Append(result, a.jobs.Close())
	}
	if a.events != nil {
		result = multierror.Append(result, a.events.Close())
	}
	if a.rdb != nil {
		result = multierror.Append(result, a.rdb.Close())
	}
	if a.store != nil {
		result = multierror.Append(result, a.store.Close())
	}
	if a.telemetry != nil {
		result = multierror.Append(result, a.telemetry(context.Background()))
	}
	if err := result.ErrorOrNil(); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// workerID is the configured worker id or the hostname. It has to survive a
// restart so the new process finds the jobs the old one had in flight.
func workerID(cfg config.QueueConfig) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gameforge"
	}
	return host
}
