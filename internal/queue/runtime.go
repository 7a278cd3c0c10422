package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/lock"
)

// Reporter records job progress. Failures are logged, never returned.
type Reporter interface {
	Report(ctx context.Context, percent int)
}

// Handler executes jobs.
type Handler interface {
	// Handle runs one attempt of job.
	Handle(ctx context.Context, job Job, progress Reporter) error

	// Exhausted is called once when job failed for good, before it is
	// dead-lettered.
	Exhausted(ctx context.Context, job Job, cause error)
}

// Runtime drains every lane of a Queue with one goroutine per lane and
// dispatches jobs to a Handler under a per-server lock.
type Runtime struct {
	queue   Queue
	handler Handler
	locker  lock.Locker
	lockTTL time.Duration
	policy  func(Kind) Policy
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewRuntime creates a runtime. A nil locker uses a process-local one.
func NewRuntime(q Queue, h Handler, locker lock.Locker, cfg config.QueueConfig, logger *zap.Logger) *Runtime {
	if locker == nil {
		locker = lock.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Runtime{
		queue:   q,
		handler: h,
		locker:  locker,
		lockTTL: ttl,
		policy:  PolicyFor,
		logger:  logger.Named("worker"),
	}
}

// Run blocks until ctx is cancelled and every lane has finished its
// current job. A Recoverable queue is claimed and recovered before the
// lanes start.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errdefs.FailedPrecondition("worker runtime already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var wg sync.WaitGroup
	if rec, ok := r.queue.(Recoverable); ok {
		if err := r.recover(ctx, rec); err != nil {
			return err
		}
		defer func() {
			if err := rec.Resign(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to resign worker id", zap.Error(err))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.maintain(ctx, rec)
		}()
	}

	lanes := r.queue.Lanes()
	r.logger.Info("worker runtime started", zap.Int("lanes", lanes))

	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			r.drain(ctx, lane)
		}(lane)
	}
	wg.Wait()

	r.logger.Info("worker runtime stopped")
	return nil
}

func (r *Runtime) recover(ctx context.Context, rec Recoverable) error {
	if err := rec.Claim(ctx); err != nil {
		return errors.Wrap(err, "claim worker id")
	}
	if _, err := rec.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover in-flight jobs")
	}
	if _, err := rec.ReapStale(ctx); err != nil {
		r.logger.Warn("failed to take back jobs of dead workers", zap.Error(err))
	}
	return nil
}

// maintain keeps the worker claim alive and takes back the jobs of dead
// workers until ctx ends.
func (r *Runtime) maintain(ctx context.Context, rec Recoverable) {
	ticker := time.NewTicker(rec.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := rec.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("worker heartbeat failed", zap.Error(err))
			continue
		}
		if _, err := rec.ReapStale(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to take back jobs of dead workers", zap.Error(err))
		}
	}
}

func (r *Runtime) drain(ctx context.Context, lane int) {
	for ctx.Err() == nil {
		env, err := r.queue.Reserve(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("reserve failed", zap.Int("lane", lane), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if env == nil {
			continue
		}
		// A reserved job is always resolved, even while shutting down.
		r.Process(context.WithoutCancel(ctx), env)
	}
}

type reporter struct {
	queue  Queue
	jobID  string
	logger *zap.Logger
}

func (p reporter) Report(ctx context.Context, percent int) {
	if err := p.queue.Progress(ctx, p.jobID, percent); err != nil {
		p.logger.Warn("failed to record job progress", zap.Int("percent", percent), zap.Error(err))
	}
}

// permanent errors are not worth another attempt.
func permanent(err error) bool {
	return errdefs.IsInvalidArgument(err) ||
		errdefs.IsNotFound(err) ||
		errdefs.IsFailedPrecondition(err) ||
		errdefs.IsResourceExhausted(err)
}

// Process runs one reserved envelope to completion and resolves it.
func (r *Runtime) Process(ctx context.Context, env *Envelope) {
	log := r.logger.With(
		zap.String("job_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.String("server_id", env.ServerID),
		zap.Int("lane", env.Lane),
	)

	job, err := env.Decode()
	if err != nil {
		log.Error("undecodable job, moving to dead letters", zap.Error(err))
		r.resolve(log, r.queue.Fail(ctx, env, err))
		return
	}

	lease, err := r.locker.Acquire(ctx, "server:"+env.ServerID, r.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debug("server busy in another worker, requeueing")
		r.resolve(log, r.queue.Requeue(ctx, env))
		return
	}
	if err != nil {
		log.Error("failed to take server lock", zap.Error(err))
		r.resolve(log, r.queue.Requeue(ctx, env))
		return
	}

	env.Attempt++
	policy := r.policy(env.Kind)
	log = log.With(zap.Int("attempt", env.Attempt), zap.Int("max_attempts", policy.Attempts))
	log.Info("job started")

	start := time.Now()
	runErr := r.handler.Handle(ctx, job, reporter{queue: r.queue, jobID: env.ID, logger: log})

	if err := lease.Release(ctx); err != nil {
		log.Warn("failed to release server lock", zap.Error(err))
	}

	if runErr == nil {
		log.Info("job completed", zap.Duration("duration", time.Since(start)))
		r.resolve(log, r.queue.Ack(ctx, env))
		return
	}

	if permanent(runErr) || policy.Exhausted(env.Attempt) {
		log.Error("job failed permanently", zap.Error(runErr))
		r.handler.Exhausted(ctx, job, runErr)
		r.resolve(log, r.queue.Fail(ctx, env, runErr))
		return
	}

	delay := policy.Delay(env.Attempt)
	log.Warn("job failed, retrying", zap.Duration("delay", delay), zap.Error(runErr))
	r.resolve(log, r.queue.Retry(ctx, env, delay, runErr))
}

func (r *Runtime) resolve(log *zap.Logger, err error) {
	if err != nil {
		log.Error("failed to resolve job", zap.Error(err))
	}
}
