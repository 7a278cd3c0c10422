package queue

import (
	"context"
	"time"

	"evalgo.org/gameforge/internal/config"
)

func normalize(cfg config.QueueConfig) config.QueueConfig {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = 5 * time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 2 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	return cfg
}

// Queue is a durable, at-least-once job queue split into lanes.
//
// Reserve hands out one envelope of a lane and keeps it in flight until the
// caller resolves it with exactly one of Ack, Retry, Requeue or Fail.
type Queue interface {
	// Enqueue stores job on its server's lane.
	Enqueue(ctx context.Context, job Job) (*Envelope, error)

	// Reserve waits up to the queue's reserve timeout for a job on lane.
	// It returns nil, nil when none arrived.
	Reserve(ctx context.Context, lane int) (*Envelope, error)

	// Ack drops a finished job.
	Ack(ctx context.Context, env *Envelope) error

	// Retry puts a failed job back after delay. The caller has already
	// counted the attempt in env.Attempt.
	Retry(ctx context.Context, env *Envelope, delay time.Duration, cause error) error

	// Requeue puts a job back after the configured requeue delay without
	// counting an attempt.
	Requeue(ctx context.Context, env *Envelope) error

	// Fail moves a job to the dead-letter list.
	Fail(ctx context.Context, env *Envelope, cause error) error

	// Progress records completion percent (0-100) of a job.
	Progress(ctx context.Context, jobID string, percent int) error

	// JobProgress returns the last recorded percent, 0 if none.
	JobProgress(ctx context.Context, jobID string) (int, error)

	// Dead lists the newest dead-lettered jobs.
	Dead(ctx context.Context, limit int) ([]*Envelope, error)

	Lanes() int
	Close() error
}

// Recoverable is implemented by queues whose reserved jobs outlive the
// worker process. The runtime claims the worker identity before draining,
// returns jobs the identity held before a restart, and keeps a heartbeat
// alive so other workers can take back the jobs of workers that died.
type Recoverable interface {
	// Claim takes the worker identity, waiting while another live process
	// holds it.
	Claim(ctx context.Context) error

	// Recover moves this worker's unresolved jobs back to their lanes.
	Recover(ctx context.Context) (int, error)

	// Heartbeat extends the claim.
	Heartbeat(ctx context.Context) error

	// ReapStale moves the unresolved jobs of workers without a heartbeat
	// back to their lanes.
	ReapStale(ctx context.Context) (int, error)

	// Resign gives the identity up on clean shutdown.
	Resign(ctx context.Context) error

	HeartbeatInterval() time.Duration
}

const deadLetterLimit = 1000

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
