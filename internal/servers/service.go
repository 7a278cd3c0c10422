// Package servers is the service layer behind the HTTP API. It validates
// requests, places new servers, writes the initial rows and enqueues the
// lifecycle jobs. Every mutating server operation returns as soon as its job
// is queued; the state change is observed through Server.Status.
package servers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/audit"
	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/lock"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/internal/validation"
	"evalgo.org/gameforge/models"
)

// HostReleaser frees every reservation of a host.
type HostReleaser interface {
	ReleaseByHost(ctx context.Context, hostID string) (storage.HostRelease, error)
}

// Service implements the API-tier operations.
type Service struct {
	store     storage.Store
	planner   *capacity.Planner
	releaser  HostReleaser
	jobs      queue.Queue
	audit     audit.Sink
	hosts     lock.Locker
	validator *validation.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// New creates the service.
func New(store storage.Store, planner *capacity.Planner, releaser HostReleaser, jobs queue.Queue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		planner:   planner,
		releaser:  releaser,
		jobs:      jobs,
		audit:     audit.NewStoreSink(store),
		hosts:     lock.NewMemory(),
		validator: validation.New(),
		logger:    logger.Named("servers"),
		now:       time.Now,
	}
}

// SetAuditSink replaces the sink that host events are written to. The
// default writes to the store only.
func (s *Service) SetAuditSink(sink audit.Sink) {
	if sink != nil {
		s.audit = sink
	}
}

// SetPlacementLocker replaces the process-local locker that serializes
// creates per host. API replicas sharing a datastore need a shared one.
func (s *Service) SetPlacementLocker(l lock.Locker) {
	if l != nil {
		s.hosts = l
	}
}

// Validator exposes the request validator to the HTTP layer.
func (s *Service) Validator() *validation.Validator { return s.validator }

// JobProgress reports the last progress percentage of a job.
func (s *Service) JobProgress(ctx context.Context, jobID string) (int, error) {
	return s.jobs.JobProgress(ctx, jobID)
}

// DeadJobs lists jobs that exhausted their retries, newest first.
func (s *Service) DeadJobs(ctx context.Context, limit int) ([]*queue.Envelope, error) {
	return s.jobs.Dead(ctx, limit)
}

func (s *Service) enqueue(ctx context.Context, job queue.Job) (string, error) {
	env, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	s.logger.Info("job queued",
		zap.String("job_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.String("server_id", env.ServerID))
	return env.ID, nil
}

func ownedBy(srv *models.Server, tenantID string) bool {
	return tenantID == "" || srv.TenantID == tenantID
}
