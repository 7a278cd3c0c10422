// Package lifecycle runs the server workflows: install, update, restart and
// delete. Each workflow is an ordered list of steps against the datastore,
// the allocator and the host daemon, and every workflow converges on
// Server.Status.
//
// Orchestrator implements queue.Handler; the worker runtime guarantees that
// at most one workflow per server runs at a time.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/audit"
	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/internal/telemetry"
	"evalgo.org/gameforge/models"
)

// Store is the datastore access the workflows need.
type Store interface {
	GetServer(ctx context.Context, id string) (*models.Server, error)
	SaveServer(ctx context.Context, s *models.Server) error
	GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error)
}

// Allocator reserves and releases the IP and ports of a server.
type Allocator interface {
	Allocate(ctx context.Context, serverID, hostID string, specs []models.PortRequirement) (*models.Allocation, error)
	ReleaseByServer(ctx context.Context, serverID string) error
}

// Orchestrator executes lifecycle jobs.
type Orchestrator struct {
	store   Store
	alloc   Allocator
	daemons daemon.Provider
	audit   audit.Sink
	events  events.Broker
	health  HealthPolicy
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHealthPolicy sets the health polling budget.
func WithHealthPolicy(p HealthPolicy) Option { return func(o *Orchestrator) { o.health = p } }

// WithEvents publishes status transitions on broker.
func WithEvents(b events.Broker) Option { return func(o *Orchestrator) { o.events = b } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an orchestrator.
func New(store Store, alloc Allocator, daemons daemon.Provider, sink audit.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		alloc:   alloc,
		daemons: daemons,
		audit:   sink,
		health:  DefaultHealthPolicy,
		logger:  zap.NewNop(),
		tracer:  telemetry.Tracer("lifecycle"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.audit == nil {
		o.audit = audit.Discard{}
	}
	o.logger = o.logger.Named("lifecycle")
	return o
}

var _ queue.Handler = (*Orchestrator)(nil)

// Handle dispatches one job attempt to its workflow.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job, progress queue.Reporter) error {
	switch j := job.(type) {
	case queue.InstallServer:
		return o.Install(ctx, j, progress)
	case queue.UpdateServer:
		return o.Update(ctx, j, progress)
	case queue.RestartServer:
		return o.Restart(ctx, j, progress)
	case queue.DeleteServer:
		return o.Delete(ctx, j, progress)
	default:
		return errdefs.InvalidArgument("no workflow for job %T", job)
	}
}

// Exhausted marks the server failed once its job ran out of attempts. The
// allocation stays in place so an operator can inspect it; the leak scanner
// reports it.
func (o *Orchestrator) Exhausted(ctx context.Context, job queue.Job, cause error) {
	srv, err := o.store.GetServer(ctx, job.Server())
	if err != nil {
		o.logger.Warn("cannot mark server failed", zap.String("server_id", job.Server()), zap.Error(err))
		return
	}
	if srv.Status == models.ServerDeleted {
		return
	}
	if _, ok := job.(queue.InstallServer); ok && srv.InstallStatus != models.InstallCompleted {
		srv.InstallStatus = models.InstallFailed
	}
	if err := o.setStatus(ctx, srv, models.ServerFailed); err != nil {
		o.logger.Error("failed to mark server failed", zap.String("server_id", srv.ID), zap.Error(err))
		return
	}
	o.record(ctx, srv.ID, models.AuditError, fmt.Sprintf("%s gave up after retries: %s", job.Kind(), errdefs.Reason(cause)))
}

// record writes an audit entry. Audit failures never abort a workflow; they
// are logged instead.
func (o *Orchestrator) record(ctx context.Context, serverID string, level models.AuditLevel, message string) {
	if err := o.audit.Log(ctx, serverID, level, message); err != nil {
		o.logger.Warn("audit log failed",
			zap.String("server_id", serverID),
			zap.String("audit_level", string(level)),
			zap.String("audit_message", message),
			zap.Error(err))
	}
}

// setStatus persists a status transition and announces it.
func (o *Orchestrator) setStatus(ctx context.Context, srv *models.Server, status models.ServerStatus) error {
	srv.Status = status
	if err := o.store.SaveServer(ctx, srv); err != nil {
		return errors.Wrapf(err, "set server %s %s", srv.ID, status)
	}
	if o.events != nil {
		ev := events.Event{Type: events.TypeStatus, ServerID: srv.ID, Status: status}
		if err := o.events.Publish(ctx, ev); err != nil {
			o.logger.Debug("status event not published", zap.String("server_id", srv.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name, serverID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "lifecycle."+name, trace.WithAttributes(attribute.String("server.id", serverID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func report(ctx context.Context, p queue.Reporter, percent int) {
	if p != nil {
		p.Report(ctx, percent)
	}
}

func (o *Orchestrator) client(ctx context.Context, srv *models.Server) (daemon.Client, error) {
	c, err := o.daemons.ClientFor(ctx, srv.HostID)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon client for server %s", srv.ID)
	}
	return c, nil
}
