// Package reconcile finds allocations that outlived their server and, when
// told to, gives them back to the pools.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// Verdict classifies a live allocation.
type Verdict string

const (
	// VerdictInUse: the server exists and is neither deleted nor failed.
	VerdictInUse Verdict = "in_use"
	// VerdictOrphaned: the server row is gone or deleted. Safe to reclaim.
	VerdictOrphaned Verdict = "orphaned"
	// VerdictFailed: the server failed. Kept for operator inspection.
	VerdictFailed Verdict = "failed"
)

// Finding is one scanned allocation.
type Finding struct {
	models.Leak
	Verdict      Verdict             `json:"verdict"`
	ServerStatus models.ServerStatus `json:"serverStatus,omitempty"`
	Reclaimed    bool                `json:"reclaimed"`
}

// Result is the outcome of one pass.
type Result struct {
	Findings  []Finding `json:"findings"`
	Orphaned  int       `json:"orphaned"`
	Reclaimed int       `json:"reclaimed"`
}

// Allocator is what the reconciler needs from the allocator.
type Allocator interface {
	ScanLeaks(ctx context.Context) ([]models.Leak, error)
	ReleaseByServer(ctx context.Context, serverID string) error
}

// Servers looks up server rows.
type Servers interface {
	GetServer(ctx context.Context, id string) (*models.Server, error)
}

// Reconciler periodically runs a leak scan.
type Reconciler struct {
	alloc   Allocator
	servers Servers
	cfg     config.ReconcileConfig
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(alloc Allocator, servers Servers, cfg config.ReconcileConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Reconciler{alloc: alloc, servers: servers, cfg: cfg, logger: logger.Named("reconcile")}
}

// RunOnce scans every live allocation and classifies it against its server.
// With reclaim set, orphaned allocations are released; a failed release is
// logged and the pass continues.
func (r *Reconciler) RunOnce(ctx context.Context, reclaim bool) (*Result, error) {
	leaks, err := r.alloc.ScanLeaks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "scan leaks")
	}
	res := &Result{Findings: make([]Finding, 0, len(leaks))}
	for _, leak := range leaks {
		f := Finding{Leak: leak, Verdict: VerdictInUse}
		srv, err := r.servers.GetServer(ctx, leak.ServerID)
		switch {
		case errdefs.IsNotFound(err):
			f.Verdict = VerdictOrphaned
		case err != nil:
			return nil, errors.Wrapf(err, "load server %s", leak.ServerID)
		case srv.Status == models.ServerDeleted:
			f.Verdict, f.ServerStatus = VerdictOrphaned, srv.Status
		case srv.Status == models.ServerFailed:
			f.Verdict, f.ServerStatus = VerdictFailed, srv.Status
		default:
			f.ServerStatus = srv.Status
		}

		if f.Verdict == VerdictOrphaned {
			res.Orphaned++
			if reclaim {
				if err := r.alloc.ReleaseByServer(ctx, leak.ServerID); err != nil {
					r.logger.Warn("reclaim failed", zap.String("server_id", leak.ServerID), zap.Error(err))
				} else {
					f.Reclaimed = true
					res.Reclaimed++
				}
			}
		}
		res.Findings = append(res.Findings, f)
	}
	return res, nil
}

// Start runs a pass immediately and then every interval until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.logger.Debug("reconciler already running")
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval), zap.Bool("reclaim", r.cfg.Reclaim))
	go r.loop(ctx, r.stop, r.done)
}

func (r *Reconciler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ticker.C:
			r.pass(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	res, err := r.RunOnce(ctx, r.cfg.Reclaim)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
		}
		return
	}
	if res.Orphaned > 0 {
		r.logger.Warn("orphaned allocations found",
			zap.Int("orphaned", res.Orphaned),
			zap.Int("reclaimed", res.Reclaimed))
		return
	}
	r.logger.Debug("reconcile pass clean", zap.Int("allocations", len(res.Findings)))
}

// Stop halts the loop and waits for the current pass.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
	r.logger.Info("reconciler stopped")
}
