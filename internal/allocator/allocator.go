// Package allocator reserves and releases IP addresses and ports of hosts.
//
// Every reservation runs in its own datastore transaction that locks the
// chosen pool row before flipping its allocated flag, so concurrent callers
// never receive the same row. Multi-row operations (ReservePorts, Allocate)
// are made all-or-nothing by releasing what they already reserved when a
// later step fails.
package allocator

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/models"
)

type Allocator struct {
	store  storage.Store
	ports  Strategy
	ips    Strategy
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Allocator)

func WithPortStrategy(s Strategy) Option { return func(a *Allocator) { a.ports = s } }

func WithIPStrategy(s Strategy) Option { return func(a *Allocator) { a.ips = s } }

func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l.Named("allocator")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(a *Allocator) { a.now = now } }

func New(store storage.Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		ports:  Sequential,
		ips:    Sequential,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithStrategy returns a copy of a that selects rows with the given
// strategies.
func (a *Allocator) WithStrategy(ports, ips Strategy) *Allocator {
	c := *a
	c.ports, c.ips = ports, ips
	return &c
}

// ReservePort reserves one free port of the given protocol on a host.
func (a *Allocator) ReservePort(ctx context.Context, hostID string, proto models.Protocol) (int, error) {
	return a.reservePort(ctx, hostID, proto, "")
}

func (a *Allocator) reservePort(ctx context.Context, hostID string, proto models.Protocol, serverID string) (int, error) {
	if !proto.Valid() {
		return 0, errdefs.InvalidArgument("unknown protocol %q", proto)
	}
	var port int
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		row, err := tx.LockFreePort(ctx, hostID, proto, a.ports.order())
		if err != nil {
			return err
		}
		if err := tx.ClaimPort(ctx, row.ID, serverID, a.now()); err != nil {
			return err
		}
		port = row.Port
		return nil
	})
	if errors.Is(err, storage.ErrNoFreeRow) {
		return 0, errdefs.ResourceExhausted("no free %s port on host %s", proto, hostID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reserve %s port on host %s", proto, hostID)
	}
	a.logger.Debug("port reserved",
		zap.String("host_id", hostID), zap.Int("port", port), zap.String("protocol", string(proto)))
	return port, nil
}

// ReservePorts reserves count ports. On failure every port reserved by this
// call is released again before the error is returned.
func (a *Allocator) ReservePorts(ctx context.Context, hostID string, proto models.Protocol, count int) ([]int, error) {
	return a.reservePorts(ctx, hostID, proto, count, "")
}

func (a *Allocator) reservePorts(ctx context.Context, hostID string, proto models.Protocol, count int, serverID string) ([]int, error) {
	if count < 1 {
		return nil, errdefs.InvalidArgument("port count must be at least 1, got %d", count)
	}
	reserved := make([]int, 0, count)
	for i := 0; i < count; i++ {
		port, err := a.reservePort(ctx, hostID, proto, serverID)
		if err != nil {
			bindings := make([]models.PortBinding, 0, len(reserved))
			for _, p := range reserved {
				bindings = append(bindings, models.PortBinding{Port: p, Protocol: proto})
			}
			a.freePorts(ctx, hostID, bindings, serverID)
			if errdefs.IsResourceExhausted(err) {
				return nil, errors.WithHint(
					errdefs.ResourceExhausted("could not reserve %d %s ports on host %s, only %d available", count, proto, hostID, len(reserved)),
					"Insufficient port availability",
				)
			}
			return nil, err
		}
		reserved = append(reserved, port)
	}
	return reserved, nil
}

// ReserveIP reserves one free IP of a host.
func (a *Allocator) ReserveIP(ctx context.Context, hostID string) (string, error) {
	return a.reserveIP(ctx, hostID, "")
}

func (a *Allocator) reserveIP(ctx context.Context, hostID, serverID string) (string, error) {
	var addr string
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		row, err := tx.LockFreeIP(ctx, hostID, a.ips.order())
		if err != nil {
			return err
		}
		if err := tx.ClaimIP(ctx, row.ID, serverID, a.now()); err != nil {
			return err
		}
		addr = row.Address
		return nil
	})
	if errors.Is(err, storage.ErrNoFreeRow) {
		return "", errors.WithHint(
			errdefs.ResourceExhausted("no free ip address on host %s", hostID),
			"No IP addresses available",
		)
	}
	if err != nil {
		return "", errors.Wrapf(err, "reserve ip on host %s", hostID)
	}
	a.logger.Debug("ip reserved", zap.String("host_id", hostID), zap.String("ip", addr))
	return addr, nil
}

// ReleasePorts frees ports reserved without an owning server.
func (a *Allocator) ReleasePorts(ctx context.Context, hostID string, proto models.Protocol, ports []int) error {
	return a.store.Tx(ctx, func(tx storage.Tx) error {
		for _, p := range ports {
			if _, err := tx.FreePort(ctx, hostID, p, proto, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseIP frees an IP reserved without an owning server.
func (a *Allocator) ReleaseIP(ctx context.Context, hostID, addr string) error {
	return a.store.Tx(ctx, func(tx storage.Tx) error {
		_, err := tx.FreeIP(ctx, hostID, addr, "")
		return err
	})
}

// freePorts is best-effort compensation. It outlives the caller's context.
func (a *Allocator) freePorts(ctx context.Context, hostID string, ports []models.PortBinding, serverID string) {
	if len(ports) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		for _, p := range releaseOrder(ports) {
			if _, err := tx.FreePort(ctx, hostID, p.Port, p.Protocol, serverID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Error("compensating port release failed",
			zap.String("host_id", hostID), zap.String("server_id", serverID), zap.Error(err))
	}
}

func (a *Allocator) freeIP(ctx context.Context, hostID, addr, serverID string) {
	ctx = context.WithoutCancel(ctx)
	err := a.store.Tx(ctx, func(tx storage.Tx) error {
		_, err := tx.FreeIP(ctx, hostID, addr, serverID)
		return err
	})
	if err != nil {
		a.logger.Error("compensating ip release failed",
			zap.String("host_id", hostID), zap.String("ip", addr), zap.String("server_id", serverID), zap.Error(err))
	}
}

// releaseOrder returns ports sorted by protocol, then number. Releases visit
// pool rows in this order so that two of them never wait on each other.
func releaseOrder(ports []models.PortBinding) []models.PortBinding {
	out := append([]models.PortBinding(nil), ports...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Port < out[j].Port
	})
	return out
}
