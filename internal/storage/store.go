// Package storage is the datastore of Gameforge. Store is implemented by the
// gorm-backed PostgreSQL Storage in this package and by memstore for tests
// and single-process development.
//
// Pool rows (IPPoolEntry, PortPoolEntry) and allocations are only written
// through Tx, which the allocator obtains with Store.Tx. A Tx holds row
// locks until it commits or rolls back.
package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"evalgo.org/gameforge/models"
)

// ErrNoFreeRow is returned by Tx.LockFree* when every matching pool row is
// allocated, disabled or locked by another transaction.
var ErrNoFreeRow = errors.New("no free pool row")

// Order selects which free pool row a reservation picks.
type Order int

const (
	// OrderSequential picks the lowest port or the first IP.
	OrderSequential Order = iota
	// OrderRandom picks uniformly among free rows.
	OrderRandom
)

// FreeCounts is the number of allocatable pool rows of a host.
type FreeCounts struct {
	IPs   int `json:"ips"`
	Ports int `json:"ports"`
}

// HostRelease reports what ReleaseHost freed.
type HostRelease struct {
	IPs         int64 `json:"ips"`
	Ports       int64 `json:"ports"`
	Allocations int64 `json:"allocations"`
}

// Tx is a datastore transaction scoped to pool and allocation rows.
type Tx interface {
	// LockFreeIP locks and returns one unallocated, enabled IP of the host.
	LockFreeIP(ctx context.Context, hostID string, order Order) (*models.IPPoolEntry, error)

	// LockFreePort locks and returns one unallocated, enabled port.
	LockFreePort(ctx context.Context, hostID string, proto models.Protocol, order Order) (*models.PortPoolEntry, error)

	// ClaimIP marks a locked IP row allocated to serverID ("" for no owner).
	ClaimIP(ctx context.Context, id, serverID string, at time.Time) error

	// ClaimPort marks a locked port row allocated to serverID ("" for no owner).
	ClaimPort(ctx context.Context, id, serverID string, at time.Time) error

	// FreeIP frees the IP only if it is allocated to serverID ("" matches rows
	// without an owner). It reports whether a row changed.
	FreeIP(ctx context.Context, hostID, address, serverID string) (bool, error)

	// FreePort is FreeIP for ports.
	FreePort(ctx context.Context, hostID string, port int, proto models.Protocol, serverID string) (bool, error)

	// LockAllocation locks the allocation row of a server. It returns a
	// NotFound error when the server never had one.
	LockAllocation(ctx context.Context, serverID string) (*models.Allocation, error)

	// MarkAllocationReleased flips an allocation to released.
	MarkAllocationReleased(ctx context.Context, id string, at time.Time) error

	// ReleaseHost frees every pool row and allocation of a host.
	ReleaseHost(ctx context.Context, hostID string, at time.Time) (HostRelease, error)
}

// Store is the full datastore.
type Store interface {
	// Tx runs fn in one transaction. fn's error rolls everything back.
	Tx(ctx context.Context, fn func(tx Tx) error) error

	CreateHost(ctx context.Context, h *models.Host) error
	GetHost(ctx context.Context, id string) (*models.Host, error)
	// ListHosts lists hosts, optionally filtered by status ("" for all).
	ListHosts(ctx context.Context, status models.HostStatus) ([]*models.Host, error)
	UpdateHostStatus(ctx context.Context, id string, status models.HostStatus, heartbeat time.Time) error

	// AddIPs and AddPorts bulk-insert pool rows, skipping existing ones.
	// They return the number of rows inserted.
	AddIPs(ctx context.Context, hostID string, addresses []string) (int, error)
	AddPorts(ctx context.Context, hostID string, proto models.Protocol, ports []int) (int, error)
	SetIPDisabled(ctx context.Context, hostID, address string, disabled bool) error
	SetPortDisabled(ctx context.Context, hostID string, port int, proto models.Protocol, disabled bool) error
	ListIPs(ctx context.Context, hostID string) ([]*models.IPPoolEntry, error)
	ListPorts(ctx context.Context, hostID string) ([]*models.PortPoolEntry, error)
	CountFree(ctx context.Context, hostID string) (FreeCounts, error)

	// InsertAllocation stores a live allocation. A released row of the same
	// server is replaced. It returns false without writing when the server
	// already holds a live allocation.
	InsertAllocation(ctx context.Context, a *models.Allocation) (bool, error)
	GetAllocationByServer(ctx context.Context, serverID string) (*models.Allocation, error)
	ListAllocations(ctx context.Context, status models.AllocationStatus) ([]*models.Allocation, error)

	CreateServer(ctx context.Context, s *models.Server) error
	GetServer(ctx context.Context, id string) (*models.Server, error)
	SaveServer(ctx context.Context, s *models.Server) error
	ListServers(ctx context.Context, filter models.ServerFilter) ([]*models.Server, error)
	// UsedResources sums the limits of servers on a host that still count
	// toward capacity (not deleted, not failed).
	UsedResources(ctx context.Context, hostID string) (models.Resources, error)

	SaveBlueprint(ctx context.Context, b *models.Blueprint) error
	GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error)
	ListBlueprints(ctx context.Context) ([]*models.Blueprint, error)

	AppendAudit(ctx context.Context, e *models.AuditEntry) error
	// ListAudit returns the newest entries of a server first.
	ListAudit(ctx context.Context, serverID string, limit int) ([]*models.AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
