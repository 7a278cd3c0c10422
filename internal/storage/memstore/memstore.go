// Package memstore is an in-memory storage.Store.
//
// Row locking is emulated with one lock per (host, resource kind): a
// transaction that locks a free port of host h holds "port|h|tcp" until it
// finishes. Writes are applied immediately and undone on rollback. A port
// lock is only ever taken while holding the IP lock of the same host, so the
// pool rows of one host belong to at most one transaction at a time, in
// whatever order the caller visits them.
package memstore

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/models"
)

type Store struct {
	mu sync.Mutex

	hosts      map[string]*models.Host
	ips        map[string]*models.IPPoolEntry
	ports      map[string]*models.PortPoolEntry
	allocs     map[string]*models.Allocation // by server id
	servers    map[string]*models.Server
	blueprints map[string]*models.Blueprint
	audit      []*models.AuditEntry
	auditSeq   uint64

	locks *keyLocks

	// FailAudit, when set, is returned by AppendAudit. Tests use it to
	// exercise the audit fallback.
	FailAudit error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		hosts:      make(map[string]*models.Host),
		ips:        make(map[string]*models.IPPoolEntry),
		ports:      make(map[string]*models.PortPoolEntry),
		allocs:     make(map[string]*models.Allocation),
		servers:    make(map[string]*models.Server),
		blueprints: make(map[string]*models.Blueprint),
		locks:      newKeyLocks(),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Tx runs fn holding the keys it locks until fn returns.
func (s *Store) Tx(ctx context.Context, fn func(tx storage.Tx) error) error {
	t := &tx{s: s, held: make(map[string]struct{})}
	err := fn(t)
	if err != nil {
		s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		s.mu.Unlock()
	}
	for key := range t.held {
		s.locks.release(key)
	}
	return err
}

// Hosts

func (s *Store) CreateHost(_ context.Context, h *models.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[h.ID]; ok {
		return errdefs.InvalidArgument("host %s already exists", h.ID)
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	c := *h
	s.hosts[h.ID] = &c
	return nil
}

func (s *Store) GetHost(_ context.Context, id string) (*models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, errdefs.NotFound("host %s not found", id)
	}
	c := *h
	return &c, nil
}

func (s *Store) ListHosts(_ context.Context, status models.HostStatus) ([]*models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		if status != "" && h.Status != status {
			continue
		}
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateHostStatus(_ context.Context, id string, status models.HostStatus, heartbeat time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return errdefs.NotFound("host %s not found", id)
	}
	h.Status = status
	hb := heartbeat
	h.LastHeartbeat = &hb
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// Pools

func (s *Store) AddIPs(_ context.Context, hostID string, addresses []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]bool)
	for _, r := range s.ips {
		if r.HostID == hostID {
			existing[r.Address] = true
		}
	}
	n := 0
	for _, addr := range addresses {
		if existing[addr] {
			continue
		}
		existing[addr] = true
		id := models.GenerateID("ip")
		s.ips[id] = &models.IPPoolEntry{ID: id, HostID: hostID, Address: addr, CreatedAt: time.Now().UTC()}
		n++
	}
	return n, nil
}

func (s *Store) AddPorts(_ context.Context, hostID string, proto models.Protocol, ports []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[int]bool)
	for _, r := range s.ports {
		if r.HostID == hostID && r.Protocol == proto {
			existing[r.Port] = true
		}
	}
	n := 0
	for _, p := range ports {
		if existing[p] {
			continue
		}
		existing[p] = true
		id := models.GenerateID("port")
		s.ports[id] = &models.PortPoolEntry{ID: id, HostID: hostID, Port: p, Protocol: proto, CreatedAt: time.Now().UTC()}
		n++
	}
	return n, nil
}

func (s *Store) SetIPDisabled(_ context.Context, hostID, address string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ips {
		if r.HostID == hostID && r.Address == address {
			r.Disabled = disabled
			return nil
		}
	}
	return errdefs.NotFound("ip %s on host %s not found", address, hostID)
}

func (s *Store) SetPortDisabled(_ context.Context, hostID string, port int, proto models.Protocol, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ports {
		if r.HostID == hostID && r.Port == port && r.Protocol == proto {
			r.Disabled = disabled
			return nil
		}
	}
	return errdefs.NotFound("port %d/%s on host %s not found", port, proto, hostID)
}

func (s *Store) ListIPs(_ context.Context, hostID string) ([]*models.IPPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.IPPoolEntry
	for _, r := range s.ips {
		if r.HostID == hostID {
			out = append(out, cloneIP(r))
		}
	}
	sortIPs(out)
	return out, nil
}

func (s *Store) ListPorts(_ context.Context, hostID string) ([]*models.PortPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortPoolEntry
	for _, r := range s.ports {
		if r.HostID == hostID {
			out = append(out, clonePort(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

func (s *Store) CountFree(_ context.Context, hostID string) (storage.FreeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c storage.FreeCounts
	for _, r := range s.ips {
		if r.HostID == hostID && !r.IsAllocated && !r.Disabled {
			c.IPs++
		}
	}
	for _, r := range s.ports {
		if r.HostID == hostID && !r.IsAllocated && !r.Disabled {
			c.Ports++
		}
	}
	return c, nil
}

// Allocations

func (s *Store) InsertAllocation(_ context.Context, a *models.Allocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.allocs[a.ServerID]; ok && cur.Live() {
		return false, nil
	}
	s.allocs[a.ServerID] = cloneAlloc(a)
	return true, nil
}

func (s *Store) GetAllocationByServer(_ context.Context, serverID string) (*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocs[serverID]
	if !ok {
		return nil, errdefs.NotFound("allocation of server %s not found", serverID)
	}
	return cloneAlloc(a), nil
}

func (s *Store) ListAllocations(_ context.Context, status models.AllocationStatus) ([]*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Allocation
	for _, a := range s.allocs {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, cloneAlloc(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out, nil
}

// Servers

func (s *Store) CreateServer(_ context.Context, srv *models.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[srv.ID]; ok {
		return errdefs.InvalidArgument("server %s already exists", srv.ID)
	}
	now := time.Now().UTC()
	srv.CreatedAt, srv.UpdatedAt = now, now
	s.servers[srv.ID] = cloneServer(srv)
	return nil
}

func (s *Store) GetServer(_ context.Context, id string) (*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, errdefs.NotFound("server %s not found", id)
	}
	return cloneServer(srv), nil
}

func (s *Store) SaveServer(_ context.Context, srv *models.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv.UpdatedAt = time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = srv.UpdatedAt
	}
	s.servers[srv.ID] = cloneServer(srv)
	return nil
}

func (s *Store) ListServers(_ context.Context, f models.ServerFilter) ([]*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Server
	for _, srv := range s.servers {
		switch {
		case f.TenantID != "" && srv.TenantID != f.TenantID:
			continue
		case f.HostID != "" && srv.HostID != f.HostID:
			continue
		case f.Status != "" && srv.Status != f.Status:
			continue
		case f.Status == "" && !f.IncludeDeleted && srv.Status == models.ServerDeleted:
			continue
		}
		out = append(out, cloneServer(srv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UsedResources(_ context.Context, hostID string) (models.Resources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used models.Resources
	for _, srv := range s.servers {
		if srv.HostID == hostID && srv.Status.CountsTowardCapacity() {
			used = used.Add(srv.Limits)
		}
	}
	return used, nil
}

// Blueprints

func (s *Store) SaveBlueprint(_ context.Context, b *models.Blueprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := s.blueprints[b.ID]; ok {
		b.CreatedAt = cur.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	c := *b
	c.Variables = append(models.VariableList(nil), b.Variables...)
	c.Ports = append(models.PortRequirements(nil), b.Ports...)
	s.blueprints[b.ID] = &c
	return nil
}

func (s *Store) GetBlueprint(_ context.Context, id string) (*models.Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blueprints[id]
	if !ok {
		return nil, errdefs.NotFound("blueprint %s not found", id)
	}
	c := *b
	return &c, nil
}

func (s *Store) ListBlueprints(context.Context) ([]*models.Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Blueprint, 0, len(s.blueprints))
	for _, b := range s.blueprints {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Audit

func (s *Store) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAudit != nil {
		return errors.Wrap(s.FailAudit, "append audit entry")
	}
	s.auditSeq++
	e.ID = s.auditSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	s.audit = append(s.audit, &c)
	return nil
}

func (s *Store) ListAudit(_ context.Context, serverID string, limit int) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].ServerID != serverID {
			continue
		}
		c := *s.audit[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// tx implements storage.Tx.
type tx struct {
	s    *Store
	held map[string]struct{}
	undo []func()
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return errors.Wrapf(err, "wait for lock %s", key)
	}
	t.held[key] = struct{}{}
	return nil
}

// lockPorts takes the host IP lock, then the port lock of proto.
func (t *tx) lockPorts(ctx context.Context, hostID string, proto models.Protocol) error {
	if err := t.lock(ctx, ipKey(hostID)); err != nil {
		return err
	}
	return t.lock(ctx, portKey(hostID, string(proto)))
}

func (t *tx) LockFreeIP(ctx context.Context, hostID string, order storage.Order) (*models.IPPoolEntry, error) {
	if err := t.lock(ctx, ipKey(hostID)); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var free []*models.IPPoolEntry
	for _, r := range t.s.ips {
		if r.HostID == hostID && !r.IsAllocated && !r.Disabled {
			free = append(free, r)
		}
	}
	if len(free) == 0 {
		return nil, storage.ErrNoFreeRow
	}
	if order == storage.OrderRandom {
		return cloneIP(free[rand.IntN(len(free))]), nil
	}
	sortIPs(free)
	return cloneIP(free[0]), nil
}

func (t *tx) LockFreePort(ctx context.Context, hostID string, proto models.Protocol, order storage.Order) (*models.PortPoolEntry, error) {
	if err := t.lockPorts(ctx, hostID, proto); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var free []*models.PortPoolEntry
	for _, r := range t.s.ports {
		if r.HostID == hostID && r.Protocol == proto && !r.IsAllocated && !r.Disabled {
			free = append(free, r)
		}
	}
	if len(free) == 0 {
		return nil, storage.ErrNoFreeRow
	}
	if order == storage.OrderRandom {
		return clonePort(free[rand.IntN(len(free))]), nil
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Port < free[j].Port })
	return clonePort(free[0]), nil
}

func optional(serverID string) *string {
	if serverID == "" {
		return nil
	}
	return &serverID
}

func sameOwner(cur *string, serverID string) bool {
	if serverID == "" {
		return cur == nil
	}
	return cur != nil && *cur == serverID
}

func (t *tx) ClaimIP(_ context.Context, id, serverID string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.ips[id]
	if !ok {
		return errdefs.NotFound("ip row %s not found", id)
	}
	if r.IsAllocated {
		return errdefs.AllocationConflict("ip row %s was allocated while locked", id)
	}
	prev := *r
	r.IsAllocated, r.ServerID, r.AllocatedAt = true, optional(serverID), &at
	t.undo = append(t.undo, func() { *r = prev })
	return nil
}

func (t *tx) ClaimPort(_ context.Context, id, serverID string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.ports[id]
	if !ok {
		return errdefs.NotFound("port row %s not found", id)
	}
	if r.IsAllocated {
		return errdefs.AllocationConflict("port row %s was allocated while locked", id)
	}
	prev := *r
	r.IsAllocated, r.ServerID, r.AllocatedAt = true, optional(serverID), &at
	t.undo = append(t.undo, func() { *r = prev })
	return nil
}

func (t *tx) FreeIP(ctx context.Context, hostID, address, serverID string) (bool, error) {
	if err := t.lock(ctx, ipKey(hostID)); err != nil {
		return false, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, r := range t.s.ips {
		if r.HostID != hostID || r.Address != address || !r.IsAllocated || !sameOwner(r.ServerID, serverID) {
			continue
		}
		prev := *r
		r.IsAllocated, r.ServerID, r.AllocatedAt = false, nil, nil
		t.undo = append(t.undo, func() { *r = prev })
		return true, nil
	}
	return false, nil
}

func (t *tx) FreePort(ctx context.Context, hostID string, port int, proto models.Protocol, serverID string) (bool, error) {
	if err := t.lockPorts(ctx, hostID, proto); err != nil {
		return false, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, r := range t.s.ports {
		if r.HostID != hostID || r.Port != port || r.Protocol != proto || !r.IsAllocated || !sameOwner(r.ServerID, serverID) {
			continue
		}
		prev := *r
		r.IsAllocated, r.ServerID, r.AllocatedAt = false, nil, nil
		t.undo = append(t.undo, func() { *r = prev })
		return true, nil
	}
	return false, nil
}

func (t *tx) LockAllocation(ctx context.Context, serverID string) (*models.Allocation, error) {
	if err := t.lock(ctx, allocKey(serverID)); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.allocs[serverID]
	if !ok {
		return nil, errdefs.NotFound("allocation of server %s not found", serverID)
	}
	return cloneAlloc(a), nil
}

func (t *tx) MarkAllocationReleased(_ context.Context, id string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, a := range t.s.allocs {
		if a.ID != id {
			continue
		}
		prev := *a
		a.Status, a.ReleasedAt = models.AllocationReleased, &at
		t.undo = append(t.undo, func() { *a = prev })
		return nil
	}
	return nil
}

func (t *tx) ReleaseHost(ctx context.Context, hostID string, at time.Time) (storage.HostRelease, error) {
	var out storage.HostRelease
	for _, proto := range []models.Protocol{models.TCP, models.UDP} {
		if err := t.lockPorts(ctx, hostID, proto); err != nil {
			return out, err
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, a := range t.s.allocs {
		if a.HostID != hostID || !a.Live() {
			continue
		}
		prev := *a
		a.Status, a.ReleasedAt = models.AllocationReleased, &at
		t.undo = append(t.undo, func() { *a = prev })
		out.Allocations++
	}
	for _, r := range t.s.ips {
		if r.HostID != hostID || !r.IsAllocated {
			continue
		}
		prev := *r
		r.IsAllocated, r.ServerID, r.AllocatedAt = false, nil, nil
		t.undo = append(t.undo, func() { *r = prev })
		out.IPs++
	}
	for _, r := range t.s.ports {
		if r.HostID != hostID || !r.IsAllocated {
			continue
		}
		prev := *r
		r.IsAllocated, r.ServerID, r.AllocatedAt = false, nil, nil
		t.undo = append(t.undo, func() { *r = prev })
		out.Ports++
	}
	return out, nil
}

func sortIPs(rows []*models.IPPoolEntry) {
	sort.Slice(rows, func(i, j int) bool {
		a, errA := netip.ParseAddr(rows[i].Address)
		b, errB := netip.ParseAddr(rows[j].Address)
		if errA != nil || errB != nil {
			return rows[i].Address < rows[j].Address
		}
		return a.Less(b)
	})
}

func cloneIP(r *models.IPPoolEntry) *models.IPPoolEntry {
	c := *r
	if r.ServerID != nil {
		id := *r.ServerID
		c.ServerID = &id
	}
	return &c
}

func clonePort(r *models.PortPoolEntry) *models.PortPoolEntry {
	c := *r
	if r.ServerID != nil {
		id := *r.ServerID
		c.ServerID = &id
	}
	return &c
}

func cloneAlloc(a *models.Allocation) *models.Allocation {
	c := *a
	c.Ports = append(models.PortList(nil), a.Ports...)
	return &c
}

func cloneServer(srv *models.Server) *models.Server {
	c := *srv
	c.Environment = srv.Environment.Clone()
	return &c
}
