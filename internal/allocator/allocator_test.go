package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/models"
)

func seedHost(t *testing.T, store storage.Store, hostID string, ips int, tcp, udp []int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &models.Host{
		ID:       hostID,
		Name:     hostID,
		Address:  "10.0.0.1",
		Status:   models.HostOnline,
		Capacity: models.Resources{CPU: 8000, Memory: 16384, Disk: 200},
	}))
	addrs := make([]string, 0, ips)
	for i := 0; i < ips; i++ {
		addrs = append(addrs, fmt.Sprintf("10.0.1.%d", i+1))
	}
	_, err := store.AddIPs(ctx, hostID, addrs)
	require.NoError(t, err)
	_, err = store.AddPorts(ctx, hostID, models.TCP, tcp)
	require.NoError(t, err)
	_, err = store.AddPorts(ctx, hostID, models.UDP, udp)
	require.NoError(t, err)
}

func portRange(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func newTestAllocator(t *testing.T) (*Allocator, *memstore.Store) {
	store := memstore.New()
	return New(store, WithLogger(zaptest.NewLogger(t))), store
}

func countAllocated(t *testing.T, store storage.Store, hostID string) (ips, ports int) {
	t.Helper()
	ctx := context.Background()
	ipRows, err := store.ListIPs(ctx, hostID)
	require.NoError(t, err)
	for _, r := range ipRows {
		if r.IsAllocated {
			ips++
		}
	}
	portRows, err := store.ListPorts(ctx, hostID)
	require.NoError(t, err)
	for _, r := range portRows {
		if r.IsAllocated {
			ports++
		}
	}
	return ips, ports
}

func TestReservePortConcurrentCallsAreDisjoint(t *testing.T) {
	for _, strategy := range []Strategy{Sequential, Random} {
		t.Run(string(strategy), func(t *testing.T) {
			alloc, store := newTestAllocator(t)
			alloc = alloc.WithStrategy(strategy, strategy)
			seedHost(t, store, "h1", 1, portRange(27000, 40), nil)

			const n = 25
			var wg sync.WaitGroup
			results := make(chan int, n)
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					port, err := alloc.ReservePort(context.Background(), "h1", models.TCP)
					if err != nil {
						errs <- err
						return
					}
					results <- port
				}()
			}
			wg.Wait()
			close(results)
			close(errs)

			for err := range errs {
				t.Fatalf("reserve failed: %v", err)
			}
			seen := make(map[int]bool)
			for p := range results {
				assert.False(t, seen[p], "port %d handed out twice", p)
				seen[p] = true
			}
			assert.Len(t, seen, n)

			_, allocated := countAllocated(t, store, "h1")
			assert.Equal(t, n, allocated)
		})
	}
}

func TestReserveIPConcurrentCallsAreDisjoint(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 12, nil, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  = make(map[string]int)
		errN int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := alloc.ReserveIP(context.Background(), "h1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errdefs.IsResourceExhausted(err), err)
				errN++
				return
			}
			got[ip]++
		}()
	}
	wg.Wait()

	assert.Len(t, got, 12)
	for ip, n := range got {
		assert.Equal(t, 1, n, "ip %s handed out %d times", ip, n)
	}
	assert.Equal(t, 4, errN)
}

func TestReservePortExhausted(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 1, nil, []int{7777})

	_, err := alloc.ReservePort(context.Background(), "h1", models.TCP)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	_, err = alloc.ReservePort(context.Background(), "h1", models.UDP)
	require.NoError(t, err)
	_, err = alloc.ReservePort(context.Background(), "h1", models.UDP)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestReserveIPExhausted(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 0, []int{25565}, nil)

	_, err := alloc.ReserveIP(context.Background(), "h1")
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, "No IP addresses available", errdefs.Reason(err))
}

func TestSequentialPicksLowestPortAndFirstIP(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 12, []int{25570, 25565, 25566}, nil)

	port, err := alloc.ReservePort(context.Background(), "h1", models.TCP)
	require.NoError(t, err)
	assert.Equal(t, 25565, port)

	ip, err := alloc.ReserveIP(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.1", ip)

	ip, err = alloc.ReserveIP(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.2", ip, "addresses sort numerically, not lexically")
}

func TestDisabledRowsAreNeverSelected(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 1, []int{25565, 25566}, nil)
	require.NoError(t, store.SetPortDisabled(context.Background(), "h1", 25565, models.TCP, true))

	port, err := alloc.ReservePort(context.Background(), "h1", models.TCP)
	require.NoError(t, err)
	assert.Equal(t, 25566, port)

	_, err = alloc.ReservePort(context.Background(), "h1", models.TCP)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestReservePortsRollsBackPartialReservation(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 1, portRange(25565, 3), nil)

	_, err := alloc.ReservePorts(context.Background(), "h1", models.TCP, 5)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	_, allocated := countAllocated(t, store, "h1")
	assert.Zero(t, allocated, "no partial multi-port reservation may stay live")

	ports, err := alloc.ReservePorts(context.Background(), "h1", models.TCP, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{25565, 25566, 25567}, ports)

	require.NoError(t, alloc.ReleasePorts(context.Background(), "h1", models.TCP, ports))
	_, allocated = countAllocated(t, store, "h1")
	assert.Zero(t, allocated)
}

func TestAllocateReservesIPAndPorts(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 2, portRange(25565, 4), portRange(27015, 2))

	a, err := alloc.Allocate(context.Background(), "srv-x", "h1", []models.PortRequirement{
		{Protocol: models.TCP, Count: 2},
		{Protocol: models.UDP, Count: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, models.AllocationAllocated, a.Status)
	assert.Equal(t, "10.0.1.1", a.IP)
	assert.Equal(t, models.PortList{
		{Port: 25565, Protocol: models.TCP},
		{Port: 25566, Protocol: models.TCP},
		{Port: 27015, Protocol: models.UDP},
	}, a.Ports)

	ips, err := store.ListIPs(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, ips[0].IsAllocated)
	require.NotNil(t, ips[0].ServerID)
	assert.Equal(t, "srv-x", *ips[0].ServerID)

	ports, err := store.ListPorts(context.Background(), "h1")
	require.NoError(t, err)
	for _, p := range ports {
		if p.IsAllocated {
			require.NotNil(t, p.ServerID)
			assert.Equal(t, "srv-x", *p.ServerID)
		}
	}
}

func TestAllocateRollsBackIPWhenPortsRunOut(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 2, portRange(25565, 1), nil)

	_, err := alloc.Allocate(context.Background(), "srv-x", "h1", []models.PortRequirement{
		{Protocol: models.TCP, Count: 1},
		{Protocol: models.UDP, Count: 1},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	ips, ports := countAllocated(t, store, "h1")
	assert.Zero(t, ips, "ip must be free again")
	assert.Zero(t, ports, "tcp port from the first requirement must be free again")

	_, err = store.GetAllocationByServer(context.Background(), "srv-x")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAllocateIsIdempotentPerServer(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 3, portRange(25565, 5), nil)
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 2}}

	first, err := alloc.Allocate(context.Background(), "srv-x", "h1", specs)
	require.NoError(t, err)
	second, err := alloc.Allocate(context.Background(), "srv-x", "h1", specs)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	ips, ports := countAllocated(t, store, "h1")
	assert.Equal(t, 1, ips)
	assert.Equal(t, 2, ports)
}

func TestAllocateConcurrentSameServerCreatesOneAllocation(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 20, portRange(25565, 40), nil)
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 2}}

	const n = 10
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := alloc.Allocate(context.Background(), "srv-x", "h1", specs)
			if assert.NoError(t, err) {
				ids <- a.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := make(map[string]bool)
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, 1)

	ips, ports := countAllocated(t, store, "h1")
	assert.Equal(t, 1, ips)
	assert.Equal(t, 2, ports)

	live, err := store.ListAllocations(context.Background(), models.AllocationAllocated)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestAllocateRejectsOtherHost(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 1, portRange(25565, 1), nil)
	seedHost(t, store, "h2", 1, portRange(25565, 1), nil)
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 1}}

	_, err := alloc.Allocate(context.Background(), "srv-x", "h1", specs)
	require.NoError(t, err)
	_, err = alloc.Allocate(context.Background(), "srv-x", "h2", specs)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestAllocateValidatesInput(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	_, err := alloc.Allocate(context.Background(), "srv-x", "h1", nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = alloc.Allocate(context.Background(), "srv-x", "h1", []models.PortRequirement{{Protocol: "sctp", Count: 1}})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestReleaseByServerIsIdempotent(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 2, portRange(25565, 3), nil)
	ctx := context.Background()

	_, err := alloc.Allocate(ctx, "srv-x", "h1", []models.PortRequirement{{Protocol: models.TCP, Count: 2}})
	require.NoError(t, err)

	require.NoError(t, alloc.ReleaseByServer(ctx, "srv-x"))
	ips, ports := countAllocated(t, store, "h1")
	assert.Zero(t, ips)
	assert.Zero(t, ports)

	require.NoError(t, alloc.ReleaseByServer(ctx, "srv-x"))
	ips, ports = countAllocated(t, store, "h1")
	assert.Zero(t, ips)
	assert.Zero(t, ports)

	a, err := store.GetAllocationByServer(ctx, "srv-x")
	require.NoError(t, err)
	assert.Equal(t, models.AllocationReleased, a.Status)
	assert.NotNil(t, a.ReleasedAt)
}

func TestReleaseByServerWithoutAllocationIsNoop(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	assert.NoError(t, alloc.ReleaseByServer(context.Background(), "ghost"))
}

func TestReleaseDoesNotFreeRowsOfAnotherServer(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 2, portRange(25565, 2), nil)
	ctx := context.Background()
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 1}}

	_, err := alloc.Allocate(ctx, "srv-a", "h1", specs)
	require.NoError(t, err)
	_, err = alloc.Allocate(ctx, "srv-b", "h1", specs)
	require.NoError(t, err)

	require.NoError(t, alloc.ReleaseByServer(ctx, "srv-a"))
	ips, ports := countAllocated(t, store, "h1")
	assert.Equal(t, 1, ips)
	assert.Equal(t, 1, ports)
}

func TestReallocateAfterRelease(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 1, portRange(25565, 1), nil)
	ctx := context.Background()
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 1}}

	first, err := alloc.Allocate(ctx, "srv-x", "h1", specs)
	require.NoError(t, err)
	require.NoError(t, alloc.ReleaseByServer(ctx, "srv-x"))

	second, err := alloc.Allocate(ctx, "srv-x", "h1", specs)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.AllocationAllocated, second.Status)
}

func TestReleaseByHost(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 3, portRange(25565, 6), nil)
	seedHost(t, store, "h2", 1, portRange(25565, 1), nil)
	ctx := context.Background()
	specs := []models.PortRequirement{{Protocol: models.TCP, Count: 2}}

	for _, id := range []string{"srv-a", "srv-b"} {
		_, err := alloc.Allocate(ctx, id, "h1", specs)
		require.NoError(t, err)
	}
	_, err := alloc.Allocate(ctx, "srv-c", "h2", []models.PortRequirement{{Protocol: models.TCP, Count: 1}})
	require.NoError(t, err)

	out, err := alloc.ReleaseByHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, storage.HostRelease{IPs: 2, Ports: 4, Allocations: 2}, out)

	ips, ports := countAllocated(t, store, "h1")
	assert.Zero(t, ips)
	assert.Zero(t, ports)

	ips, ports = countAllocated(t, store, "h2")
	assert.Equal(t, 1, ips)
	assert.Equal(t, 1, ports)
}

func TestScanLeaks(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 2, portRange(25565, 2), nil)
	ctx := context.Background()

	_, err := alloc.Allocate(ctx, "srv-y", "h1", []models.PortRequirement{{Protocol: models.TCP, Count: 1}})
	require.NoError(t, err)

	leaks, err := alloc.ScanLeaks(ctx)
	require.NoError(t, err)
	require.Len(t, leaks, 1)
	assert.Equal(t, models.Leak{ServerID: "srv-y", HostID: "h1", IP: "10.0.1.1"}, leaks[0])

	require.NoError(t, alloc.ReleaseByServer(ctx, "srv-y"))
	leaks, err = alloc.ScanLeaks(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaks)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("random")
	require.NoError(t, err)
	assert.Equal(t, Random, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Sequential, s)

	_, err = ParseStrategy("rotation")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestMixedProtocolRollbackRacesReleaseByHost(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 4, nil, portRange(27015, 4))
	ctx := context.Background()
	specs := []models.PortRequirement{{Protocol: models.UDP, Count: 2}, {Protocol: models.TCP, Count: 1}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := alloc.Allocate(ctx, fmt.Sprintf("srv-%d", i), "h1", specs)
				assert.True(t, errdefs.IsResourceExhausted(err), "no tcp ports exist: %v", err)
			}(i)
			go func() {
				defer wg.Done()
				_, err := alloc.ReleaseByHost(ctx, "h1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("allocations and host release deadlocked")
	}

	ips, ports := countAllocated(t, store, "h1")
	assert.Zero(t, ips)
	assert.Zero(t, ports)
}

func TestMixedProtocolReleaseByServerRacesReleaseByHost(t *testing.T) {
	alloc, store := newTestAllocator(t)
	seedHost(t, store, "h1", 10, portRange(25565, 10), portRange(27015, 20))
	ctx := context.Background()
	specs := []models.PortRequirement{{Protocol: models.UDP, Count: 2}, {Protocol: models.TCP, Count: 1}}

	for i := 0; i < 10; i++ {
		a, err := alloc.Allocate(ctx, fmt.Sprintf("srv-%d", i), "h1", specs)
		require.NoError(t, err)
		require.Len(t, a.Ports, 3)
		assert.Equal(t, models.UDP, a.Ports[0].Protocol, "bindings keep blueprint order")
		assert.Equal(t, models.TCP, a.Ports[2].Protocol)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, alloc.ReleaseByServer(ctx, fmt.Sprintf("srv-%d", i)))
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := alloc.ReleaseByHost(ctx, "h1")
			assert.NoError(t, err)
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server and host releases deadlocked")
	}

	ips, ports := countAllocated(t, store, "h1")
	assert.Zero(t, ips)
	assert.Zero(t, ports)
	leaks, err := alloc.ScanLeaks(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaks)
}

func TestReleaseOrder(t *testing.T) {
	in := []models.PortBinding{
		{Port: 27016, Protocol: models.UDP},
		{Port: 27015, Protocol: models.UDP},
		{Port: 25566, Protocol: models.TCP},
		{Port: 25565, Protocol: models.TCP},
	}
	got := releaseOrder(in)
	assert.Equal(t, []models.PortBinding{
		{Port: 25565, Protocol: models.TCP},
		{Port: 25566, Protocol: models.TCP},
		{Port: 27015, Protocol: models.UDP},
		{Port: 27016, Protocol: models.UDP},
	}, got)
	assert.Equal(t, 27016, in[0].Port, "input is not reordered")
}
