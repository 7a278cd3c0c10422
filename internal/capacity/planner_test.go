package capacity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/gameforge/internal/allocator"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/models"
)

type hostSpec struct {
	id       string
	status   models.HostStatus
	capacity models.Resources
	ips      int
	tcp      int
}

func seed(t *testing.T, store *memstore.Store, hosts ...hostSpec) {
	t.Helper()
	ctx := context.Background()
	for _, h := range hosts {
		require.NoError(t, store.CreateHost(ctx, &models.Host{
			ID: h.id, Name: h.id, Address: "192.0.2.1", Status: h.status, Capacity: h.capacity,
		}))
		addrs := make([]string, h.ips)
		for i := range addrs {
			addrs[i] = fmt.Sprintf("198.51.100.%d", i+1)
		}
		_, err := store.AddIPs(ctx, h.id, addrs)
		require.NoError(t, err)
		ports := make([]int, h.tcp)
		for i := range ports {
			ports[i] = 25565 + i
		}
		_, err = store.AddPorts(ctx, h.id, models.TCP, ports)
		require.NoError(t, err)
	}
}

func addServer(t *testing.T, store *memstore.Store, id, hostID string, status models.ServerStatus, limits models.Resources) {
	t.Helper()
	require.NoError(t, store.CreateServer(context.Background(), &models.Server{
		ID: id, TenantID: "t1", Name: id, HostID: hostID, BlueprintID: "bp",
		Limits: limits, Status: status, InstallStatus: models.InstallCompleted,
	}))
}

func big() models.Resources { return models.Resources{CPU: 8000, Memory: 16384, Disk: 500} }

func TestCheckCapacityReasonsInPriorityOrder(t *testing.T) {
	tests := []struct {
		name   string
		host   hostSpec
		req    models.Resources
		reason string
	}{
		{
			name:   "cpu first",
			host:   hostSpec{id: "h", capacity: models.Resources{CPU: 100, Memory: 10, Disk: 1}, ips: 0, tcp: 0},
			req:    models.Resources{CPU: 200, Memory: 20, Disk: 2},
			reason: "Insufficient CPU (required: 200, available: 100)",
		},
		{
			name:   "memory",
			host:   hostSpec{id: "h", capacity: models.Resources{CPU: 1000, Memory: 10, Disk: 1}},
			req:    models.Resources{CPU: 200, Memory: 20, Disk: 2},
			reason: "Insufficient memory (required: 20MB, available: 10MB)",
		},
		{
			name:   "disk",
			host:   hostSpec{id: "h", capacity: models.Resources{CPU: 1000, Memory: 100, Disk: 1}},
			req:    models.Resources{CPU: 200, Memory: 20, Disk: 2},
			reason: "Insufficient disk (required: 2GB, available: 1GB)",
		},
		{
			name:   "ip",
			host:   hostSpec{id: "h", capacity: big(), ips: 0, tcp: 1},
			req:    models.Resources{CPU: 1},
			reason: "No IP addresses available",
		},
		{
			name:   "port",
			host:   hostSpec{id: "h", capacity: big(), ips: 1, tcp: 0},
			req:    models.Resources{CPU: 1},
			reason: "No ports available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			tt.host.status = models.HostOnline
			seed(t, store, tt.host)
			p := New(store, zaptest.NewLogger(t))

			r, err := p.CheckCapacity(context.Background(), "h", tt.req)
			require.NoError(t, err)
			assert.False(t, r.Available)
			assert.Equal(t, tt.reason, r.Reason)

			err = r.Err()
			assert.True(t, errdefs.IsResourceExhausted(err))
			assert.Equal(t, tt.reason, errdefs.Reason(err))
		})
	}
}

func TestCheckCapacityExcludesDeletedAndFailedServers(t *testing.T) {
	store := memstore.New()
	seed(t, store, hostSpec{id: "h", status: models.HostOnline, capacity: models.Resources{CPU: 4000, Memory: 8192, Disk: 100}, ips: 2, tcp: 2})
	addServer(t, store, "s1", "h", models.ServerOnline, models.Resources{CPU: 1000, Memory: 2048, Disk: 10})
	addServer(t, store, "s2", "h", models.ServerInstalling, models.Resources{CPU: 1000, Memory: 2048, Disk: 10})
	addServer(t, store, "s3", "h", models.ServerDeleted, models.Resources{CPU: 1000, Memory: 2048, Disk: 10})
	addServer(t, store, "s4", "h", models.ServerFailed, models.Resources{CPU: 1000, Memory: 2048, Disk: 10})

	p := New(store, nil)
	r, err := p.CheckCapacity(context.Background(), "h", models.Resources{CPU: 2000, Memory: 4096, Disk: 80})
	require.NoError(t, err)
	assert.True(t, r.Available, r.Reason)
	assert.Equal(t, models.Resources{CPU: 2000, Memory: 4096, Disk: 20}, r.Capacity.Used)
	assert.Equal(t, models.Resources{CPU: 2000, Memory: 4096, Disk: 80}, r.Capacity.Available)
	assert.NoError(t, r.Err())

	r, err = p.CheckCapacity(context.Background(), "h", models.Resources{CPU: 2001})
	require.NoError(t, err)
	assert.False(t, r.Available)
}

func TestCheckCapacityUnknownHost(t *testing.T) {
	p := New(memstore.New(), nil)
	_, err := p.CheckCapacity(context.Background(), "nope", models.Resources{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScenarioAllocationShowsInCapacity(t *testing.T) {
	store := memstore.New()
	seed(t, store, hostSpec{id: "H", status: models.HostOnline, capacity: big(), ips: 2, tcp: 3})
	alloc := allocator.New(store)

	_, err := alloc.Allocate(context.Background(), "serverX", "H", []models.PortRequirement{{Protocol: models.TCP, Count: 1}})
	require.NoError(t, err)

	r, err := New(store, nil).CheckCapacity(context.Background(), "H", models.Resources{CPU: 100, Memory: 100, Disk: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Capacity.FreeIPs)
	assert.Equal(t, 2, r.Capacity.FreePorts)
	assert.True(t, r.Available)
}

func TestScore(t *testing.T) {
	c := Capacity{
		Total:     models.Resources{CPU: 1000, Memory: 1000, Disk: 1000},
		Available: models.Resources{CPU: 500, Memory: 1000, Disk: 0},
	}
	assert.InDelta(t, 0.4*50+0.4*100+0.2*0, Score(c), 1e-9)
	assert.Equal(t, 0.0, Score(Capacity{}))
}

func TestFindBestHostPicksHighestScore(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		hostSpec{id: "busy", status: models.HostOnline, capacity: big(), ips: 2, tcp: 2},
		hostSpec{id: "idle", status: models.HostOnline, capacity: big(), ips: 2, tcp: 2},
		hostSpec{id: "offline", status: models.HostOffline, capacity: models.Resources{CPU: 64000, Memory: 262144, Disk: 4000}, ips: 2, tcp: 2},
		hostSpec{id: "maint", status: models.HostMaintenance, capacity: models.Resources{CPU: 64000, Memory: 262144, Disk: 4000}, ips: 2, tcp: 2},
	)
	addServer(t, store, "s1", "busy", models.ServerOnline, models.Resources{CPU: 4000, Memory: 8192, Disk: 100})

	best, err := New(store, nil).FindBestHost(context.Background(), models.Resources{CPU: 1000, Memory: 1024, Disk: 10})
	require.NoError(t, err)
	assert.Equal(t, "idle", best.HostID)
	assert.InDelta(t, 100.0, best.Score, 1e-9)
}

func TestFindBestHostNoneQualify(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		hostSpec{id: "full", status: models.HostOnline, capacity: models.Resources{CPU: 500, Memory: 512, Disk: 5}, ips: 1, tcp: 1},
		hostSpec{id: "noips", status: models.HostOnline, capacity: big(), ips: 0, tcp: 5},
	)

	_, err := New(store, nil).FindBestHost(context.Background(), models.Resources{CPU: 1000, Memory: 1024, Disk: 10})
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

// A host returned by FindBestHost always passes CheckCapacity.
func TestFindBestHostNeverReturnsUnavailableHost(t *testing.T) {
	store := memstore.New()
	var hosts []hostSpec
	for i := 0; i < 12; i++ {
		hosts = append(hosts, hostSpec{
			id:       fmt.Sprintf("h%02d", i),
			status:   models.HostOnline,
			capacity: models.Resources{CPU: 1000 * (i + 1), Memory: 1024 * (12 - i), Disk: 10 * (i%4 + 1)},
			ips:      i % 3,
			tcp:      i % 2 * 3,
		})
	}
	seed(t, store, hosts...)
	p := New(store, nil)

	requests := []models.Resources{
		{CPU: 500, Memory: 512, Disk: 5},
		{CPU: 4000, Memory: 2048, Disk: 20},
		{CPU: 9000, Memory: 4096, Disk: 40},
		{CPU: 100, Memory: 10000, Disk: 1},
	}
	for _, req := range requests {
		best, err := p.FindBestHost(context.Background(), req)
		if errdefs.IsResourceExhausted(err) {
			continue
		}
		require.NoError(t, err)
		r, err := p.CheckCapacity(context.Background(), best.HostID, req)
		require.NoError(t, err)
		assert.True(t, r.Available, "host %s selected but unavailable: %s", best.HostID, r.Reason)
	}
}
