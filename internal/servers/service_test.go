package servers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/gameforge/internal/allocator"
	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/models"
)

type env struct {
	svc   *Service
	store *memstore.Store
	jobs  *queue.MemoryQueue
	alloc *allocator.Allocator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	logger := zaptest.NewLogger(t)
	jobs := queue.NewMemoryQueue(config.QueueConfig{Lanes: 1, ReserveTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { jobs.Close() })
	alloc := allocator.New(store, allocator.WithLogger(logger))
	svc := New(store, capacity.New(store, logger), alloc, jobs, logger)

	ctx := context.Background()
	require.NoError(t, store.SaveBlueprint(ctx, &models.Blueprint{
		ID:             "bp-rust",
		Name:           "Rust",
		DockerImage:    "didstopia/rust-server",
		StartupCommand: "./RustDedicated",
		Variables: models.VariableList{
			{Name: "Seed", EnvVariable: "SEED", DefaultValue: "1", UserEditable: true},
			{Name: "Branch", EnvVariable: "BRANCH", DefaultValue: "public"},
		},
		Ports:     models.PortRequirements{{Protocol: models.UDP, Count: 1}, {Protocol: models.TCP, Count: 1}},
		MinLimits: models.Resources{CPU: 1000, Memory: 4096, Disk: 20},
	}))
	return &env{svc: svc, store: store, jobs: jobs, alloc: alloc}
}

func (e *env) host(t *testing.T, id string, cpu int, status models.HostStatus) {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.RegisterHost(ctx, RegisterHostRequest{
		ID:        id,
		Name:      id,
		Address:   "10.0.0.1",
		DaemonURL: "http://10.0.0.1:8080",
		Capacity:  models.Resources{CPU: cpu, Memory: 32768, Disk: 500},
		Status:    status,
	})
	require.NoError(t, err)
	_, err = e.svc.AddPools(ctx, id, PoolRequest{
		IPs: []string{"10.0.1.1", "10.0.1.2"},
		Ports: []PortRange{
			{Protocol: models.TCP, Start: 28015, End: 28020},
			{Protocol: models.UDP, Start: 28015, End: 28020},
		},
	})
	require.NoError(t, err)
}

func (e *env) nextJob(t *testing.T) queue.Job {
	t.Helper()
	env, err := e.jobs.Reserve(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, env, "expected a queued job")
	job, err := env.Decode()
	require.NoError(t, err)
	require.NoError(t, e.jobs.Ack(context.Background(), env))
	return job
}

func createReq() CreateServerRequest {
	return CreateServerRequest{
		TenantID:    "tenant-1",
		Name:        "wipe-day",
		BlueprintID: "bp-rust",
		Limits:      models.Resources{CPU: 2000, Memory: 8192, Disk: 40},
		Environment: map[string]string{"SEED": "42"},
	}
}

func TestCreateServerPlacesOnBestHost(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-busy", 16000, models.HostOnline)
	e.host(t, "host-big", 16000, models.HostOnline)
	e.host(t, "host-maint", 64000, models.HostMaintenance)
	require.NoError(t, e.store.CreateServer(context.Background(), &models.Server{
		ID: "srv-old", TenantID: "tenant-9", HostID: "host-busy", BlueprintID: "bp-rust",
		Limits: models.Resources{CPU: 8000, Memory: 16384, Disk: 100},
		Status: models.ServerOnline, InstallStatus: models.InstallCompleted,
	}))

	srv, jobID, err := e.svc.CreateServer(context.Background(), createReq())
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, "host-big", srv.HostID)
	assert.Equal(t, models.ServerInstalling, srv.Status)
	assert.Equal(t, models.InstallPending, srv.InstallStatus)

	job := e.nextJob(t)
	install, ok := job.(queue.InstallServer)
	require.True(t, ok)
	assert.Equal(t, srv.ID, install.ServerID)
	assert.Equal(t, "host-big", install.HostID)
	assert.Equal(t, "bp-rust", install.BlueprintID)
}

func TestCreateServerOnFullHostNamesTheResource(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-1", 1500, models.HostOnline)

	req := createReq()
	req.HostID = "host-1"
	_, _, err := e.svc.CreateServer(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Contains(t, errdefs.Reason(err), "Insufficient CPU")
	assert.Zero(t, e.jobs.Pending())
}

func TestConcurrentCreatesDoNotOvercommitHost(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-1", 4000, models.HostOnline)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		exhausted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.svc.CreateServer(context.Background(), createReq())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errdefs.IsResourceExhausted(err):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created, "4000 cpu fits two 2000 cpu servers")
	assert.Equal(t, 8, exhausted)
	assert.Equal(t, 2, e.jobs.Pending())
}

func TestCreateServerWithoutAnyHost(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.svc.CreateServer(context.Background(), createReq())
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestCreateServerRejects(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-1", 16000, models.HostOnline)
	e.host(t, "host-off", 16000, models.HostOffline)

	tests := []struct {
		name   string
		mutate func(*CreateServerRequest)
		check  func(error) bool
	}{
		{"missing name", func(r *CreateServerRequest) { r.Name = "" }, errdefs.IsInvalidArgument},
		{"unknown blueprint", func(r *CreateServerRequest) { r.BlueprintID = "nope" }, errdefs.IsNotFound},
		{"below minimum", func(r *CreateServerRequest) { r.Limits.Memory = 1024 }, errdefs.IsInvalidArgument},
		{"locked variable", func(r *CreateServerRequest) { r.Environment = map[string]string{"BRANCH": "staging"} }, errdefs.IsInvalidArgument},
		{"unknown host", func(r *CreateServerRequest) { r.HostID = "ghost" }, errdefs.IsNotFound},
		{"offline host", func(r *CreateServerRequest) { r.HostID = "host-off" }, errdefs.IsFailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createReq()
			tt.mutate(&req)
			_, _, err := e.svc.CreateServer(context.Background(), req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error class: %v", err)
		})
	}
	assert.Zero(t, e.jobs.Pending())
}

func TestCreateServerLockedVariableHint(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-1", 16000, models.HostOnline)
	req := createReq()
	req.Environment = map[string]string{"BRANCH": "x", "AAA": "y"}
	_, _, err := e.svc.CreateServer(context.Background(), req)
	assert.Equal(t, "Variables not editable: AAA, BRANCH", errdefs.Reason(err))
}

func installed(t *testing.T, e *env) *models.Server {
	t.Helper()
	e.host(t, "host-1", 16000, models.HostOnline)
	srv, _, err := e.svc.CreateServer(context.Background(), createReq())
	require.NoError(t, err)
	e.nextJob(t)
	srv.Status = models.ServerOnline
	srv.InstallStatus = models.InstallCompleted
	require.NoError(t, e.store.SaveServer(context.Background(), srv))
	return srv
}

func TestPowerActionQueuesRestart(t *testing.T) {
	tests := []struct {
		action   queue.PowerAction
		graceful bool
	}{
		{queue.PowerStart, false},
		{queue.PowerStop, true},
		{queue.PowerRestart, true},
		{queue.PowerKill, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			e := newEnv(t)
			srv := installed(t, e)

			_, err := e.svc.PowerAction(context.Background(), "tenant-1", srv.ID, tt.action)
			require.NoError(t, err)
			job := e.nextJob(t).(queue.RestartServer)
			assert.Equal(t, tt.graceful, job.Graceful)
			assert.Equal(t, tt.action, job.Action)
		})
	}
}

func TestPowerActionRequiresCompletedInstall(t *testing.T) {
	e := newEnv(t)
	e.host(t, "host-1", 16000, models.HostOnline)
	srv, _, err := e.svc.CreateServer(context.Background(), createReq())
	require.NoError(t, err)
	e.nextJob(t)

	_, err = e.svc.PowerAction(context.Background(), "tenant-1", srv.ID, queue.PowerStart)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	_, err = e.svc.PowerAction(context.Background(), "tenant-1", srv.ID, "dance")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestTenantIsolation(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)

	_, err := e.svc.GetServer(context.Background(), "tenant-2", srv.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = e.svc.DeleteServer(context.Background(), "tenant-2", srv.ID)
	assert.True(t, errdefs.IsNotFound(err))

	got, err := e.svc.GetServer(context.Background(), "", srv.ID)
	require.NoError(t, err, "admins see every tenant")
	assert.Equal(t, srv.ID, got.ID)
}

func TestUpdateServer(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)
	ctx := context.Background()

	limits := models.Resources{CPU: 4000, Memory: 8192, Disk: 40}
	_, err := e.svc.UpdateServer(ctx, "tenant-1", srv.ID, UpdateServerRequest{Limits: &limits, Environment: map[string]string{"SEED": "7"}})
	require.NoError(t, err)
	job := e.nextJob(t).(queue.UpdateServer)
	assert.Equal(t, &limits, job.Limits)
	assert.Equal(t, "7", job.Environment["SEED"])

	huge := models.Resources{CPU: 64000, Memory: 8192, Disk: 40}
	_, err = e.svc.UpdateServer(ctx, "tenant-1", srv.ID, UpdateServerRequest{Limits: &huge})
	assert.True(t, errdefs.IsResourceExhausted(err))

	_, err = e.svc.UpdateServer(ctx, "tenant-1", srv.ID, UpdateServerRequest{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDeleteServerQueuesDelete(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)
	_, err := e.svc.DeleteServer(context.Background(), "tenant-1", srv.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteServer{ServerID: srv.ID}, e.nextJob(t))
}

func TestHostManagement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "host-1", 16000, models.HostOffline)

	h, err := e.svc.SetHostStatus(ctx, "host-1", models.HostOnline)
	require.NoError(t, err)
	assert.Equal(t, models.HostOnline, h.Status)
	assert.NotNil(t, h.LastHeartbeat)

	_, err = e.svc.SetHostStatus(ctx, "host-1", "exploded")
	assert.True(t, errdefs.IsInvalidArgument(err))

	res, err := e.svc.AddPools(ctx, "host-1", PoolRequest{IPs: []string{"10.0.1.2", "10.0.1.3"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.IPs, "existing rows are skipped")

	_, err = e.svc.AddPools(ctx, "host-1", PoolRequest{Ports: []PortRange{{Protocol: models.TCP, Start: 100, End: 50}}})
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = e.svc.AddPools(ctx, "ghost", PoolRequest{IPs: []string{"10.9.9.9"}})
	assert.True(t, errdefs.IsNotFound(err))

	report, err := e.svc.Capacity(ctx, "host-1", models.Resources{CPU: 1000, Memory: 1024, Disk: 10})
	require.NoError(t, err)
	assert.True(t, report.Available)
	assert.Equal(t, 3, report.Capacity.FreeIPs)
}

func TestReleaseHost(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)
	ctx := context.Background()
	_, err := e.alloc.Allocate(ctx, srv.ID, "host-1", models.PortRequirements{{Protocol: models.TCP, Count: 2}})
	require.NoError(t, err)

	rel, err := e.svc.ReleaseHost(ctx, "host-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rel.IPs)
	assert.EqualValues(t, 2, rel.Ports)
	assert.EqualValues(t, 1, rel.Allocations)
}

type recordedEvent struct {
	serverID string
	level    models.AuditLevel
	message  string
}

type recordingSink struct {
	entries []recordedEvent
}

func (r *recordingSink) Log(_ context.Context, serverID string, level models.AuditLevel, message string) error {
	r.entries = append(r.entries, recordedEvent{serverID, level, message})
	return nil
}

func TestRecordHostEvents(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)
	e.host(t, "host-2", 16000, models.HostOnline)
	ctx := context.Background()

	sink := &recordingSink{}
	e.svc.SetAuditSink(sink)

	res, err := e.svc.RecordHostEvents(ctx, "host-1", HostEventsRequest{Events: []HostEvent{
		{ServerID: srv.ID, Action: "started"},
		{ServerID: srv.ID, Action: "stopped", Level: models.AuditWarning, Message: "out of memory"},
		{ServerID: "srv-gone", Action: "started"},
	}})
	require.NoError(t, err)
	assert.Equal(t, &HostEventsResult{Recorded: 2, Skipped: 1}, res)
	assert.Equal(t, []recordedEvent{
		{srv.ID, models.AuditInfo, "daemon: started"},
		{srv.ID, models.AuditWarning, "daemon: stopped: out of memory"},
	}, sink.entries)

	res, err = e.svc.RecordHostEvents(ctx, "host-2", HostEventsRequest{Events: []HostEvent{
		{ServerID: srv.ID, Action: "deleted"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "a host cannot write events of another host's server")
	assert.Len(t, sink.entries, 2)

	_, err = e.svc.RecordHostEvents(ctx, "ghost", HostEventsRequest{Events: []HostEvent{{ServerID: srv.ID, Action: "started"}}})
	assert.True(t, errdefs.IsNotFound(err))
	_, err = e.svc.RecordHostEvents(ctx, "host-1", HostEventsRequest{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRecordHostEventsDefaultsToStore(t *testing.T) {
	e := newEnv(t)
	srv := installed(t, e)
	ctx := context.Background()

	_, err := e.svc.RecordHostEvents(ctx, "host-1", HostEventsRequest{Events: []HostEvent{
		{ServerID: srv.ID, Action: "backup finished", Level: models.AuditSuccess},
	}})
	require.NoError(t, err)

	entries, err := e.svc.Audit(ctx, "tenant-1", srv.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "daemon: backup finished", entries[0].Message)
	assert.Equal(t, models.AuditSuccess, entries[0].Level)
}

func TestImportBlueprint(t *testing.T) {
	e := newEnv(t)
	doc := []byte(`
id: valheim
name: Valheim
docker_image: lloesche/valheim-server
startup_command: ./start.sh
ports:
  - protocol: udp
    count: 3
`)
	bp, err := e.svc.ImportBlueprint(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "valheim", bp.ID)

	got, err := e.svc.GetBlueprint(context.Background(), "valheim")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Ports[0].Count)

	_, err = e.svc.ImportBlueprint(context.Background(), []byte("id: broken\n"))
	assert.True(t, errdefs.IsInvalidArgument(err))
}
