package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/gameforge/internal/allocator"
	"evalgo.org/gameforge/internal/auth"
	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/internal/reconcile"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/models"
)

const blueprintJSON = `{
	"id": "bp-valheim",
	"name": "Valheim",
	"dockerImage": "lloesche/valheim-server",
	"startupCommand": "./valheim_server.x86_64",
	"variables": [
		{"name": "World", "envVariable": "WORLD_NAME", "defaultValue": "Dedicated", "userEditable": true},
		{"name": "Public", "envVariable": "SERVER_PUBLIC", "defaultValue": "true"}
	],
	"ports": [{"protocol": "udp", "count": 2}],
	"minLimits": {"cpu": 1000, "memory": 2048, "disk": 10}
}`

type testAPI struct {
	server *Server
	store  *memstore.Store
	jobs   *queue.MemoryQueue
	broker *events.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Security.RateLimit = 0

	store := memstore.New()
	jobs := queue.NewMemoryQueue(config.QueueConfig{Lanes: 2, ReserveTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { jobs.Close() })
	broker := events.NewMemory(logger)
	t.Cleanup(func() { broker.Close() })

	alloc := allocator.New(store, allocator.WithLogger(logger))
	svc := servers.New(store, capacity.New(store, logger), alloc, jobs, logger)
	srv := New(cfg, Deps{
		Store:      store,
		Service:    svc,
		Reconciler: reconcile.New(alloc, store, cfg.Reconcile, logger),
		Events:     broker,
		Logger:     logger,
	})
	return &testAPI{server: srv, store: store, jobs: jobs, broker: broker}
}

func (a *testAPI) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant != "" {
		req.Header.Set(auth.TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	a.server.Echo().ServeHTTP(rec, req)
	return rec
}

// seed registers an online host with pools and the Valheim blueprint.
func (a *testAPI) seed(t *testing.T, cpu int) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/blueprints", "", blueprintJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/api/v1/hosts", "", `{
		"id": "host-1", "name": "fra-1", "address": "10.0.0.1",
		"daemonUrl": "http://10.0.0.1:8080", "status": "online",
		"capacity": {"cpu": `+itoa(cpu)+`, "memory": 32768, "disk": 500}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/api/v1/hosts/host-1/pools", "", `{
		"ips": ["10.0.1.1", "10.0.1.2"],
		"ports": [{"protocol": "udp", "start": 2456, "end": 2460}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *testAPI) createServer(t *testing.T, tenant string) JobAccepted {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/servers", tenant, `{
		"name": "vikings", "blueprintId": "bp-valheim",
		"limits": {"cpu": 2000, "memory": 4096, "disk": 20},
		"environment": {"WORLD_NAME": "Midgard"}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted JobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	return accepted
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHealthCheck(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "gameforge", body.Service)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateServerAcceptsAndQueuesInstall(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)

	accepted := a.createServer(t, "tenant-a")
	assert.NotEmpty(t, accepted.JobID)
	require.NotNil(t, accepted.Server)
	assert.Equal(t, "host-1", accepted.Server.HostID)
	assert.Equal(t, models.ServerInstalling, accepted.Server.Status)
	assert.Equal(t, 1, a.jobs.Pending())

	rec := a.do(t, http.MethodGet, "/api/v1/servers/"+accepted.ServerID, "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var srv models.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &srv))
	assert.Equal(t, "tenant-a", srv.TenantID)

	rec = a.do(t, http.MethodGet, "/api/v1/jobs/"+accepted.JobID, "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Zero(t, status.Progress)
}

func TestServersAreTenantScoped(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	rec := a.do(t, http.MethodGet, "/api/v1/servers/"+accepted.ServerID, "tenant-b", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/servers", "tenant-b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ServersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Total)

	rec = a.do(t, http.MethodGet, "/api/v1/servers?status=installing", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestCreateServerWithoutCapacityIsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 1500)

	rec := a.do(t, http.MethodPost, "/api/v1/servers", "tenant-a", `{
		"name": "vikings", "blueprintId": "bp-valheim", "hostId": "host-1",
		"limits": {"cpu": 2000, "memory": 4096, "disk": 20}
	}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "insufficient capacity: Insufficient CPU (required: 2000, available: 1500)", apiErr.Details)
	assert.Zero(t, a.jobs.Pending())
}

func TestCreateServerValidation(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)

	rec := a.do(t, http.MethodPost, "/api/v1/servers", "tenant-a", `{"blueprintId": "bp-valheim"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Contains(t, apiErr.FieldError, "name")

	rec = a.do(t, http.MethodPost, "/api/v1/servers", "tenant-a", `{
		"name": "vikings", "blueprintId": "bp-valheim",
		"limits": {"cpu": 2000, "memory": 4096, "disk": 20},
		"environment": {"SERVER_PUBLIC": "false"}
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SERVER_PUBLIC")
}

func TestPowerBeforeInstallIsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	rec := a.do(t, http.MethodPost, "/api/v1/servers/"+accepted.ServerID+"/power", "tenant-a", `{"action": "restart"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/servers/"+accepted.ServerID+"/power", "tenant-a", `{"action": "reboot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteServerQueuesJob(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	rec := a.do(t, http.MethodDelete, "/api/v1/servers/"+accepted.ServerID, "tenant-a", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, a.jobs.Pending())

	rec = a.do(t, http.MethodDelete, "/api/v1/servers/srv-missing", "tenant-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHostCapacityAndPlacement(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 4000)

	rec := a.do(t, http.MethodGet, "/api/v1/hosts/host-1/capacity?cpu=3000&memory=1024&disk=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report capacity.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Available)
	assert.Equal(t, 2, report.Capacity.FreeIPs)

	rec = a.do(t, http.MethodGet, "/api/v1/hosts/host-1/capacity?cpu=5000", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Available)
	assert.Contains(t, report.Reason, "Insufficient CPU")

	rec = a.do(t, http.MethodGet, "/api/v1/hosts/host-1/capacity?cpu=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/placement?cpu=1000&memory=1024&disk=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var placement PlacementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placement))
	require.NotNil(t, placement.HostID)
	assert.Equal(t, "host-1", *placement.HostID)
	require.NotNil(t, placement.Capacity)
	assert.Equal(t, 2, placement.Capacity.FreeIPs)

	rec = a.do(t, http.MethodGet, "/api/v1/placement?cpu=9000", "", "")
	require.Equal(t, http.StatusOK, rec.Code, "no fitting host is an answer, not an error")
	assert.JSONEq(t, `{"hostId": null, "reason": "No online host has enough capacity"}`, rec.Body.String())
}

func TestHostStatusAndRelease(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)

	rec := a.do(t, http.MethodPut, "/api/v1/hosts/host-1/status", "", `{"status": "maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var h models.Host
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, models.HostMaintenance, h.Status)

	rec = a.do(t, http.MethodGet, "/api/v1/hosts?status=maintenance", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hosts HostsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hosts))
	assert.Equal(t, 1, hosts.Total)

	rec = a.do(t, http.MethodDelete, "/api/v1/hosts/host-1/allocations", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rel ReleaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rel))
	assert.Equal(t, "host-1", rel.HostID)

	rec = a.do(t, http.MethodDelete, "/api/v1/hosts/host-9/allocations", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHostEventsLandInAuditLog(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	rec := a.do(t, http.MethodPost, "/api/v1/hosts/host-1/events", "", `{"events": [
		{"serverId": "`+accepted.ServerID+`", "action": "crashed", "level": "error", "message": "exit code 137", "timestamp": "2026-10-19T12:00:00Z"},
		{"serverId": "srv-unknown", "action": "started"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"recorded": 1, "skipped": 1}`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/servers/"+accepted.ServerID+"/audit", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var log AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	require.Equal(t, 1, log.Count)
	assert.Equal(t, models.AuditError, log.Entries[0].Level)
	assert.Equal(t, "daemon: crashed: exit code 137 (at 2026-10-19T12:00:00Z)", log.Entries[0].Message)

	rec = a.do(t, http.MethodPost, "/api/v1/hosts/host-1/events", "", `{"events": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/v1/hosts/host-1/events", "", `{"events": [{"serverId": "x", "action": "a", "level": "fatal"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/v1/hosts/host-9/events", "", `{"events": [{"serverId": "x", "action": "a"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaksEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)

	rec := a.do(t, http.MethodGet, "/api/v1/allocations/leaks", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Zero(t, res.Orphaned)

	rec = a.do(t, http.MethodGet, "/api/v1/allocations/leaks?reclaim=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlueprintEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)

	rec := a.do(t, http.MethodGet, "/api/v1/blueprints/bp-valheim", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bp models.Blueprint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bp))
	assert.Equal(t, "Valheim", bp.Name)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blueprints", strings.NewReader(`
id: bp-terraria
name: Terraria
docker_image: ryshe/terraria
startup_command: ./TerrariaServer
ports:
  - protocol: tcp
    count: 1
`))
	req.Header.Set("Content-Type", "application/yaml")
	rec = httptest.NewRecorder()
	a.server.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/blueprints", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list BlueprintsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = a.do(t, http.MethodPost, "/api/v1/blueprints", "", `{"id": "bp-bad", "name": "Bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Security.AuthEnabled = true
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.RateLimit = 0
	store := memstore.New()
	jobs := queue.NewMemoryQueue(config.QueueConfig{Lanes: 1})
	t.Cleanup(func() { jobs.Close() })
	svc := servers.New(store, capacity.New(store, nil), allocator.New(store), jobs, nil)
	srv := New(cfg, Deps{Store: store, Service: svc, Events: events.NewMemory(nil)})

	jwt := auth.NewJWTService("test-secret")
	tenantToken, err := jwt.GenerateToken("user-1", "tenant-a", []auth.Role{auth.RoleTenant}, time.Hour)
	require.NoError(t, err)
	adminToken, err := jwt.GenerateToken("ops-1", "", []auth.Role{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	call := func(token, method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call("", http.MethodGet, "/api/v1/hosts"))
	assert.Equal(t, http.StatusOK, call(tenantToken, http.MethodGet, "/api/v1/hosts"))
	assert.Equal(t, http.StatusForbidden, call(tenantToken, http.MethodPost, "/api/v1/hosts"))
	assert.Equal(t, http.StatusForbidden, call(tenantToken, http.MethodDelete, "/api/v1/hosts/host-1/allocations"))
	assert.Equal(t, http.StatusNotFound, call(adminToken, http.MethodDelete, "/api/v1/hosts/host-1/allocations"))
	assert.Equal(t, http.StatusOK, call(tenantToken, http.MethodGet, "/api/v1/servers"))
	assert.Equal(t, http.StatusNotFound, call(adminToken, http.MethodGet, "/api/v1/allocations/leaks"), "no reconciler wired")
}

func TestServerEventStream(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	ts := httptest.NewServer(a.server.Echo())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/servers/" + accepted.ServerID
	header := http.Header{}
	header.Set(auth.TenantHeader, "tenant-a")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var hello WebSocketMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	require.Eventually(t, func() bool { return a.broker.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.broker.Publish(context.Background(), events.Event{
		Type:      events.TypeStatus,
		ServerID:  accepted.ServerID,
		Status:    models.ServerOnline,
		Timestamp: time.Now(),
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "online", data["status"])
}

func TestServerEventStreamRejectsOtherTenants(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, 16000)
	accepted := a.createServer(t, "tenant-a")

	ts := httptest.NewServer(a.server.Echo())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/servers/" + accepted.ServerID
	header := http.Header{}
	header.Set(auth.TenantHeader, "tenant-b")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
