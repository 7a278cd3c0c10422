// Package daemon talks to the agent running on each host.
//
// Two transports implement Client: HTTPClient speaks the daemon's REST API
// (bearer token, {success, data, error} envelope) behind a circuit breaker,
// and DockerClient drives the host's Docker Engine directly. Manager hands
// out one client per host.
//
// Every error returned by a Client is marked errdefs.ErrDaemonCallFailed.
package daemon

import (
	"context"

	"evalgo.org/gameforge/models"
)

// Health states reported by CheckHealth.
const (
	HealthHealthy   = "healthy"
	HealthStarting  = "starting"
	HealthUnhealthy = "unhealthy"
	HealthStopped   = "stopped"
)

// Health is the result of one health check.
type Health struct {
	Status string `json:"status"`
}

// Healthy reports whether the server answered as ready.
func (h Health) Healthy() bool {
	return h.Status == HealthHealthy
}

// ContainerSpec is everything a daemon needs to create a server container.
type ContainerSpec struct {
	ServerID       string               `json:"serverId"`
	Image          string               `json:"image"`
	StartupCommand string               `json:"startupCommand,omitempty"`
	Limits         models.Resources     `json:"limits"`
	IP             string               `json:"ip"`
	Ports          []models.PortBinding `json:"ports"`
	Environment    map[string]string    `json:"environment"`
}

// InstallScript runs once against a freshly created container.
type InstallScript struct {
	Image  string `json:"image,omitempty"`
	Script string `json:"script"`
}

// Client is the per-host daemon API used by the lifecycle workflows.
// Containers are addressed by the id CreateContainer returned.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	RunInstallScript(ctx context.Context, containerID string, script InstallScript) error
	StartServer(ctx context.Context, containerID string) error
	StopServer(ctx context.Context, containerID string, graceful bool) error
	DeleteContainer(ctx context.Context, containerID string) error
	UpdateContainer(ctx context.Context, containerID string, limits models.Resources) error
	UpdateEnvironment(ctx context.Context, containerID string, env map[string]string) error
	CheckHealth(ctx context.Context, containerID string) (Health, error)
	Close() error
}

// Provider resolves the client for a host.
type Provider interface {
	ClientFor(ctx context.Context, hostID string) (Client, error)
}
