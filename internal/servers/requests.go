package servers

import (
	"time"

	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// CreateServerRequest asks for a new server. An empty HostID lets the
// capacity planner choose.
type CreateServerRequest struct {
	TenantID    string            `json:"-"`
	OwnerID     string            `json:"-"`
	Name        string            `json:"name" validate:"required,max=100"`
	BlueprintID string            `json:"blueprintId" validate:"required"`
	HostID      string            `json:"hostId,omitempty"`
	Limits      models.Resources  `json:"limits"`
	Environment map[string]string `json:"environment,omitempty"`
}

// UpdateServerRequest changes limits and/or environment. Nil fields stay.
type UpdateServerRequest struct {
	Limits      *models.Resources `json:"limits,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// PowerRequest is a tenant power command.
type PowerRequest struct {
	Action queue.PowerAction `json:"action" validate:"required,oneof=start stop restart kill"`
}

// RegisterHostRequest registers a host with the control plane.
type RegisterHostRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name" validate:"required"`
	Address     string            `json:"address" validate:"required,ip|hostname"`
	DaemonURL   string            `json:"daemonUrl" validate:"required"`
	DaemonToken string            `json:"daemonToken,omitempty"`
	Datacenter  string            `json:"datacenter,omitempty"`
	Capacity    models.Resources  `json:"capacity"`
	Status      models.HostStatus `json:"status,omitempty" validate:"omitempty,oneof=online offline maintenance"`
}

// HostStatusRequest toggles a host status.
type HostStatusRequest struct {
	Status models.HostStatus `json:"status" validate:"required,oneof=online offline maintenance"`
}

// PortRange is an inclusive range of ports of one protocol.
type PortRange struct {
	Protocol models.Protocol `json:"protocol" validate:"required,oneof=tcp udp"`
	Start    int             `json:"start" validate:"required"`
	End      int             `json:"end" validate:"required"`
}

// PoolRequest bulk-inserts pool rows for a host.
type PoolRequest struct {
	IPs   []string    `json:"ips,omitempty"`
	Ports []PortRange `json:"ports,omitempty" validate:"dive"`
}

// PoolResult counts the rows inserted; existing rows are skipped.
type PoolResult struct {
	IPs   int `json:"ips"`
	Ports int `json:"ports"`
}

// HostEvent is one server event reported by a host daemon.
type HostEvent struct {
	ServerID  string            `json:"serverId" validate:"required"`
	Action    string            `json:"action" validate:"required,max=64"`
	Level     models.AuditLevel `json:"level,omitempty" validate:"omitempty,oneof=info warning error success"`
	Message   string            `json:"message,omitempty" validate:"max=1000"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

// HostEventsRequest is a batch of daemon events.
type HostEventsRequest struct {
	Events []HostEvent `json:"events" validate:"required,min=1,max=100,dive"`
}

// HostEventsResult counts the events written and those dropped because the
// server is unknown or lives on another host.
type HostEventsResult struct {
	Recorded int `json:"recorded"`
	Skipped  int `json:"skipped"`
}
