package api

import (
	"evalgo.org/gameforge/internal/capacity"
	"evalgo.org/gameforge/internal/queue"
	"evalgo.org/gameforge/models"
)

// MessageResponse represents a simple message response.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// JobAccepted is returned for every request that enqueued a lifecycle job.
type JobAccepted struct {
	JobID    string         `json:"jobId"`
	ServerID string         `json:"serverId"`
	Server   *models.Server `json:"server,omitempty"`
}

// JobStatus reports the progress of a job.
type JobStatus struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
}

// ServersResponse represents a page of servers.
type ServersResponse struct {
	Count   int              `json:"count"`
	Total   int              `json:"total"`
	Servers []*models.Server `json:"servers"`
}

// HostsResponse represents a page of hosts.
type HostsResponse struct {
	Count int            `json:"count"`
	Total int            `json:"total"`
	Hosts []*models.Host `json:"hosts"`
}

// BlueprintsResponse lists blueprints.
type BlueprintsResponse struct {
	Count      int                 `json:"count"`
	Blueprints []*models.Blueprint `json:"blueprints"`
}

// AuditResponse lists audit entries, newest first.
type AuditResponse struct {
	Count   int                  `json:"count"`
	Entries []*models.AuditEntry `json:"entries"`
}

// DeadJobsResponse lists jobs that exhausted their retries.
type DeadJobsResponse struct {
	Count int               `json:"count"`
	Jobs  []*queue.Envelope `json:"jobs"`
}

// ReleaseResponse counts what a host release freed.
type ReleaseResponse struct {
	HostID      string `json:"hostId"`
	IPs         int64  `json:"ips"`
	Ports       int64  `json:"ports"`
	Allocations int64  `json:"allocations"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

// WebSocketMessage represents a message sent via WebSocket.
type WebSocketMessage struct {
	Type      string      `json:"type"` // "audit", "status" or "hello"
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PlacementResponse names the best host for a request. HostID is null when
// no online host fits, and Reason says why.
type PlacementResponse struct {
	HostID   *string            `json:"hostId"`
	Score    float64            `json:"score,omitempty"`
	Capacity *capacity.Capacity `json:"capacity,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}
