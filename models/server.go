package models

import "time"

// ServerStatus is the lifecycle state of a server.
type ServerStatus string

const (
	ServerInstalling ServerStatus = "installing"
	ServerOffline    ServerStatus = "offline"
	ServerStarting   ServerStatus = "starting"
	ServerOnline     ServerStatus = "online"
	ServerStopping   ServerStatus = "stopping"
	ServerFailed     ServerStatus = "failed"
	ServerDeleted    ServerStatus = "deleted"
)

// CountsTowardCapacity reports whether a server in this status consumes host
// resources.
func (s ServerStatus) CountsTowardCapacity() bool {
	return s != ServerDeleted && s != ServerFailed
}

type InstallStatus string

const (
	InstallPending    InstallStatus = "pending"
	InstallInProgress InstallStatus = "in_progress"
	InstallCompleted  InstallStatus = "completed"
	InstallFailed     InstallStatus = "failed"
)

// Server is the tenant-visible game server. It is created by the API tier in
// status installing and mutated only by the lifecycle workflows afterwards.
type Server struct {
	ID            string        `json:"id" gorm:"primaryKey"`
	TenantID      string        `json:"tenantId" gorm:"not null;index"`
	OwnerID       string        `json:"ownerId,omitempty"`
	Name          string        `json:"name" gorm:"not null"`
	HostID        string        `json:"hostId" gorm:"not null;index"`
	AllocationID  *string       `json:"allocationId,omitempty"`
	BlueprintID   string        `json:"blueprintId" gorm:"not null"`
	ContainerID   string        `json:"containerId,omitempty"`
	Limits        Resources     `json:"limits" gorm:"embedded;embeddedPrefix:limit_"`
	Environment   EnvVars       `json:"environment" gorm:"type:jsonb"`
	Status        ServerStatus  `json:"status" gorm:"not null;index"`
	InstallStatus InstallStatus `json:"installStatus" gorm:"not null"`
	InstalledAt   *time.Time    `json:"installedAt,omitempty"`
	DeletedAt     *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ServerFilter narrows ListServers. Empty fields match everything.
type ServerFilter struct {
	TenantID       string
	HostID         string
	Status         ServerStatus
	IncludeDeleted bool
}
