package models

import "time"

type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "allocated"
	AllocationReleased  AllocationStatus = "released"
)

// PortBinding is one reserved port.
type PortBinding struct {
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// PortRequirement asks for Count ports of one protocol.
type PortRequirement struct {
	Protocol Protocol `json:"protocol" yaml:"protocol" validate:"required,oneof=tcp udp"`
	Count    int      `json:"count" yaml:"count" validate:"required,min=1"`
}

// Allocation binds one server to one IP and an ordered set of ports on one
// host. ServerID is unique: a server has at most one allocation row, which is
// flipped to released rather than deleted.
type Allocation struct {
	ID          string           `json:"id" gorm:"primaryKey"`
	ServerID    string           `json:"serverId" gorm:"not null;uniqueIndex"`
	HostID      string           `json:"hostId" gorm:"not null;index"`
	IP          string           `json:"ip" gorm:"column:ip;not null"`
	Ports       PortList         `json:"ports" gorm:"type:jsonb;not null"`
	Status      AllocationStatus `json:"status" gorm:"not null;index"`
	AllocatedAt time.Time        `json:"allocatedAt"`
	ReleasedAt  *time.Time       `json:"releasedAt,omitempty"`
}

// Live reports whether the allocation still holds pool rows.
func (a *Allocation) Live() bool {
	return a != nil && a.Status == AllocationAllocated
}

// Leak is an allocation still held, reported by the leak scanner.
type Leak struct {
	ServerID string `json:"serverId"`
	HostID   string `json:"hostId"`
	IP       string `json:"ip"`
}
