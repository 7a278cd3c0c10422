package models

import "time"

// Protocol is a transport protocol of a pooled port.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func (p Protocol) Valid() bool {
	return p == TCP || p == UDP
}

// IPPoolEntry is one allocatable IP address on a host. Rows are bulk-created
// when a host is provisioned and are only mutated by the allocator.
type IPPoolEntry struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	HostID      string     `json:"hostId" gorm:"not null;uniqueIndex:idx_ip_pool_host_address"`
	Address     string     `json:"address" gorm:"not null;uniqueIndex:idx_ip_pool_host_address"`
	IsAllocated bool       `json:"isAllocated" gorm:"not null;default:false;index"`
	ServerID    *string    `json:"serverId,omitempty" gorm:"index"`
	Disabled    bool       `json:"disabled" gorm:"not null;default:false"`
	AllocatedAt *time.Time `json:"allocatedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (IPPoolEntry) TableName() string { return "ip_pool" }

// PortPoolEntry is one allocatable (host, port, protocol) triple.
type PortPoolEntry struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	HostID      string     `json:"hostId" gorm:"not null;uniqueIndex:idx_port_pool_host_port_proto"`
	Port        int        `json:"port" gorm:"not null;uniqueIndex:idx_port_pool_host_port_proto"`
	Protocol    Protocol   `json:"protocol" gorm:"not null;uniqueIndex:idx_port_pool_host_port_proto"`
	IsAllocated bool       `json:"isAllocated" gorm:"not null;default:false;index"`
	ServerID    *string    `json:"serverId,omitempty" gorm:"index"`
	Disabled    bool       `json:"disabled" gorm:"not null;default:false"`
	AllocatedAt *time.Time `json:"allocatedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (PortPoolEntry) TableName() string { return "port_pool" }

// PortRange is an inclusive range of ports used for bulk provisioning.
type PortRange struct {
	Protocol Protocol `json:"protocol" yaml:"protocol" validate:"required,oneof=tcp udp"`
	Start    int      `json:"start" yaml:"start" validate:"required,min=1,max=65535"`
	End      int      `json:"end" yaml:"end" validate:"required,min=1,max=65535,gtefield=Start"`
}

// Ports expands the range.
func (r PortRange) Ports() []int {
	if r.End < r.Start {
		return nil
	}
	out := make([]int, 0, r.End-r.Start+1)
	for p := r.Start; p <= r.End; p++ {
		out = append(out, p)
	}
	return out
}
